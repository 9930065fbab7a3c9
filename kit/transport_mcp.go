package kit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// RegisterTool adds endpoint to srv as a tool taking a JSON object of type
// Args. The endpoint receives a *Args; missing or null arguments decode to
// the zero value and unknown fields are refused.
//
// Failures are returned as results with IsError set and the error text as
// content, never as protocol errors. The endpoint response is sent back as
// JSON text.
func RegisterTool[Args any](srv *mcp.Server, tool *mcp.Tool, endpoint Endpoint) {
	srv.AddTool(tool, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		args := new(Args)
		if raw := bytes.TrimSpace(req.Params.Arguments); len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
			dec := json.NewDecoder(bytes.NewReader(raw))
			dec.DisallowUnknownFields()
			if err := dec.Decode(args); err != nil {
				return ToolError(fmt.Errorf("invalid arguments: %w", err)), nil
			}
		}

		resp, err := endpoint(WithTransport(ctx, "mcp"), args)
		if err != nil {
			return ToolError(err), nil
		}
		data, err := json.Marshal(resp)
		if err != nil {
			return ToolError(fmt.Errorf("encode result: %w", err)), nil
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil
	})
}

// ToolError is a tool result reporting err to the caller.
func ToolError(err error) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
	}
}
