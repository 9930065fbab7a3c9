package kit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

type echoArgs struct {
	Word  string `json:"word"`
	Times int    `json:"times"`
}

func toolSession(t *testing.T, ep Endpoint) *mcp.ClientSession {
	t.Helper()
	srv := mcp.NewServer(&mcp.Implementation{Name: "kit-test", Version: "0"}, nil)
	RegisterTool[echoArgs](srv, &mcp.Tool{
		Name:        "echo",
		InputSchema: map[string]any{"type": "object"},
	}, ep)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0"}, nil)
	s, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func text(res *mcp.CallToolResult) string {
	if len(res.Content) == 0 {
		return ""
	}
	tc, _ := res.Content[0].(*mcp.TextContent)
	if tc == nil {
		return ""
	}
	return tc.Text
}

func TestRegisterTool_DecodesArgs(t *testing.T) {
	var transport string
	s := toolSession(t, func(ctx context.Context, req any) (any, error) {
		transport = GetTransport(ctx)
		a := req.(*echoArgs)
		return map[string]string{"out": strings.Repeat(a.Word, a.Times)}, nil
	})
	res, err := s.CallTool(context.Background(), &mcp.CallToolParams{
		Name: "echo", Arguments: map[string]any{"word": "نه", "times": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError || text(res) != `{"out":"نهنه"}` {
		t.Fatalf("result = %v %q", res.IsError, text(res))
	}
	if transport != "mcp" {
		t.Fatalf("transport = %q", transport)
	}
}

// WHAT: bad arguments and endpoint failures come back as IsError results.
// WHY: clients read tool errors from the result, not from the protocol.
func TestRegisterTool_Errors(t *testing.T) {
	s := toolSession(t, func(ctx context.Context, req any) (any, error) {
		return nil, errors.New("jobs: job not found")
	})
	cases := map[string]struct {
		args any
		want string
	}{
		"unknown field":   {map[string]any{"wrod": "x"}, "invalid arguments"},
		"wrong type":      {map[string]any{"times": "two"}, "invalid arguments"},
		"endpoint failed": {map[string]any{"word": "x"}, "jobs: job not found"},
	}
	for name, tc := range cases {
		res, err := s.CallTool(context.Background(), &mcp.CallToolParams{Name: "echo", Arguments: tc.args})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !res.IsError || !strings.Contains(text(res), tc.want) {
			t.Fatalf("%s: IsError=%v text=%q", name, res.IsError, text(res))
		}
	}
}
