package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/jobs"
	"github.com/hazyhaar/dastyar/kit"
)

var mcpImpl = &mcp.Implementation{Name: "dastyar", Version: "1.0.0"}

// mcpHandler serves MCP over streamable HTTP at /v1/mcp. It is stateless:
// every request builds a server bound to the authenticated caller.
func (s *Server) mcpHandler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return s.MCPServer(userFrom(r.Context()))
	}, &mcp.StreamableHTTPOptions{Stateless: true})
}

// MCPServer returns an MCP server whose tools act as u. Admins also get
// dastyar_fix_status.
func (s *Server) MCPServer(u *accounts.User) *mcp.Server {
	srv := mcp.NewServer(mcpImpl, nil)
	s.registerJobStatus(srv, u)
	s.registerListJobs(srv, u)
	s.registerCancelJob(srv, u)
	s.registerWallet(srv, u)
	if u.IsAdmin() {
		s.registerFixStatus(srv, u)
	}
	return srv
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	sch := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		sch["required"] = required
	}
	return sch
}

// tool wraps an endpoint with the caller identity and call logging.
func (s *Server) tool(name string, u *accounts.User, ep kit.Endpoint) kit.Endpoint {
	identify := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			return next(withUser(ctx, u, ""), req)
		}
	}
	logged := func(next kit.Endpoint) kit.Endpoint {
		return func(ctx context.Context, req any) (any, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			s.Logger.Info("api: mcp tool", "tool", name, "user_id", kit.GetUserID(ctx),
				"transport", kit.GetTransport(ctx), "duration", time.Since(start), "error", err)
			return resp, err
		}
	}
	return kit.Chain(identify, logged)(ep)
}

type jobArgs struct {
	JobID string `json:"job_id"`
}

var jobIDSchema = map[string]any{"type": "string", "description": "Job ID (job_...)"}

func (s *Server) registerJobStatus(srv *mcp.Server, u *accounts.User) {
	tool := &mcp.Tool{
		Name:        "dastyar_job_status",
		Description: "Get the status and result texts of a transcription or correction job",
		InputSchema: inputSchema(map[string]any{"job_id": jobIDSchema}, []string{"job_id"}),
	}
	ep := func(ctx context.Context, r any) (any, error) {
		j, err := s.Jobs.GetFor(ctx, r.(*jobArgs).JobID, u)
		if err != nil {
			return nil, err
		}
		return s.view(ctx, j)
	}
	kit.RegisterTool[jobArgs](srv, tool, s.tool(tool.Name, u, ep))
}

type listArgs struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func (s *Server) registerListJobs(srv *mcp.Server, u *accounts.User) {
	tool := &mcp.Tool{
		Name:        "dastyar_list_jobs",
		Description: "List your jobs, newest first",
		InputSchema: inputSchema(map[string]any{
			"status": map[string]any{"type": "string", "enum": []string{
				jobs.StatusQueued, jobs.StatusProcessing, jobs.StatusCompleted, jobs.StatusFailed, jobs.StatusCanceled}},
			"limit":  map[string]any{"type": "integer", "description": "Page size (default 50)"},
			"offset": map[string]any{"type": "integer"},
		}, nil),
	}
	ep := func(ctx context.Context, r any) (any, error) {
		a := r.(*listArgs)
		if a.Status != "" && !jobs.ValidStatus(a.Status) {
			return nil, jobs.ErrInvalidStatus
		}
		list, total, err := s.Jobs.List(ctx, jobs.Filter{UserID: u.ID, Status: a.Status, Limit: a.Limit, Offset: a.Offset})
		if err != nil {
			return nil, err
		}
		return map[string]any{"jobs": list, "total": total}, nil
	}
	kit.RegisterTool[listArgs](srv, tool, s.tool(tool.Name, u, ep))
}

func (s *Server) registerCancelJob(srv *mcp.Server, u *accounts.User) {
	tool := &mcp.Tool{
		Name:        "dastyar_cancel_job",
		Description: "Cancel a queued or running job. Canceling a finished job changes nothing.",
		InputSchema: inputSchema(map[string]any{"job_id": jobIDSchema}, []string{"job_id"}),
	}
	ep := func(ctx context.Context, r any) (any, error) {
		j, err := s.Jobs.GetFor(ctx, r.(*jobArgs).JobID, u)
		if err != nil {
			return nil, err
		}
		return s.Jobs.Cancel(ctx, j.ID)
	}
	kit.RegisterTool[jobArgs](srv, tool, s.tool(tool.Name, u, ep))
}

type walletArgs struct {
	Limit int `json:"limit"`
}

func (s *Server) registerWallet(srv *mcp.Server, u *accounts.User) {
	tool := &mcp.Tool{
		Name:        "dastyar_wallet",
		Description: "Show your balance, token price and latest wallet transactions",
		InputSchema: inputSchema(map[string]any{
			"limit": map[string]any{"type": "integer", "description": "Transactions to return (default 20)"},
		}, nil),
	}
	ep := func(ctx context.Context, r any) (any, error) {
		limit := r.(*walletArgs).Limit
		if limit <= 0 {
			limit = 20
		}
		cur, err := s.Accounts.GetUser(ctx, u.ID)
		if err != nil {
			return nil, err
		}
		txns, err := s.Accounts.Transactions(ctx, u.ID, limit, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"balance": cur.Balance, "token_price": cur.TokenPrice, "transactions": txns}, nil
	}
	kit.RegisterTool[walletArgs](srv, tool, s.tool(tool.Name, u, ep))
}

type fixStatusArgs struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

func (s *Server) registerFixStatus(srv *mcp.Server, u *accounts.User) {
	tool := &mcp.Tool{
		Name:        "dastyar_fix_status",
		Description: "Admin: overwrite the status of a job left inconsistent by an outage",
		InputSchema: inputSchema(map[string]any{
			"job_id": jobIDSchema,
			"status": map[string]any{"type": "string"},
		}, []string{"job_id", "status"}),
	}
	ep := func(ctx context.Context, r any) (any, error) {
		if !u.IsAdmin() {
			return nil, errors.New("admin role required")
		}
		a := r.(*fixStatusArgs)
		return s.Jobs.ForceStatus(ctx, a.JobID, a.Status, u.Username)
	}
	kit.RegisterTool[fixStatusArgs](srv, tool, s.tool(tool.Name, u, ep))
}
