// Package kit is the transport-neutral endpoint layer shared by the HTTP API
// and the MCP tool surface, plus the request-scoped identity carried in a
// context.Context.
package kit

import "context"

// Endpoint is one operation, independent of how it was invoked.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares; the first one is the outermost.
func Chain(mws ...Middleware) Middleware {
	return func(next Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
