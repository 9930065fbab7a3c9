// Package connectivity wraps calls to external providers (speech-to-text,
// language model, webhook receivers) in composable middlewares: retry with a
// backoff policy, circuit breaker, timeout, panic recovery and logging.
//
//	call := connectivity.Chain(
//		connectivity.Logging(logger, "speech"),
//		connectivity.WithRetry(connectivity.RetryPolicy{Attempts: 5, Backoff: connectivity.Linear(time.Second)}),
//		connectivity.WithCircuitBreaker(cb, "speech"),
//		connectivity.Timeout(2*time.Minute),
//	)(connectivity.HTTP(client))
package connectivity

import (
	"context"
	"net/http"
)

// Request is one outbound provider call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	// MaxBody caps the response body HTTP reads; zero keeps the 10 MiB
	// default.
	MaxBody int64
}

// Handler performs a call and returns the response body.
type Handler func(ctx context.Context, req *Request) ([]byte, error)

// Middleware wraps a Handler without changing its signature.
type Middleware func(next Handler) Handler

// Chain composes middlewares left-to-right: the first one is the outermost
// wrapper.
func Chain(mws ...Middleware) Middleware {
	return func(next Handler) Handler {
		for i := len(mws) - 1; i >= 0; i-- {
			next = mws[i](next)
		}
		return next
	}
}
