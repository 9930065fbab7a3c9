package connectivity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"
)

// maxResponseBody is the default cap on what HTTP reads (10 MiB).
const maxResponseBody int64 = 10 << 20

// HTTP returns the terminal Handler that performs req with client. Non-2xx
// responses become *StatusError.
func HTTP(client *http.Client) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, req *Request) ([]byte, error) {
		method := req.Method
		if method == "" {
			method = http.MethodPost
		}
		hr, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(req.Body))
		if err != nil {
			return nil, fmt.Errorf("connectivity: build request: %w", err)
		}
		for k, vs := range req.Header {
			for _, v := range vs {
				hr.Header.Add(k, v)
			}
		}

		resp, err := client.Do(hr)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		limit := req.MaxBody
		if limit <= 0 {
			limit = maxResponseBody
		}
		if resp.ContentLength > limit {
			return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrBodyTooLarge, resp.ContentLength, limit)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, fmt.Errorf("connectivity: read response: %w", err)
		}
		if int64(len(body)) > limit {
			return nil, fmt.Errorf("%w: max %d", ErrBodyTooLarge, limit)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	}
}

// Logging logs every call with its duration.
func Logging(logger *slog.Logger, service string) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			start := time.Now()
			resp, err := next(ctx, req)
			dur := time.Since(start)
			if err != nil {
				logger.WarnContext(ctx, "connectivity: call failed",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"request_bytes", len(req.Body),
					"error", err)
			} else {
				logger.DebugContext(ctx, "connectivity: call ok",
					"service", service,
					"duration_ms", dur.Milliseconds(),
					"response_bytes", len(resp))
			}
			return resp, err
		}
	}
}

// Timeout bounds each call (each attempt when placed inside WithRetry).
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			if d <= 0 {
				return next(ctx, req)
			}
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next(ctx, req)
		}
	}
}

// Recovery turns a panic below it into *ErrPanic.
func Recovery(logger *slog.Logger) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) (resp []byte, err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "connectivity: handler panic recovered",
						"panic", r,
						"stack", string(debug.Stack()))
					err = &ErrPanic{Value: r}
				}
			}()
			return next(ctx, req)
		}
	}
}
