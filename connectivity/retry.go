package connectivity

import (
	"context"
	"log/slog"
	"time"
)

// Backoff returns the wait before retry number n (n starts at 1).
type Backoff func(n int) time.Duration

// Linear waits step, 2*step, 3*step...
func Linear(step time.Duration) Backoff {
	return func(n int) time.Duration { return time.Duration(n) * step }
}

// Exponential waits base*2^(n-1), clamped to [lo, hi].
func Exponential(base, lo, hi time.Duration) Backoff {
	return func(n int) time.Duration {
		if n > 20 {
			return hi
		}
		d := base << uint(n-1)
		if d < lo || d <= 0 {
			d = lo
		}
		if d > hi {
			d = hi
		}
		return d
	}
}

// RetryPolicy configures WithRetry.
type RetryPolicy struct {
	// Attempts is the total number of calls, first one included.
	Attempts int
	Backoff  Backoff
	// Retryable decides whether an error is worth another attempt.
	// Default: IsTransient.
	Retryable func(error) bool
	Logger    *slog.Logger
	// Sleep is replaceable in tests. Default: context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// WithRetry re-runs failed calls that Retryable accepts, waiting Backoff
// between attempts. It stops early when ctx is done.
func WithRetry(p RetryPolicy) Middleware {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Backoff == nil {
		p.Backoff = Linear(time.Second)
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	if p.Sleep == nil {
		p.Sleep = sleepCtx
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, req *Request) ([]byte, error) {
			var lastErr error
			for attempt := 1; attempt <= p.Attempts; attempt++ {
				resp, err := next(ctx, req)
				if err == nil {
					return resp, nil
				}
				lastErr = err
				if ctx.Err() != nil || !p.Retryable(err) || attempt == p.Attempts {
					break
				}
				wait := p.Backoff(attempt)
				if p.Logger != nil {
					p.Logger.WarnContext(ctx, "connectivity: retrying call",
						"attempt", attempt,
						"max_attempts", p.Attempts,
						"backoff_ms", wait.Milliseconds(),
						"error", err)
				}
				if err := p.Sleep(ctx, wait); err != nil {
					break
				}
			}
			return nil, &RetriesExhausted{Attempts: p.Attempts, Last: lastErr}
		}
	}
}

// RetriesExhausted wraps the last error returned by WithRetry.
type RetriesExhausted struct {
	Attempts int
	Last     error
}

func (e *RetriesExhausted) Error() string {
	return "connectivity: call failed: " + e.Last.Error()
}

func (e *RetriesExhausted) Unwrap() error { return e.Last }

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
