package connectivity

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestBackoffPolicies(t *testing.T) {
	lin := Linear(time.Second)
	for n, want := range map[int]time.Duration{1: time.Second, 2: 2 * time.Second, 4: 4 * time.Second} {
		if got := lin(n); got != want {
			t.Errorf("Linear(%d) = %v, want %v", n, got, want)
		}
	}
	exp := Exponential(time.Second, 2*time.Second, 10*time.Second)
	for n, want := range map[int]time.Duration{1: 2 * time.Second, 2: 2 * time.Second, 3: 4 * time.Second, 4: 8 * time.Second, 5: 10 * time.Second, 40: 10 * time.Second} {
		if got := exp(n); got != want {
			t.Errorf("Exponential(%d) = %v, want %v", n, got, want)
		}
	}
}

// WHAT: transient errors are retried up to Attempts, with Backoff(n) waits.
// WHY: speech chunks ride out provider rate limits with 1s, 2s, 3s waits.
func TestWithRetry_TransientThenSuccess(t *testing.T) {
	var calls int
	var waits []time.Duration
	h := WithRetry(RetryPolicy{
		Attempts: 5,
		Backoff:  Linear(time.Second),
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	})(func(ctx context.Context, req *Request) ([]byte, error) {
		calls++
		if calls < 4 {
			return nil, &StatusError{Code: 503}
		}
		return []byte("ok"), nil
	})

	out, err := h(context.Background(), &Request{})
	if err != nil || string(out) != "ok" {
		t.Fatalf("got %q, %v", out, err)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 3 * time.Second}
	if len(waits) != len(want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	for i := range want {
		if waits[i] != want[i] {
			t.Fatalf("waits = %v, want %v", waits, want)
		}
	}
}

func TestWithRetry_PermanentNotRetried(t *testing.T) {
	var calls int
	h := WithRetry(RetryPolicy{Attempts: 5, Sleep: noSleep})(func(ctx context.Context, req *Request) ([]byte, error) {
		calls++
		return nil, &StatusError{Code: 401, Body: "bad key"}
	})
	_, err := h(context.Background(), &Request{})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("err = %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestWithRetry_Exhausted(t *testing.T) {
	var calls int
	h := WithRetry(RetryPolicy{Attempts: 3, Sleep: noSleep})(func(ctx context.Context, req *Request) ([]byte, error) {
		calls++
		return nil, &StatusError{Code: 429}
	})
	_, err := h(context.Background(), &Request{})
	var ex *RetriesExhausted
	if !errors.As(err, &ex) || calls != 3 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{&StatusError{Code: 500}, true},
		{&StatusError{Code: 429}, true},
		{&StatusError{Code: 404}, false},
		{context.Canceled, false},
		{context.DeadlineExceeded, true},
		{&ErrCircuitOpen{Service: "x"}, false},
		{errors.New("plain"), false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(0, 0)
	cb := NewCircuitBreaker(
		WithBreakerThreshold(2),
		WithBreakerResetTimeout(time.Minute),
		WithBreakerClock(func() time.Time { return now }),
	)
	fail := WithCircuitBreaker(cb, "llm")(func(ctx context.Context, req *Request) ([]byte, error) {
		return nil, &StatusError{Code: 502}
	})
	fail(context.Background(), &Request{})
	fail(context.Background(), &Request{})
	if cb.State() != BreakerOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}
	_, err := fail(context.Background(), &Request{})
	var co *ErrCircuitOpen
	if !errors.As(err, &co) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}

	now = now.Add(2 * time.Minute)
	if cb.State() != BreakerHalfOpen {
		t.Fatalf("state = %v, want half-open", cb.State())
	}
	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != BreakerClosed {
		t.Fatalf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerIgnoresClientErrors(t *testing.T) {
	cb := NewCircuitBreaker(WithBreakerThreshold(1))
	h := WithCircuitBreaker(cb, "llm")(func(ctx context.Context, req *Request) ([]byte, error) {
		return nil, &StatusError{Code: 400}
	})
	h(context.Background(), &Request{})
	if cb.State() != BreakerClosed {
		t.Fatal("400 opened the breaker")
	}
}

func TestHTTPHandler(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer k" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		w.Write(append([]byte("echo:"), body...))
	}))
	defer srv.Close()

	h := HTTP(srv.Client())
	out, err := h(context.Background(), &Request{
		URL:    srv.URL,
		Header: http.Header{"Authorization": {"Bearer k"}},
		Body:   []byte("hi"),
	})
	if err != nil || string(out) != "echo:hi" {
		t.Fatalf("got %q, %v", out, err)
	}

	_, err = h(context.Background(), &Request{URL: srv.URL})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != 401 {
		t.Fatalf("err = %v, want 401", err)
	}
}

// WHAT: MaxBody raises or lowers the response cap, with or without a
// Content-Length.
// WHY: input downloads are larger than provider replies but still bounded.
func TestHTTPHandler_MaxBody(t *testing.T) {
	payload := make([]byte, 64)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Has("chunked") {
			w.(http.Flusher).Flush()
		}
		w.Write(payload)
	}))
	defer srv.Close()

	h := HTTP(srv.Client())
	out, err := h(context.Background(), &Request{Method: http.MethodGet, URL: srv.URL, MaxBody: 64})
	if err != nil || len(out) != 64 {
		t.Fatalf("len = %d, err = %v", len(out), err)
	}
	for _, url := range []string{srv.URL, srv.URL + "?chunked=1"} {
		_, err = h(context.Background(), &Request{Method: http.MethodGet, URL: url, MaxBody: 63})
		if !errors.Is(err, ErrBodyTooLarge) {
			t.Fatalf("%s: err = %v, want ErrBodyTooLarge", url, err)
		}
		if IsTransient(err) {
			t.Fatal("oversized body must not be retried")
		}
	}
}

func TestRecoveryAndChain(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	var order []string
	mark := func(name string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, req *Request) ([]byte, error) {
				order = append(order, name)
				return next(ctx, req)
			}
		}
	}
	h := Chain(mark("a"), mark("b"), Recovery(logger))(func(ctx context.Context, req *Request) ([]byte, error) {
		panic("boom")
	})
	_, err := h(context.Background(), &Request{})
	var p *ErrPanic
	if !errors.As(err, &p) {
		t.Fatalf("err = %v, want ErrPanic", err)
	}
	if len(order) != 2 || order[0] != "a" || order[1] != "b" {
		t.Fatalf("order = %v", order)
	}
}
