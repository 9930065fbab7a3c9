package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrBodyTooLarge is returned when a response exceeds Request.MaxBody.
var ErrBodyTooLarge = errors.New("connectivity: response body too large")

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("connectivity: status %d: %s", e.Code, body)
}

// Transient reports whether retrying could succeed: rate limiting,
// request timeout and server-side errors.
func (e *StatusError) Transient() bool {
	return e.Code == 429 || e.Code == 408 || e.Code >= 500
}

// ErrCircuitOpen is returned when the breaker for a service rejects a call.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

// ErrPanic wraps a recovered panic value.
type ErrPanic struct {
	Value any
}

func (e *ErrPanic) Error() string {
	return fmt.Sprintf("connectivity: handler panicked: %v", e.Value)
}

// IsTransient classifies err as retryable: transient HTTP statuses, network
// failures and per-call timeouts. Cancellation of the caller's context is
// never transient, nor is an open circuit.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Transient()
	}
	var co *ErrCircuitOpen
	if errors.As(err, &co) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
