package taskrt

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownKind is returned when dispatching a kind nobody registered.
	ErrUnknownKind = errors.New("taskrt: unknown task kind")
	// ErrTaskNotFound is returned by Get for a missing task ID.
	ErrTaskNotFound = errors.New("taskrt: task not found")
	// ErrHardTimeLimit is recorded when a handler outlives its hard limit.
	ErrHardTimeLimit = errors.New("taskrt: hard time limit exceeded")
	// ErrRevoked is the cause given to a handler context cancelled by Revoke.
	ErrRevoked = errors.New("taskrt: task revoked")
	// ErrPanic wraps a recovered handler panic.
	ErrPanic = errors.New("taskrt: handler panicked")
)

// RetryError asks the runtime to run the task again after a delay.
type RetryError struct {
	Err   error
	After time.Duration
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("taskrt: retry in %s: %v", e.After, e.Err)
}

func (e *RetryError) Unwrap() error { return e.Err }

// Retry wraps err so the runtime re-queues the task after the given delay
// instead of failing it. Once the kind's MaxAttempts is reached the task
// fails with err.
func Retry(err error, after time.Duration) error {
	return &RetryError{Err: err, After: after}
}
