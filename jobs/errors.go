package jobs

import (
	"errors"

	"github.com/hazyhaar/dastyar/accounts"
	"github.com/hazyhaar/dastyar/chunk"
)

var (
	ErrJobNotFound     = errors.New("jobs: job not found")
	ErrAlreadyTerminal = errors.New("jobs: job already in a terminal state")
	ErrInvalidStatus   = errors.New("jobs: invalid status")

	// Re-exported so that callers classify every submission failure
	// against this package.
	ErrUnsupportedFormat   = chunk.ErrUnsupportedFormat
	ErrQuotaExceeded       = accounts.ErrQuotaExceeded
	ErrInsufficientBalance = accounts.ErrInsufficientBalance
)
