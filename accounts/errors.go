package accounts

import "errors"

var (
	ErrUserNotFound        = errors.New("accounts: user not found")
	ErrUserInactive        = errors.New("accounts: user inactive")
	ErrUsernameTaken       = errors.New("accounts: username taken")
	ErrQuotaExceeded       = errors.New("accounts: daily file limit reached")
	ErrInsufficientBalance = errors.New("accounts: insufficient balance")
	ErrAlreadyCharged      = errors.New("accounts: job already charged")
	ErrInvalidKey          = errors.New("accounts: invalid api key")
	ErrInvalidAmount       = errors.New("accounts: invalid amount")
)
