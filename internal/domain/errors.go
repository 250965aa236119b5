package domain

import "errors"

var (
	ErrInvalidTransaction = errors.New("invalid transaction")
	ErrInvalidConfig      = errors.New("invalid config")
	ErrEmptyHistory       = errors.New("history is empty")
	ErrNotFound           = errors.New("record not found")
	ErrStoreUnavailable   = errors.New("pattern store unavailable")
	ErrInvalidRule        = errors.New("invalid rule")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
)
