package reservation

import "errors"

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrInvalidState      = errors.New("invalid reservation state")
	ErrAlreadyRegistered = errors.New("product already registered")
	ErrStoreUnavailable  = errors.New("inventory store unavailable")
)
