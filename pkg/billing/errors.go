package billing

import "errors"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrInvalidPayload   = errors.New("invalid webhook payload")
	ErrNotSupported     = errors.New("operation not supported by billing provider")
	ErrMissingConfig    = errors.New("billing provider is not configured")
	ErrUnknownProvider  = errors.New("unknown billing provider")
)
