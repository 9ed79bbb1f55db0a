package retry

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrCircuitOpen       = errors.New("circuit breaker is open")
	ErrAttemptsExhausted = errors.New("retry attempts exhausted")
)

// ProviderError reports a failed call to an external provider (billing,
// provisioning, notification). Temporary errors may be retried; the rest are
// validation or authorization failures that will fail the same way again.
type ProviderError struct {
	Provider  string
	Op        string
	Err       error
	Temporary bool
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Temporary {
		kind = "temporary"
	}
	return fmt.Sprintf("%s %s failed (%s): %v", e.Provider, e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Temporary wraps err as a retryable provider failure.
func Temporary(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err, Temporary: true}
}

// Permanent wraps err as a provider failure that must not be retried.
func Permanent(provider, op string, err error) error {
	if err == nil {
		return nil
	}
	return &ProviderError{Provider: provider, Op: op, Err: err}
}

// FromStatus wraps err according to the HTTP status the provider answered
// with. 4xx responses are permanent except 408, 425 and 429.
func FromStatus(provider, op string, status int, err error) error {
	if IsRetryableStatus(status) {
		return Temporary(provider, op, err)
	}
	return Permanent(provider, op, err)
}

// IsRetryableStatus reports whether a request answered with status is worth
// repeating. Zero means no response was received.
func IsRetryableStatus(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
		return true
	case status >= 400 && status < 500:
		return false
	}
	return true
}

// IsTemporary reports whether err is a temporary provider failure.
func IsTemporary(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe) && pe.Temporary
}

// IsProviderError reports whether err came from an external provider.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}
