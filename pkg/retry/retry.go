package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Policy bounds how an operation is retried.
type Policy struct {
	MaxAttempts int // total attempts including the first; values below 1 mean 1
	Backoff     Backoff
	Breaker     *CircuitBreaker
	// Retryable decides whether an error is worth another attempt. Defaults
	// to IsTemporary, so only ProviderErrors marked temporary are retried.
	Retryable func(error) bool
}

// DefaultPolicy makes three attempts with DefaultBackoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Backoff: DefaultBackoff()}
}

// Do calls fn until it succeeds, returns a non-retryable error, the attempts
// run out or ctx is done. The breaker, when set, short-circuits calls while
// open and is fed with every outcome.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := max(p.MaxAttempts, 1)
	backoff := p.Backoff
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = IsTemporary
	}

	var lastErr error
	for attempt := range attempts {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Join(ctx.Err(), lastErr)
			case <-time.After(backoff.NextInterval(attempt)):
			}
		}

		if p.Breaker != nil && !p.Breaker.Allow() {
			if lastErr != nil {
				return errors.Join(ErrCircuitOpen, lastErr)
			}
			return ErrCircuitOpen
		}

		err := fn(ctx)
		if p.Breaker != nil {
			if err == nil || !retryable(err) {
				// A permanent failure means the provider answered; it is healthy.
				p.Breaker.RecordSuccess()
			} else {
				p.Breaker.RecordFailure()
			}
		}
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}

	if attempts == 1 {
		return lastErr
	}
	return fmt.Errorf("%w after %d attempts: %w", ErrAttemptsExhausted, attempts, lastErr)
}
