package queue

import (
	"errors"

	"github.com/dmitrymomot/billingkit/pkg/retry"
)

var (
	ErrRepositoryNil     = errors.New("repository cannot be nil")
	ErrPayloadNil        = errors.New("payload cannot be nil")
	ErrInvalidPriority   = errors.New("priority must be between 0 and 100")
	ErrHandlerNotFound   = errors.New("no handler registered for task type")
	ErrNoHandlers        = errors.New("no task handlers registered")
	ErrNoTaskToClaim     = errors.New("no task to claim")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskNotProcessing = errors.New("task is not in processing state")
	ErrWorkerStarted     = errors.New("worker already started")
	ErrWorkerNotStarted  = errors.New("worker not started")

	// ErrPermanent marks a handler failure that retrying cannot fix.
	ErrPermanent = errors.New("permanent task failure")
)

// Permanent marks err so the worker dead-letters the task without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrPermanent, err)
}

// isPermanent reports whether a handler error should skip the remaining
// retries: explicitly marked, or a provider error that is not temporary.
func isPermanent(err error) bool {
	if errors.Is(err, ErrPermanent) {
		return true
	}
	return retry.IsProviderError(err) && !retry.IsTemporary(err)
}
