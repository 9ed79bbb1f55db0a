package reconciler

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
)

var (
	// ErrStaleEvent matches every *ConflictError.
	ErrStaleEvent = errors.New("billing event is older than the last applied event")
	// ErrUnresolvedTenant means no tenant matches the event's billing
	// references yet. The event is replayed later, since a checkout event
	// that creates the tenant may still be in flight.
	ErrUnresolvedTenant = errors.New("no tenant for billing event")
)

// ConflictError rejects an event that occurred before the newest event
// already applied to the tenant.
type ConflictError struct {
	TenantID    uuid.UUID
	EventID     string
	EventType   billing.EventType
	OccurredAt  time.Time
	LastApplied time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("stale billing event %s (%s) for tenant %s: occurred at %s, last applied %s",
		e.EventID, e.EventType, e.TenantID,
		e.OccurredAt.Format(time.RFC3339), e.LastApplied.Format(time.RFC3339))
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrStaleEvent
}
