package provisioning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists resource records keyed by (tenant, kind).
type Store interface {
	Get(ctx context.Context, tenantID uuid.UUID, kind Kind) (*Resource, error)

	// Claim inserts a pending record owned by token, or takes over a pending
	// record claimed before staleBefore, keeping any purchase reserved on it.
	// An active record is returned as is. A live pending claim yields
	// ErrInProgress.
	Claim(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, now, staleBefore time.Time) (*Resource, error)

	// Reserve records a purchase on the pending record owned by token, so a
	// dispatch that dies before Activate leaves it for adoption or release.
	// ErrClaimLost when token no longer owns the slot.
	Reserve(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired) error

	// Activate commits a purchase. ErrClaimLost when token no longer owns the slot.
	Activate(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired, at time.Time) (*Resource, error)

	// Drop removes a pending record still owned by token.
	Drop(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID) error

	// Delete removes the record regardless of status.
	Delete(ctx context.Context, tenantID uuid.UUID, kind Kind) error

	// ListStale returns pending records claimed before the cutoff.
	ListStale(ctx context.Context, before time.Time) ([]Resource, error)
}
