package tenant

import (
	"context"

	"github.com/google/uuid"
)

// Store persists tenants.
type Store interface {
	// Create inserts t, assigning an id and timestamps when missing.
	// Returns ErrDuplicate when email, slug or a billing reference is taken.
	Create(ctx context.Context, t *Tenant) error

	GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error)
	GetByCustomerID(ctx context.Context, customerID string) (*Tenant, error)
	GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Tenant, error)
	GetByEmail(ctx context.Context, email string) (*Tenant, error)
	SlugExists(ctx context.Context, slug string) (bool, error)

	// Update loads the tenant, passes a copy to fn and persists the result.
	// Calls for the same tenant are serialized; fn observes the committed
	// state of every earlier call. When fn returns an error nothing is written.
	Update(ctx context.Context, id uuid.UUID, fn func(t *Tenant) error) (*Tenant, error)
}

func validate(t *Tenant) error {
	switch {
	case t == nil:
		return ErrInvalidTenant
	case NormalizeEmail(t.Email) == "":
		return ErrInvalidTenant
	case t.Slug == "":
		return ErrInvalidTenant
	case t.PlanTier == "":
		return ErrInvalidTenant
	}
	switch t.Status {
	case StatusTrialing, StatusActive, StatusPastDue, StatusCanceled:
		return nil
	default:
		return ErrInvalidTenant
	}
}
