package tenant

import "errors"

var (
	ErrTenantNotFound    = errors.New("tenant not found")
	ErrDuplicate         = errors.New("tenant already exists")
	ErrInvalidTenant     = errors.New("invalid tenant")
	ErrNoTenantInContext = errors.New("no tenant in context")
	ErrSlugExhausted     = errors.New("could not generate a unique slug")

	// ErrNoChange is returned by an Update callback to abort without writing.
	// Update then returns the current record and a nil error.
	ErrNoChange = errors.New("tenant: no change")
)
