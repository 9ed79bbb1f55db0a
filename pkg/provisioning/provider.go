package provisioning

import "context"

// Provider acquires and releases external resources of one kind.
type Provider interface {
	// Name is used in logs, metrics and ProviderErrors.
	Name() string
	Search(ctx context.Context, filter Filter, limit int) ([]Candidate, error)
	Acquire(ctx context.Context, candidate Candidate, opts AcquireOptions) (*Acquired, error)
	// Release must treat an already released resource as success.
	Release(ctx context.Context, externalID string) error
}
