package provisioning

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type resourceKey struct {
	tenantID uuid.UUID
	kind     Kind
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[resourceKey]Resource
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{resources: make(map[resourceKey]Resource)}
}

func (s *MemoryStore) Get(_ context.Context, tenantID uuid.UUID, kind Kind) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.resources[resourceKey{tenantID, kind}]
	if !ok {
		return nil, ErrResourceNotFound
	}
	return &r, nil
}

func (s *MemoryStore) Claim(_ context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, now, staleBefore time.Time) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{tenantID, kind}
	r, ok := s.resources[key]
	if ok {
		if r.Status == StatusActive {
			return &r, nil
		}
		if !r.ClaimedAt.Before(staleBefore) {
			return nil, ErrInProgress
		}
	}

	r = Resource{
		TenantID:   tenantID,
		Kind:       kind,
		Status:     StatusPending,
		ExternalID: r.ExternalID,
		Descriptor: r.Descriptor,
		ClaimToken: token,
		ClaimedAt:  now,
	}
	s.resources[key] = r
	return &r, nil
}

func (s *MemoryStore) Reserve(_ context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{tenantID, kind}
	r, ok := s.resources[key]
	if !ok || r.Status != StatusPending || r.ClaimToken != token {
		return ErrClaimLost
	}
	r.ExternalID = acquired.ExternalID
	r.Descriptor = acquired.Descriptor
	s.resources[key] = r
	return nil
}

func (s *MemoryStore) Activate(_ context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired, at time.Time) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{tenantID, kind}
	r, ok := s.resources[key]
	if !ok || r.Status != StatusPending || r.ClaimToken != token {
		return nil, ErrClaimLost
	}
	r.Status = StatusActive
	r.ExternalID = acquired.ExternalID
	r.Descriptor = acquired.Descriptor
	r.ActivatedAt = &at
	s.resources[key] = r
	return &r, nil
}

func (s *MemoryStore) Drop(_ context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := resourceKey{tenantID, kind}
	if r, ok := s.resources[key]; ok && r.Status == StatusPending && r.ClaimToken == token {
		delete(s.resources, key)
	}
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, tenantID uuid.UUID, kind Kind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.resources, resourceKey{tenantID, kind})
	return nil
}

func (s *MemoryStore) ListStale(_ context.Context, before time.Time) ([]Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Resource
	for _, r := range s.resources {
		if r.Status == StatusPending && r.ClaimedAt.Before(before) {
			out = append(out, r)
		}
	}
	return out, nil
}
