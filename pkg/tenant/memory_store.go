package tenant

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[uuid.UUID]*Tenant
	locks   sync.Map // uuid.UUID -> *sync.Mutex
	now     func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants: make(map[uuid.UUID]*Tenant),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Create(_ context.Context, t *Tenant) error {
	if err := validate(t); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	if _, exists := s.tenants[t.ID]; exists {
		return ErrDuplicate
	}
	if err := s.checkUniqueLocked(t); err != nil {
		return err
	}

	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tenants[t.ID] = t.Clone()
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if t, ok := s.tenants[id]; ok {
		return t.Clone(), nil
	}
	return nil, ErrTenantNotFound
}

func (s *MemoryStore) GetByCustomerID(_ context.Context, customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, ErrTenantNotFound
	}
	return s.find(func(t *Tenant) bool { return t.CustomerID == customerID })
}

func (s *MemoryStore) GetBySubscriptionID(_ context.Context, subscriptionID string) (*Tenant, error) {
	if subscriptionID == "" {
		return nil, ErrTenantNotFound
	}
	return s.find(func(t *Tenant) bool { return t.SubscriptionID == subscriptionID })
}

func (s *MemoryStore) GetByEmail(_ context.Context, email string) (*Tenant, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrTenantNotFound
	}
	return s.find(func(t *Tenant) bool { return NormalizeEmail(t.Email) == email })
}

func (s *MemoryStore) SlugExists(_ context.Context, slug string) (bool, error) {
	_, err := s.find(func(t *Tenant) bool { return t.Slug == slug })
	if errors.Is(err, ErrTenantNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, fn func(t *Tenant) error) (*Tenant, error) {
	lock, _ := s.locks.LoadOrStore(id, &sync.Mutex{})
	mu := lock.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := fn(next); err != nil {
		if errors.Is(err, ErrNoChange) {
			return current, nil
		}
		return nil, err
	}
	next.ID = current.ID
	next.CreatedAt = current.CreatedAt
	if err := validate(next); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.checkUniqueLocked(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = s.now()
	s.tenants[id] = next.Clone()
	return next, nil
}

func (s *MemoryStore) find(match func(t *Tenant) bool) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, t := range s.tenants {
		if match(t) {
			return t.Clone(), nil
		}
	}
	return nil, ErrTenantNotFound
}

// checkUniqueLocked mirrors the unique indexes of the tenants table.
func (s *MemoryStore) checkUniqueLocked(t *Tenant) error {
	email := NormalizeEmail(t.Email)
	for id, other := range s.tenants {
		if id == t.ID {
			continue
		}
		switch {
		case NormalizeEmail(other.Email) == email,
			other.Slug == t.Slug,
			t.CustomerID != "" && other.CustomerID == t.CustomerID,
			t.SubscriptionID != "" && other.SubscriptionID == t.SubscriptionID:
			return ErrDuplicate
		}
	}
	return nil
}
