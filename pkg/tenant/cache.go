package tenant

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedStore serves GetByID from a bounded TTL cache. Writes through the
// wrapped store evict the entry. Other replicas may observe a stale record
// for up to the TTL; Update always reads the locked row.
type CachedStore struct {
	Store
	cache *lru.LRU[uuid.UUID, *Tenant]

	// gen advances after every committed write. A read that started under an
	// older generation is returned but not cached.
	mu  sync.Mutex
	gen uint64
}

// NewCachedStore wraps store. A non-positive size or ttl disables caching
// and returns the store unchanged.
func NewCachedStore(store Store, size int, ttl time.Duration) Store {
	if store == nil {
		panic("tenant: cached store requires a store")
	}
	if size <= 0 || ttl <= 0 {
		return store
	}
	return &CachedStore{
		Store: store,
		cache: lru.NewLRU[uuid.UUID, *Tenant](size, nil, ttl),
	}
}

func (s *CachedStore) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	if t, ok := s.cache.Get(id); ok {
		return t.Clone(), nil
	}

	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	t, err := s.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.gen == gen {
		s.cache.Add(id, t.Clone())
	}
	s.mu.Unlock()
	return t, nil
}

func (s *CachedStore) Update(ctx context.Context, id uuid.UUID, fn func(t *Tenant) error) (*Tenant, error) {
	t, err := s.Store.Update(ctx, id, fn)

	s.mu.Lock()
	s.gen++
	s.cache.Remove(id)
	s.mu.Unlock()
	return t, err
}

// FreshReads returns a view of store whose GetByID skips the cache while
// Update still evicts it. Callers that act on the record, such as deciding
// whether to buy a resource, read through it.
func FreshReads(store Store) Store {
	if c, ok := store.(*CachedStore); ok {
		return freshStore{c}
	}
	return store
}

type freshStore struct {
	*CachedStore
}

func (f freshStore) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return f.CachedStore.Store.GetByID(ctx, id)
}
