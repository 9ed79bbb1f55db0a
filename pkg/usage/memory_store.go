package usage

import (
	"context"
	"sync"
)

// MemoryStore keeps counters in process, one mutex per key.
type MemoryStore struct {
	mu       sync.Mutex
	counters map[Key]Counter
	locks    map[Key]*sync.Mutex
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		counters: make(map[Key]Counter),
		locks:    make(map[Key]*sync.Mutex),
	}
}

func (s *MemoryStore) Mutate(ctx context.Context, seeds []Counter, fn func(counters []*Counter) error) error {
	for _, i := range lockOrder(seeds) {
		l := s.lock(seeds[i].Key)
		l.Lock()
		defer l.Unlock()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	working := make([]*Counter, len(seeds))
	s.mu.Lock()
	for i, seed := range seeds {
		c, ok := s.counters[seed.Key]
		if !ok {
			c = seed
		}
		working[i] = &c
	}
	s.mu.Unlock()

	if err := fn(working); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range working {
		s.counters[c.Key] = *c
	}
	return nil
}

// Get returns a stored counter.
func (s *MemoryStore) Get(key Key) (Counter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.counters[key]
	return c, ok
}

func (s *MemoryStore) lock(key Key) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}
