package provisioning

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
)

// MemoryProvider simulates a pool of phone numbers for development and tests.
type MemoryProvider struct {
	mu        sync.Mutex
	available []string
	owned     map[string]string // external id -> descriptor
	seq       int

	// Hooks let tests inject failures.
	SearchErr  error
	AcquireErr error
	ReleaseErr error
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider returns a provider offering numbers in order.
func NewMemoryProvider(numbers ...string) *MemoryProvider {
	return &MemoryProvider{
		available: slices.Clone(numbers),
		owned:     make(map[string]string),
	}
}

func (p *MemoryProvider) Name() string { return "memory" }

func (p *MemoryProvider) Search(_ context.Context, filter Filter, limit int) ([]Candidate, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.SearchErr != nil {
		return nil, p.SearchErr
	}
	var out []Candidate
	for _, n := range p.available {
		if filter.Contains != "" && !strings.Contains(n, filter.Contains) {
			continue
		}
		out = append(out, Candidate{Descriptor: n})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (p *MemoryProvider) Acquire(_ context.Context, c Candidate, _ AcquireOptions) (*Acquired, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.AcquireErr != nil {
		return nil, p.AcquireErr
	}
	i := slices.Index(p.available, c.Descriptor)
	if i < 0 {
		return nil, fmt.Errorf("number %s is no longer available", c.Descriptor)
	}
	p.available = slices.Delete(p.available, i, i+1)
	p.seq++
	id := fmt.Sprintf("PN%04d", p.seq)
	p.owned[id] = c.Descriptor
	return &Acquired{ExternalID: id, Descriptor: c.Descriptor}, nil
}

func (p *MemoryProvider) Release(_ context.Context, externalID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ReleaseErr != nil {
		return p.ReleaseErr
	}
	if n, ok := p.owned[externalID]; ok {
		delete(p.owned, externalID)
		p.available = append(p.available, n)
	}
	return nil
}

// Owned returns the number of resources currently held.
func (p *MemoryProvider) Owned() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.owned)
}
