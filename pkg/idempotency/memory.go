package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps event ids in process memory.
type MemoryLedger struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

var (
	_ Ledger = (*MemoryLedger)(nil)
	_ Pruner = (*MemoryLedger)(nil)
)

// NewMemoryLedger uses DefaultRetention when retention is not positive.
func NewMemoryLedger(retention time.Duration) *MemoryLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryLedger{seen: make(map[string]time.Time), retention: retention, now: time.Now}
}

func (l *MemoryLedger) MarkSeen(_ context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyEventID
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if at, ok := l.seen[id]; ok && now.Sub(at) < l.retention {
		return false, nil
	}
	l.seen[id] = now
	return true, nil
}

func (l *MemoryLedger) Forget(_ context.Context, id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.seen, id)
	return nil
}

func (l *MemoryLedger) Prune(_ context.Context) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var n int64
	cutoff := l.now().Add(-l.retention)
	for id, at := range l.seen {
		if at.Before(cutoff) {
			delete(l.seen, id)
			n++
		}
	}
	return n, nil
}

// SetClock overrides time.Now; intended for tests.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
