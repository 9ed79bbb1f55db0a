package idempotency

import (
	"context"
	"errors"
	"time"
)

// DefaultRetention covers Stripe's three-day and Paddle's redelivery windows
// with a wide margin.
const DefaultRetention = 30 * 24 * time.Hour

var (
	ErrEmptyEventID = errors.New("event id is empty")
	ErrLedger       = errors.New("idempotency ledger unavailable")
)

// Ledger tracks processed event ids.
type Ledger interface {
	// MarkSeen records id and reports whether this is the first sighting
	// within the retention window.
	MarkSeen(ctx context.Context, id string) (bool, error)

	// Forget removes id so a redelivery is applied again.
	Forget(ctx context.Context, id string) error
}

// Pruner is implemented by ledgers whose entries need explicit expiry.
type Pruner interface {
	Prune(ctx context.Context) (int64, error)
}
