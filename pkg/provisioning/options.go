package provisioning

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/retry"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithProvider registers the provider for kind.
func WithProvider(kind Kind, p Provider) Option {
	return func(d *Dispatcher) {
		if p != nil {
			d.providers[kind] = p
		}
	}
}

// WithSearchFilter sets the search filter used for kind.
func WithSearchFilter(kind Kind, f Filter) Option {
	return func(d *Dispatcher) {
		d.filters[kind] = f
	}
}

// WithAcquireOptions sets the callback producing purchase options, e.g.
// tenant-specific webhook URLs.
func WithAcquireOptions(fn func(tenantID uuid.UUID, kind Kind) AcquireOptions) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.acquireOpts = fn
		}
	}
}

// WithClaimTTL sets how long a pending claim blocks other dispatches.
func WithClaimTTL(ttl time.Duration) Option {
	return func(d *Dispatcher) {
		if ttl > 0 {
			d.claimTTL = ttl
		}
	}
}

// WithSearchLimit caps the number of candidates requested per search.
func WithSearchLimit(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.searchLimit = n
		}
	}
}

// WithRetryPolicy sets the policy for provider calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(d *Dispatcher) {
		d.policy = p
	}
}

// WithCallTimeout bounds every individual provider call.
func WithCallTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.callTimeout = timeout
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}
