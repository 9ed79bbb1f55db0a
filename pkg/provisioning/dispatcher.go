package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/retry"
)

// Dispatcher acquires external resources for tenants at most once per
// (tenant, kind), compensating when a purchase cannot be recorded.
type Dispatcher struct {
	store       Store
	providers   map[Kind]Provider
	filters     map[Kind]Filter
	acquireOpts func(tenantID uuid.UUID, kind Kind) AcquireOptions
	claimTTL    time.Duration
	searchLimit int
	callTimeout time.Duration
	policy      retry.Policy
	logger      *slog.Logger
	now         func() time.Time
}

// NewDispatcher panics when store is nil.
func NewDispatcher(store Store, opts ...Option) *Dispatcher {
	if store == nil {
		panic("provisioning: dispatcher requires a store")
	}
	d := &Dispatcher{
		store:       store,
		providers:   make(map[Kind]Provider),
		filters:     map[Kind]Filter{KindPhoneNumber: {Country: "US", SMS: true, Voice: true}},
		acquireOpts: func(uuid.UUID, Kind) AcquireOptions { return AcquireOptions{} },
		claimTTL:    10 * time.Minute,
		searchLimit: 5,
		callTimeout: 10 * time.Second,
		policy: retry.Policy{
			MaxAttempts: 3,
			Backoff:     retry.DefaultBackoff(),
			Breaker:     retry.NewCircuitBreaker(5, 2, 30*time.Second),
		},
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(logger.Component("provisioning"))
	return d
}

// EnsureProvisioned returns the active resource of kind for the tenant,
// acquiring one from the provider when none exists.
func (d *Dispatcher) EnsureProvisioned(ctx context.Context, tenantID uuid.UUID, kind Kind) (*Resource, error) {
	provider, ok := d.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	existing, err := d.store.Get(ctx, tenantID, kind)
	switch {
	case err == nil && existing.Status == StatusActive:
		return existing, nil
	case err != nil && !errors.Is(err, ErrResourceNotFound):
		return nil, fmt.Errorf("load %s resource: %w", kind, err)
	}

	token := uuid.New()
	now := d.now()
	claimed, err := d.store.Claim(ctx, tenantID, kind, token, now, now.Add(-d.claimTTL))
	if err != nil {
		if errors.Is(err, ErrInProgress) {
			metrics.RecordProvisioning(string(kind), "in_progress")
		}
		return nil, err
	}
	if claimed.Status == StatusActive {
		return claimed, nil
	}

	log := d.logger.With(logger.TenantID(tenantID), slog.String("kind", string(kind)), logger.Provider(provider.Name()))

	if claimed.ExternalID != "" {
		// A dispatch that took this claim before us bought a resource and
		// never committed it.
		adopted := &Acquired{ExternalID: claimed.ExternalID, Descriptor: claimed.Descriptor}
		log.WarnContext(ctx, "adopting resource reserved by an abandoned dispatch",
			slog.String("external_id", adopted.ExternalID))
		return d.activate(ctx, log, provider, tenantID, kind, token, adopted)
	}

	var candidates []Candidate
	err = d.call(ctx, provider.Name(), "search", func(ctx context.Context) error {
		var err error
		candidates, err = provider.Search(ctx, d.filters[kind], d.searchLimit)
		return err
	})
	if err != nil {
		d.drop(ctx, tenantID, kind, token)
		metrics.RecordProvisioning(string(kind), "failed")
		return nil, err
	}
	if len(candidates) == 0 {
		d.drop(ctx, tenantID, kind, token)
		metrics.RecordProvisioning(string(kind), "unavailable")
		log.WarnContext(ctx, "no resources available")
		return nil, ErrNoResourcesAvailable
	}

	var acquired *Acquired
	err = d.call(ctx, provider.Name(), "acquire", func(ctx context.Context) error {
		var err error
		acquired, err = provider.Acquire(ctx, candidates[0], d.acquireOpts(tenantID, kind))
		return err
	})
	if err != nil {
		d.drop(ctx, tenantID, kind, token)
		metrics.RecordProvisioning(string(kind), "failed")
		return nil, err
	}

	if err := d.store.Reserve(ctx, tenantID, kind, token, *acquired); err != nil {
		return nil, d.compensate(ctx, log, provider, tenantID, kind, token, acquired, err)
	}
	return d.activate(ctx, log, provider, tenantID, kind, token, acquired)
}

// activate commits a purchase reserved on the claim owned by token.
func (d *Dispatcher) activate(ctx context.Context, log *slog.Logger, provider Provider, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired *Acquired) (*Resource, error) {
	resource, err := d.store.Activate(ctx, tenantID, kind, token, *acquired, d.now())
	if err != nil {
		return nil, d.compensate(ctx, log, provider, tenantID, kind, token, acquired, err)
	}

	metrics.RecordProvisioning(string(kind), "provisioned")
	log.InfoContext(ctx, "resource provisioned",
		slog.String("external_id", resource.ExternalID),
		slog.String("descriptor", resource.Descriptor))
	return resource, nil
}

// compensate releases a purchase that could not be recorded.
func (d *Dispatcher) compensate(ctx context.Context, log *slog.Logger, provider Provider, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired *Acquired, commitErr error) error {
	log.ErrorContext(ctx, "failed to record acquired resource, releasing it",
		slog.String("external_id", acquired.ExternalID),
		logger.Error(commitErr))

	releaseErr := d.call(ctx, provider.Name(), "release", func(ctx context.Context) error {
		return provider.Release(ctx, acquired.ExternalID)
	})
	metrics.RecordProvisioning(string(kind), "compensated")

	if releaseErr != nil {
		// The claim is kept: once stale, the sweep releases a reserved
		// purchase or a later dispatch adopts it.
		metrics.RecordProvisioningLeak(string(kind))
		log.ErrorContext(ctx, "compensating release failed, resource held until the claim is swept",
			slog.String("external_id", acquired.ExternalID),
			slog.String("descriptor", acquired.Descriptor),
			logger.Error(releaseErr))
		return retry.Permanent(provider.Name(), "commit",
			errors.Join(ErrProvisioningLeak, commitErr, releaseErr))
	}
	d.drop(ctx, tenantID, kind, token)
	return retry.Temporary(provider.Name(), "commit", errors.Join(ErrProvisioningLeak, commitErr))
}

// Release returns the tenant's resource of kind to the provider and deletes
// the record. A missing record is a no-op.
func (d *Dispatcher) Release(ctx context.Context, tenantID uuid.UUID, kind Kind) error {
	provider, ok := d.providers[kind]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}

	existing, err := d.store.Get(ctx, tenantID, kind)
	if errors.Is(err, ErrResourceNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load %s resource: %w", kind, err)
	}
	if existing.Status != StatusActive {
		// A pending claim belongs to a running dispatch. Once stale, the sweep
		// releases whatever it reserved.
		return nil
	}

	if err := d.call(ctx, provider.Name(), "release", func(ctx context.Context) error {
		return provider.Release(ctx, existing.ExternalID)
	}); err != nil {
		metrics.RecordProvisioning(string(kind), "release_failed")
		return err
	}
	if err := d.store.Delete(ctx, tenantID, kind); err != nil {
		return fmt.Errorf("delete %s resource: %w", kind, err)
	}

	metrics.RecordProvisioning(string(kind), "released")
	d.logger.InfoContext(ctx, "resource released",
		logger.TenantID(tenantID),
		slog.String("kind", string(kind)),
		slog.String("external_id", existing.ExternalID))
	return nil
}

// Supports reports whether a provider is configured for kind.
func (d *Dispatcher) Supports(kind Kind) bool {
	_, ok := d.providers[kind]
	return ok
}

// Get returns the tenant's resource of kind.
func (d *Dispatcher) Get(ctx context.Context, tenantID uuid.UUID, kind Kind) (*Resource, error) {
	return d.store.Get(ctx, tenantID, kind)
}

// SweepStale clears pending claims older than the claim TTL. A claim with a
// reserved purchase is taken over first and the purchase released; when the
// release fails the claim stays for the next sweep or an adopting dispatch.
// It returns the number of claims removed.
func (d *Dispatcher) SweepStale(ctx context.Context) (int, error) {
	cutoff := d.now().Add(-d.claimTTL)
	stale, err := d.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	var removed int
	for _, r := range stale {
		log := d.logger.With(
			logger.TenantID(r.TenantID),
			slog.String("kind", string(r.Kind)),
			slog.Time("claimed_at", r.ClaimedAt))

		if r.ExternalID == "" {
			if err := d.store.Drop(ctx, r.TenantID, r.Kind, r.ClaimToken); err != nil {
				return removed, err
			}
			removed++
			log.WarnContext(ctx, "dropped stale provisioning claim")
			continue
		}

		ok, err := d.releaseAbandoned(ctx, log, r, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}
	return removed, nil
}

// releaseAbandoned takes over a stale claim carrying a reserved purchase and
// gives the purchase back. ok is false when another dispatch got the claim
// first or the provider release failed.
func (d *Dispatcher) releaseAbandoned(ctx context.Context, log *slog.Logger, r Resource, cutoff time.Time) (ok bool, err error) {
	token := uuid.New()
	claimed, err := d.store.Claim(ctx, r.TenantID, r.Kind, token, d.now(), cutoff)
	switch {
	case errors.Is(err, ErrInProgress):
		return false, nil
	case err != nil:
		return false, err
	case claimed.Status == StatusActive || claimed.ExternalID == "":
		return false, nil
	}

	log = log.With(slog.String("external_id", claimed.ExternalID))
	provider, found := d.providers[r.Kind]
	if !found {
		log.ErrorContext(ctx, "no provider to release abandoned resource")
		return false, nil
	}
	if err := d.call(ctx, provider.Name(), "release", func(ctx context.Context) error {
		return provider.Release(ctx, claimed.ExternalID)
	}); err != nil {
		metrics.RecordProvisioning(string(r.Kind), "release_failed")
		log.ErrorContext(ctx, "failed to release abandoned resource", logger.Error(err))
		return false, nil
	}
	if err := d.store.Drop(ctx, r.TenantID, r.Kind, token); err != nil {
		return false, err
	}
	metrics.RecordProvisioning(string(r.Kind), "released")
	log.WarnContext(ctx, "released resource of abandoned provisioning claim")
	return true, nil
}

func (d *Dispatcher) call(ctx context.Context, provider, op string, fn func(context.Context) error) error {
	err := retry.Do(ctx, d.policy, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
		defer cancel()
		return fn(callCtx)
	})
	metrics.RecordProviderCall(provider, op, err)
	if err != nil && !retry.IsProviderError(err) {
		// Circuit open, context done or an unclassified failure: worth retrying later.
		return retry.Temporary(provider, op, err)
	}
	return err
}

func (d *Dispatcher) drop(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID) {
	if err := d.store.Drop(context.WithoutCancel(ctx), tenantID, kind, token); err != nil {
		d.logger.ErrorContext(ctx, "failed to drop provisioning claim",
			logger.TenantID(tenantID),
			slog.String("kind", string(kind)),
			logger.Error(err))
	}
}
