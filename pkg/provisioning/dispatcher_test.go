package provisioning_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/retry"
)

type countingProvider struct {
	*provisioning.MemoryProvider
	searches atomic.Int32
	acquires atomic.Int32
}

func (p *countingProvider) Search(ctx context.Context, f provisioning.Filter, limit int) ([]provisioning.Candidate, error) {
	p.searches.Add(1)
	return p.MemoryProvider.Search(ctx, f, limit)
}

func (p *countingProvider) Acquire(ctx context.Context, c provisioning.Candidate, o provisioning.AcquireOptions) (*provisioning.Acquired, error) {
	p.acquires.Add(1)
	// Widen the window between claim and commit for the concurrency test.
	time.Sleep(5 * time.Millisecond)
	return p.MemoryProvider.Acquire(ctx, c, o)
}

type failingActivateStore struct {
	*provisioning.MemoryStore
}

func (s failingActivateStore) Activate(context.Context, uuid.UUID, provisioning.Kind, uuid.UUID, provisioning.Acquired, time.Time) (*provisioning.Resource, error) {
	return nil, errors.New("connection reset")
}

// abandonClaim leaves a pending claim with a reserved purchase, as a
// dispatch that died between Acquire and Activate would.
func abandonClaim(t *testing.T, store provisioning.Store, p provisioning.Provider, tenantID uuid.UUID, at time.Time) *provisioning.Acquired {
	t.Helper()
	ctx := context.Background()
	candidates, err := p.Search(ctx, provisioning.Filter{}, 1)
	require.NoError(t, err)
	require.NotEmpty(t, candidates)
	acquired, err := p.Acquire(ctx, candidates[0], provisioning.AcquireOptions{})
	require.NoError(t, err)

	token := uuid.New()
	_, err = store.Claim(ctx, tenantID, provisioning.KindPhoneNumber, token, at, at.Add(-time.Hour))
	require.NoError(t, err)
	require.NoError(t, store.Reserve(ctx, tenantID, provisioning.KindPhoneNumber, token, *acquired))
	return acquired
}

func newDispatcher(store provisioning.Store, p provisioning.Provider, opts ...provisioning.Option) *provisioning.Dispatcher {
	base := []provisioning.Option{
		provisioning.WithProvider(provisioning.KindPhoneNumber, p),
		provisioning.WithRetryPolicy(retry.Policy{MaxAttempts: 3, Backoff: retry.FixedBackoff{}}),
		provisioning.WithLogger(logger.Discard()),
	}
	return provisioning.NewDispatcher(store, append(base, opts...)...)
}

func TestEnsureProvisioned(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("provisions once", func(t *testing.T) {
		t.Parallel()
		provider := &countingProvider{MemoryProvider: provisioning.NewMemoryProvider("+15550001", "+15550002")}
		d := newDispatcher(provisioning.NewMemoryStore(), provider)
		tenantID := uuid.New()

		first, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, provisioning.StatusActive, first.Status)
		assert.Equal(t, "+15550001", first.Descriptor)
		require.NotNil(t, first.ActivatedAt)

		second, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, first.ExternalID, second.ExternalID)
		assert.Equal(t, int32(1), provider.acquires.Load())
		assert.Equal(t, 1, provider.Owned())
	})

	t.Run("concurrent dispatches acquire exactly one resource", func(t *testing.T) {
		t.Parallel()
		provider := &countingProvider{MemoryProvider: provisioning.NewMemoryProvider("+15550001", "+15550002", "+15550003")}
		d := newDispatcher(provisioning.NewMemoryStore(), provider)
		tenantID := uuid.New()

		var wg sync.WaitGroup
		var succeeded, inProgress atomic.Int32
		for range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, provisioning.ErrInProgress):
					inProgress.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(10), succeeded.Load()+inProgress.Load())
		assert.Equal(t, int32(1), provider.acquires.Load())
		assert.Equal(t, 1, provider.Owned())
	})

	t.Run("no candidates drops the claim", func(t *testing.T) {
		t.Parallel()
		store := provisioning.NewMemoryStore()
		d := newDispatcher(store, provisioning.NewMemoryProvider())
		tenantID := uuid.New()

		_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrNoResourcesAvailable)

		_, err = store.Get(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrResourceNotFound)
	})

	t.Run("live claim blocks, stale claim is taken over", func(t *testing.T) {
		t.Parallel()
		store := provisioning.NewMemoryStore()
		now := time.Now().UTC()
		d := newDispatcher(store, provisioning.NewMemoryProvider("+15550001"),
			provisioning.WithClaimTTL(time.Minute),
			provisioning.WithClock(func() time.Time { return now }))
		tenantID := uuid.New()

		_, err := store.Claim(ctx, tenantID, provisioning.KindPhoneNumber, uuid.New(), now.Add(-30*time.Second), now.Add(-time.Hour))
		require.NoError(t, err)
		_, err = d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrInProgress)

		other := uuid.New()
		_, err = store.Claim(ctx, other, provisioning.KindPhoneNumber, uuid.New(), now.Add(-2*time.Minute), now.Add(-time.Hour))
		require.NoError(t, err)
		r, err := d.EnsureProvisioned(ctx, other, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, provisioning.StatusActive, r.Status)
	})

	t.Run("commit failure releases the purchase", func(t *testing.T) {
		t.Parallel()
		store := failingActivateStore{provisioning.NewMemoryStore()}
		provider := provisioning.NewMemoryProvider("+15550001")
		d := newDispatcher(store, provider)
		tenantID := uuid.New()

		_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrProvisioningLeak)
		assert.True(t, retry.IsProviderError(err))
		assert.True(t, retry.IsTemporary(err))
		assert.Zero(t, provider.Owned())

		_, err = store.Get(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrResourceNotFound)
	})

	t.Run("failed compensation is counted as a leak", func(t *testing.T) {
		t.Parallel()
		provider := provisioning.NewMemoryProvider("+15550001")
		provider.ReleaseErr = retry.Permanent("memory", "release", errors.New("forbidden"))
		store := failingActivateStore{provisioning.NewMemoryStore()}
		d := newDispatcher(store, provider)
		leaks := metrics.ProvisioningLeaksTotal.WithLabelValues(string(provisioning.KindPhoneNumber))
		before := testutil.ToFloat64(leaks)
		tenantID := uuid.New()

		_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrProvisioningLeak)
		assert.False(t, retry.IsTemporary(err))
		assert.Equal(t, before+1, testutil.ToFloat64(leaks))

		kept, err := store.Get(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err, "the claim stays for the sweep")
		assert.Equal(t, provisioning.StatusPending, kept.Status)
		assert.NotEmpty(t, kept.ExternalID)
	})

	t.Run("stale claim with a reserved purchase is adopted", func(t *testing.T) {
		t.Parallel()
		store := provisioning.NewMemoryStore()
		provider := &countingProvider{MemoryProvider: provisioning.NewMemoryProvider("+15550001", "+15550002")}
		now := time.Now().UTC()
		d := newDispatcher(store, provider,
			provisioning.WithClaimTTL(time.Minute),
			provisioning.WithClock(func() time.Time { return now }))
		tenantID := uuid.New()
		reserved := abandonClaim(t, store, provider.MemoryProvider, tenantID, now.Add(-time.Hour))

		r, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, provisioning.StatusActive, r.Status)
		assert.Equal(t, reserved.ExternalID, r.ExternalID)
		assert.Equal(t, reserved.Descriptor, r.Descriptor)
		assert.Zero(t, provider.acquires.Load(), "nothing new is bought")
		assert.Equal(t, 1, provider.Owned())
	})

	t.Run("temporary provider errors are retried, permanent are not", func(t *testing.T) {
		t.Parallel()
		provider := &countingProvider{MemoryProvider: provisioning.NewMemoryProvider("+15550001")}
		provider.SearchErr = retry.Temporary("memory", "search", errors.New("503"))
		d := newDispatcher(provisioning.NewMemoryStore(), provider)

		_, err := d.EnsureProvisioned(ctx, uuid.New(), provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, retry.ErrAttemptsExhausted)
		assert.Equal(t, int32(3), provider.searches.Load())

		provider.searches.Store(0)
		provider.SearchErr = retry.Permanent("memory", "search", errors.New("400"))
		_, err = d.EnsureProvisioned(ctx, uuid.New(), provisioning.KindPhoneNumber)
		require.Error(t, err)
		assert.False(t, retry.IsTemporary(err))
		assert.Equal(t, int32(1), provider.searches.Load())
	})

	t.Run("unsupported kind", func(t *testing.T) {
		t.Parallel()
		d := provisioning.NewDispatcher(provisioning.NewMemoryStore(), provisioning.WithLogger(logger.Discard()))
		_, err := d.EnsureProvisioned(ctx, uuid.New(), provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrUnsupportedKind)
	})
}

func TestRelease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	provider := provisioning.NewMemoryProvider("+15550001")
	store := provisioning.NewMemoryStore()
	d := newDispatcher(store, provider)
	tenantID := uuid.New()

	require.NoError(t, d.Release(ctx, tenantID, provisioning.KindPhoneNumber), "nothing held")

	_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
	require.NoError(t, err)
	require.NoError(t, d.Release(ctx, tenantID, provisioning.KindPhoneNumber))
	assert.Zero(t, provider.Owned())

	_, err = d.Get(ctx, tenantID, provisioning.KindPhoneNumber)
	require.ErrorIs(t, err, provisioning.ErrResourceNotFound)

	t.Run("provider failure keeps the record", func(t *testing.T) {
		_, err := d.EnsureProvisioned(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		provider.ReleaseErr = retry.Permanent("memory", "release", errors.New("forbidden"))

		require.Error(t, d.Release(ctx, tenantID, provisioning.KindPhoneNumber))
		r, err := d.Get(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, provisioning.StatusActive, r.Status)
	})
}

func TestSweepStale(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now().UTC()

	t.Run("drops empty claims and releases reserved purchases", func(t *testing.T) {
		t.Parallel()
		store := provisioning.NewMemoryStore()
		provider := provisioning.NewMemoryProvider("+15550001")
		d := newDispatcher(store, provider,
			provisioning.WithClaimTTL(time.Minute),
			provisioning.WithClock(func() time.Time { return now }))

		stale, live, abandoned := uuid.New(), uuid.New(), uuid.New()
		_, err := store.Claim(ctx, stale, provisioning.KindPhoneNumber, uuid.New(), now.Add(-time.Hour), now.Add(-2*time.Hour))
		require.NoError(t, err)
		_, err = store.Claim(ctx, live, provisioning.KindPhoneNumber, uuid.New(), now, now.Add(-2*time.Hour))
		require.NoError(t, err)
		abandonClaim(t, store, provider, abandoned, now.Add(-time.Hour))
		require.Equal(t, 1, provider.Owned())

		n, err := d.SweepStale(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
		assert.Zero(t, provider.Owned(), "reserved purchase is released")

		_, err = store.Get(ctx, stale, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrResourceNotFound)
		_, err = store.Get(ctx, abandoned, provisioning.KindPhoneNumber)
		require.ErrorIs(t, err, provisioning.ErrResourceNotFound)
		_, err = store.Get(ctx, live, provisioning.KindPhoneNumber)
		require.NoError(t, err)
	})

	t.Run("failed release keeps the claim", func(t *testing.T) {
		t.Parallel()
		store := provisioning.NewMemoryStore()
		provider := provisioning.NewMemoryProvider("+15550001")
		d := newDispatcher(store, provider,
			provisioning.WithClaimTTL(time.Minute),
			provisioning.WithClock(func() time.Time { return now }))

		tenantID := uuid.New()
		reserved := abandonClaim(t, store, provider, tenantID, now.Add(-time.Hour))
		provider.ReleaseErr = retry.Permanent("memory", "release", errors.New("forbidden"))

		n, err := d.SweepStale(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
		assert.Equal(t, 1, provider.Owned())

		kept, err := store.Get(ctx, tenantID, provisioning.KindPhoneNumber)
		require.NoError(t, err)
		assert.Equal(t, provisioning.StatusPending, kept.Status)
		assert.Equal(t, reserved.ExternalID, kept.ExternalID)
	})
}
