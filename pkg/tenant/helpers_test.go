package tenant_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
)

func TestSlugify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"Acme Plumbing & Sons", "acme-plumbing-sons"},
		{"jane.doe+test@example.com", "jane-doe-test"},
		{"Café Olé", "cafe-ole"},
		{"  --Hello--World--  ", "hello-world"},
		{"!!!", ""},
		{"Straße", "strasse"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, tenant.Slugify(tt.in))
		})
	}

	long := tenant.Slugify("this is a very long business name that keeps on going forever")
	assert.LessOrEqual(t, len(long), 40)
}

func TestUniqueSlug(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("base free", func(t *testing.T) {
		t.Parallel()
		got, err := tenant.UniqueSlug(ctx, "Acme", func(context.Context, string) (bool, error) { return false, nil })
		require.NoError(t, err)
		assert.Equal(t, "acme", got)
	})

	t.Run("base taken gets suffix", func(t *testing.T) {
		t.Parallel()
		got, err := tenant.UniqueSlug(ctx, "Acme", func(_ context.Context, s string) (bool, error) { return s == "acme", nil })
		require.NoError(t, err)
		assert.Regexp(t, `^acme-[a-z0-9]{6}$`, got)
	})

	t.Run("empty base", func(t *testing.T) {
		t.Parallel()
		got, err := tenant.UniqueSlug(ctx, "???", func(context.Context, string) (bool, error) { return false, nil })
		require.NoError(t, err)
		assert.Equal(t, "tenant", got)
	})

	t.Run("exhausted", func(t *testing.T) {
		t.Parallel()
		_, err := tenant.UniqueSlug(ctx, "Acme", func(context.Context, string) (bool, error) { return true, nil })
		assert.ErrorIs(t, err, tenant.ErrSlugExhausted)
	})

	t.Run("lookup error", func(t *testing.T) {
		t.Parallel()
		boom := errors.New("db down")
		_, err := tenant.UniqueSlug(ctx, "Acme", func(context.Context, string) (bool, error) { return false, boom })
		assert.ErrorIs(t, err, boom)
	})
}

func TestProvisionalCredential(t *testing.T) {
	t.Parallel()

	secret, hash, err := tenant.ProvisionalCredential(bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEmpty(t, secret)
	assert.NotEqual(t, secret, hash)
	assert.True(t, tenant.CheckCredential(hash, secret))
	assert.False(t, tenant.CheckCredential(hash, secret+"x"))
	assert.False(t, tenant.CheckCredential("", secret))

	other, _, err := tenant.ProvisionalCredential(bcrypt.MinCost)
	require.NoError(t, err)
	assert.NotEqual(t, secret, other)
}

func TestCachedStore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := tenant.NewMemoryStore()
	store := tenant.NewCachedStore(base, 10, time.Minute)

	acme := newTenant("owner@acme.io", "acme")
	require.NoError(t, store.Create(ctx, acme))

	first, err := store.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrialing, first.Status)

	_, err = store.Update(ctx, acme.ID, func(t *tenant.Tenant) error {
		t.Status = tenant.StatusActive
		return nil
	})
	require.NoError(t, err)

	second, err := store.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, second.Status, "update evicts the cached record")

	_, err = store.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)

	assert.Same(t, base, tenant.NewCachedStore(base, 0, time.Minute))
}

// pausingStore holds GetByID after the row is read until resume is closed.
type pausingStore struct {
	*tenant.MemoryStore
	read   chan struct{}
	resume chan struct{}
}

func (s *pausingStore) GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error) {
	t, err := s.MemoryStore.GetByID(ctx, id)
	if s.read != nil {
		close(s.read)
		s.read = nil
		<-s.resume
	}
	return t, err
}

func TestCachedStore_ReadRacingUpdateIsNotCached(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := &pausingStore{MemoryStore: tenant.NewMemoryStore()}
	store := tenant.NewCachedStore(base, 10, time.Minute)

	acme := newTenant("owner@acme.io", "acme")
	require.NoError(t, store.Create(ctx, acme))

	read, resume := make(chan struct{}), make(chan struct{})
	base.read, base.resume = read, resume

	done := make(chan *tenant.Tenant, 1)
	go func() {
		got, err := store.GetByID(ctx, acme.ID)
		assert.NoError(t, err)
		done <- got
	}()
	<-read

	_, err := store.Update(ctx, acme.ID, func(t *tenant.Tenant) error {
		t.PlanTier = plans.TierStarter
		return nil
	})
	require.NoError(t, err)
	close(resume)

	racing := <-done
	assert.Equal(t, plans.TierTrial, racing.PlanTier, "the racing read saw the old row")

	fresh, err := store.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, plans.TierStarter, fresh.PlanTier)
}

func TestFreshReads(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	base := tenant.NewMemoryStore()
	cached := tenant.NewCachedStore(base, 10, time.Minute)
	fresh := tenant.FreshReads(cached)

	acme := newTenant("owner@acme.io", "acme")
	require.NoError(t, cached.Create(ctx, acme))
	_, err := cached.GetByID(ctx, acme.ID)
	require.NoError(t, err)

	// A write that bypasses the cache is visible only to fresh reads.
	_, err = base.Update(ctx, acme.ID, func(t *tenant.Tenant) error {
		t.Status = tenant.StatusPastDue
		return nil
	})
	require.NoError(t, err)

	got, err := fresh.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusPastDue, got.Status)
	stale, err := cached.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusTrialing, stale.Status)

	// Writes through the fresh view still evict the cache.
	_, err = fresh.Update(ctx, acme.ID, func(t *tenant.Tenant) error {
		t.Status = tenant.StatusActive
		return nil
	})
	require.NoError(t, err)
	got, err = cached.GetByID(ctx, acme.ID)
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, got.Status)

	assert.Same(t, base, tenant.FreshReads(base))
}

func TestContextExtractor(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	extract := tenant.LoggerExtractor()

	_, ok := extract(context.Background())
	assert.False(t, ok)

	attr, ok := extract(tenant.WithID(context.Background(), id))
	require.True(t, ok)
	assert.Equal(t, "tenant_id", attr.Key)
	assert.Equal(t, id.String(), attr.Value.String())
}
