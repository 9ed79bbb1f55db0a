package reconciler_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/retry"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/svc/notify"
	"github.com/dmitrymomot/billingkit/svc/reconciler"
)

const (
	provisionTask    = "reconciler.ProvisionResource"
	releaseTask      = "reconciler.ReleaseResource"
	replayTask       = "reconciler.ReplayEvent"
	reconvergeTask   = "reconciler.ReconvergeTenant"
	notificationTask = "notify.Notification"
)

type recordingPeriods struct {
	mu     sync.Mutex
	starts map[uuid.UUID]time.Time
}

func (p *recordingPeriods) StartPeriod(_ context.Context, id uuid.UUID, start time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.starts[id] = start
	return nil
}

func (p *recordingPeriods) get(id uuid.UUID) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.starts[id]
}

// flakyActivateStore fails the next Activate once armed.
type flakyActivateStore struct {
	*provisioning.MemoryStore
	fail atomic.Bool
}

func (s *flakyActivateStore) Activate(ctx context.Context, tenantID uuid.UUID, kind provisioning.Kind, token uuid.UUID, acquired provisioning.Acquired, at time.Time) (*provisioning.Resource, error) {
	if s.fail.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset")
	}
	return s.MemoryStore.Activate(ctx, tenantID, kind, token, acquired, at)
}

// flakyProvisioner fails the next Get once armed.
type flakyProvisioner struct {
	reconciler.Provisioner
	failGet atomic.Bool
}

func (p *flakyProvisioner) Get(ctx context.Context, tenantID uuid.UUID, kind provisioning.Kind) (*provisioning.Resource, error) {
	if p.failGet.CompareAndSwap(true, false) {
		return nil, errors.New("connection reset")
	}
	return p.Provisioner.Get(ctx, tenantID, kind)
}

type fixtureOptions struct {
	store provisioning.Store
	wrap  func(reconciler.Provisioner) reconciler.Provisioner
}

type fixtureOption func(*fixtureOptions)

func withResourceStore(s provisioning.Store) fixtureOption {
	return func(o *fixtureOptions) { o.store = s }
}

func withProvisioner(wrap func(reconciler.Provisioner) reconciler.Provisioner) fixtureOption {
	return func(o *fixtureOptions) { o.wrap = wrap }
}

type fixture struct {
	tenants   *tenant.MemoryStore
	periods   *recordingPeriods
	provider  *provisioning.MemoryProvider
	resources *provisioning.Dispatcher
	outbox    *queue.MemoryStorage
	worker    *queue.Worker
	r         *reconciler.Reconciler
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	o := fixtureOptions{
		store: provisioning.NewMemoryStore(),
		wrap:  func(p reconciler.Provisioner) reconciler.Provisioner { return p },
	}
	for _, opt := range opts {
		opt(&o)
	}

	catalog, err := plans.Load(plans.Config{PriceIDs: map[string]string{
		"starter": "price_starter",
		"growth":  "price_growth",
	}})
	require.NoError(t, err)

	f := &fixture{
		tenants:  tenant.NewMemoryStore(),
		periods:  &recordingPeriods{starts: make(map[uuid.UUID]time.Time)},
		provider: provisioning.NewMemoryProvider("+15550000001", "+15550000002", "+15550000003"),
		outbox:   queue.NewMemoryStorage(),
	}
	f.resources = provisioning.NewDispatcher(o.store,
		provisioning.WithProvider(provisioning.KindPhoneNumber, f.provider),
		provisioning.WithRetryPolicy(retry.Policy{MaxAttempts: 1, Backoff: retry.FixedBackoff{}}),
		provisioning.WithLogger(logger.Discard()),
	)

	enq, err := queue.NewEnqueuer(f.outbox)
	require.NoError(t, err)
	f.r = reconciler.New(f.tenants, catalog, f.periods, o.wrap(f.resources), enq,
		reconciler.WithLogger(logger.Discard()),
		reconciler.WithBcryptCost(bcrypt.MinCost),
	)

	f.worker, err = queue.NewWorker(f.outbox,
		queue.WithRetryBackoff(retry.FixedBackoff{}),
		queue.WithWorkerLogger(logger.Discard()),
	)
	require.NoError(t, err)
	f.worker.RegisterHandlers(f.r.Handlers()...)
	f.worker.RegisterHandlers(queue.NewTaskHandler(func(context.Context, notify.Notification) error { return nil }))
	return f
}

func (f *fixture) seed(t *testing.T, mutate func(*tenant.Tenant)) *tenant.Tenant {
	t.Helper()
	tn := &tenant.Tenant{
		Email:      "owner@example.com",
		Name:       "Owner",
		Slug:       "owner",
		PlanTier:   plans.TierTrial,
		Status:     tenant.StatusTrialing,
		CustomerID: "cus_1",
	}
	if mutate != nil {
		mutate(tn)
	}
	require.NoError(t, f.tenants.Create(context.Background(), tn))
	return tn
}

func (f *fixture) get(t *testing.T, id uuid.UUID) *tenant.Tenant {
	t.Helper()
	tn, err := f.tenants.GetByID(context.Background(), id)
	require.NoError(t, err)
	return tn
}

// drain runs queued tasks until the outbox is idle.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	for range 100 {
		processed, err := f.worker.ProcessNext(context.Background())
		require.NoError(t, err)
		if !processed {
			return
		}
	}
	t.Fatal("outbox did not drain")
}

func (f *fixture) countNotifications(t *testing.T, kind notify.Kind) int {
	t.Helper()
	var n int
	for _, note := range f.notifications(t) {
		if note.Kind == kind {
			n++
		}
	}
	return n
}

func (f *fixture) notifications(t *testing.T) []notify.Notification {
	t.Helper()
	var out []notify.Notification
	for _, task := range f.outbox.ListTasks(notificationTask) {
		var n notify.Notification
		require.NoError(t, json.Unmarshal(task.Payload, &n))
		out = append(out, n)
	}
	return out
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func event(typ billing.EventType, at time.Time, mutate func(*billing.Event)) *billing.Event {
	ev := &billing.Event{
		ID:             "evt_" + uuid.NewString(),
		Provider:       "stripe",
		Type:           typ,
		OccurredAt:     at,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_1",
	}
	if mutate != nil {
		mutate(ev)
	}
	return ev
}

func TestApply_SubscriptionCreated(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, nil)

	periodStart := base.Add(-time.Hour)
	out, err := f.r.Apply(ctx, event(billing.EventSubscriptionCreated, base, func(ev *billing.Event) {
		ev.PriceID = "price_starter"
		ev.Status = billing.SubscriptionActive
		ev.PeriodStart = periodStart
	}))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusApplied, out.Status)
	assert.Equal(t, owner.ID, out.TenantID)

	got := f.get(t, owner.ID)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, plans.TierStarter, got.PlanTier)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.True(t, got.LastAppliedEventAt.Equal(base))
	assert.True(t, f.periods.get(owner.ID).Equal(periodStart))

	require.Len(t, f.outbox.ListTasks(provisionTask), 1)
	f.drain(t)

	res, err := f.resources.Get(ctx, owner.ID, provisioning.KindPhoneNumber)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusActive, res.Status)
	assert.Equal(t, "+15550000001", res.Descriptor)

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindResourceProvisioned, notes[0].Kind)
	assert.Equal(t, "+15550000001", notes[0].Descriptor)
}

func TestApply_UnknownPriceFallsBackToLowestTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	owner := f.seed(t, nil)

	_, err := f.r.Apply(context.Background(), event(billing.EventSubscriptionCreated, base, func(ev *billing.Event) {
		ev.PriceID = "price_unknown"
		ev.Status = billing.SubscriptionActive
	}))
	require.NoError(t, err)

	got := f.get(t, owner.ID)
	assert.Equal(t, plans.TierTrial, got.PlanTier)
	assert.Equal(t, tenant.StatusTrialing, got.Status)
	assert.Empty(t, f.outbox.ListTasks(provisionTask))
	// Without a period start the event time opens the usage period.
	assert.True(t, f.periods.get(owner.ID).Equal(base))
}

func TestApply_Ordering(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("older event is rejected", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := f.seed(t, func(tn *tenant.Tenant) { tn.SubscriptionID = "sub_1" })

		_, err := f.r.Apply(ctx, event(billing.EventSubscriptionUpdated, base, func(ev *billing.Event) {
			ev.PriceID = "price_growth"
			ev.Status = billing.SubscriptionActive
		}))
		require.NoError(t, err)

		stale := event(billing.EventSubscriptionUpdated, base.Add(-time.Minute), func(ev *billing.Event) {
			ev.PriceID = "price_starter"
			ev.Status = billing.SubscriptionPastDue
		})
		_, err = f.r.Apply(ctx, stale)
		require.ErrorIs(t, err, reconciler.ErrStaleEvent)

		var conflict *reconciler.ConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, owner.ID, conflict.TenantID)
		assert.Equal(t, stale.ID, conflict.EventID)
		assert.True(t, conflict.LastApplied.Equal(base))

		got := f.get(t, owner.ID)
		assert.Equal(t, plans.TierGrowth, got.PlanTier)
		assert.Equal(t, tenant.StatusActive, got.Status)
	})

	t.Run("equal timestamps are applied", func(t *testing.T) {
		t.Parallel()
		f := newFixture(t)
		owner := f.seed(t, func(tn *tenant.Tenant) {
			tn.SubscriptionID = "sub_1"
			tn.Status = tenant.StatusActive
			tn.PlanTier = plans.TierStarter
			tn.LastAppliedEventAt = base
		})

		out, err := f.r.Apply(ctx, event(billing.EventInvoicePaymentFailed, base, nil))
		require.NoError(t, err)
		assert.Equal(t, reconciler.StatusApplied, out.Status)
		assert.Equal(t, tenant.StatusPastDue, f.get(t, owner.ID).Status)
	})
}

func TestApply_PaymentFailedKeepsTier(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	owner := f.seed(t, func(tn *tenant.Tenant) {
		tn.SubscriptionID = "sub_1"
		tn.Status = tenant.StatusActive
		tn.PlanTier = plans.TierGrowth
	})

	_, err := f.r.Apply(context.Background(), event(billing.EventInvoicePaymentFailed, base, func(ev *billing.Event) {
		ev.Metadata = map[string]string{"invoice_url": "https://pay.example.com/in_1"}
	}))
	require.NoError(t, err)

	got := f.get(t, owner.ID)
	assert.Equal(t, tenant.StatusPastDue, got.Status)
	assert.Equal(t, plans.TierGrowth, got.PlanTier)

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindPaymentFailed, notes[0].Kind)
	assert.Equal(t, "https://pay.example.com/in_1", notes[0].URL)

	_, err = f.r.Apply(context.Background(), event(billing.EventInvoicePaymentSucceeded, base.Add(time.Hour), nil))
	require.NoError(t, err)
	assert.Equal(t, tenant.StatusActive, f.get(t, owner.ID).Status)
}

func TestApply_PaymentFailedOnCanceledTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	owner := f.seed(t, func(tn *tenant.Tenant) {
		tn.SubscriptionID = "sub_1"
		tn.Status = tenant.StatusCanceled
		tn.LastAppliedEventAt = base
	})

	late := base.Add(time.Minute)
	out, err := f.r.Apply(context.Background(), event(billing.EventInvoicePaymentFailed, late, nil))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusApplied, out.Status)

	got := f.get(t, owner.ID)
	assert.Equal(t, tenant.StatusPastDue, got.Status)
	assert.Equal(t, plans.TierTrial, got.PlanTier)
	assert.True(t, got.LastAppliedEventAt.Equal(late))
	assert.Equal(t, 1, f.countNotifications(t, notify.KindPaymentFailed))
	assert.Empty(t, f.outbox.ListTasks(provisionTask), "the lowest tier holds no resources")
}

func TestApply_UpgradeProvisionsExactlyOneResource(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) { tn.SubscriptionID = "sub_1" })

	for i := range 3 {
		_, err := f.r.Apply(ctx, event(billing.EventSubscriptionUpdated, base.Add(time.Duration(i)*time.Second), func(ev *billing.Event) {
			ev.PriceID = "price_starter"
			ev.Status = billing.SubscriptionActive
		}))
		require.NoError(t, err)
	}
	require.NoError(t, f.r.Reconverge(ctx, owner.ID))
	f.drain(t)

	assert.Equal(t, 1, f.provider.Owned())
	res, err := f.resources.Get(ctx, owner.ID, provisioning.KindPhoneNumber)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusActive, res.Status)

	var provisioned int
	for _, n := range f.notifications(t) {
		if n.Kind == notify.KindResourceProvisioned {
			provisioned++
		}
	}
	assert.Equal(t, 1, provisioned)

	// Once held, reconverging queues nothing new.
	before := len(f.outbox.ListTasks(provisionTask))
	require.NoError(t, f.r.Reconverge(ctx, owner.ID))
	assert.Len(t, f.outbox.ListTasks(provisionTask), before)
}

func TestApply_SubscriptionDeletedReleasesResources(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) {
		tn.SubscriptionID = "sub_1"
		tn.Status = tenant.StatusActive
		tn.PlanTier = plans.TierStarter
	})
	require.NoError(t, f.r.Reconverge(ctx, owner.ID))
	f.drain(t)
	require.Equal(t, 1, f.provider.Owned())

	_, err := f.r.Apply(ctx, event(billing.EventSubscriptionDeleted, base, nil))
	require.NoError(t, err)

	got := f.get(t, owner.ID)
	assert.Equal(t, tenant.StatusCanceled, got.Status)
	assert.Equal(t, plans.TierTrial, got.PlanTier)
	require.Len(t, f.outbox.ListTasks(releaseTask), 1)

	f.drain(t)
	assert.Equal(t, 0, f.provider.Owned())
	_, err = f.resources.Get(ctx, owner.ID, provisioning.KindPhoneNumber)
	assert.ErrorIs(t, err, provisioning.ErrResourceNotFound)

	var kinds []notify.Kind
	for _, n := range f.notifications(t) {
		kinds = append(kinds, n.Kind)
	}
	assert.Contains(t, kinds, notify.KindSubscriptionCanceled)
}

func TestApply_CommitFailureDuringProvisioningIsRetried(t *testing.T) {
	t.Parallel()
	store := &flakyActivateStore{MemoryStore: provisioning.NewMemoryStore()}
	f := newFixture(t, withResourceStore(store))
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) { tn.SubscriptionID = "sub_1" })

	store.fail.Store(true)
	_, err := f.r.Apply(ctx, event(billing.EventSubscriptionUpdated, base, func(ev *billing.Event) {
		ev.PriceID = "price_starter"
		ev.Status = billing.SubscriptionActive
	}))
	require.NoError(t, err)
	f.drain(t)

	assert.Empty(t, f.outbox.ListDead())
	res, err := f.resources.Get(ctx, owner.ID, provisioning.KindPhoneNumber)
	require.NoError(t, err)
	assert.Equal(t, provisioning.StatusActive, res.Status)
	assert.Equal(t, 1, f.provider.Owned(), "the first purchase was released")

	tasks := f.outbox.ListTasks(provisionTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, int8(1), tasks[0].RetryCount)
	assert.Equal(t, 1, f.countNotifications(t, notify.KindResourceProvisioned))
}

func TestApply_ReconvergeFailureDoesNotRepeatTheEvent(t *testing.T) {
	t.Parallel()
	var flaky *flakyProvisioner
	f := newFixture(t, withProvisioner(func(p reconciler.Provisioner) reconciler.Provisioner {
		flaky = &flakyProvisioner{Provisioner: p}
		return flaky
	}))
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) {
		tn.SubscriptionID = "sub_1"
		tn.Status = tenant.StatusActive
		tn.PlanTier = plans.TierStarter
	})
	require.NoError(t, f.r.Reconverge(ctx, owner.ID))
	f.drain(t)
	require.Equal(t, 1, f.provider.Owned())

	flaky.failGet.Store(true)
	out, err := f.r.Apply(ctx, event(billing.EventSubscriptionDeleted, base, nil))
	require.NoError(t, err, "the cancellation is committed")
	assert.Equal(t, reconciler.StatusApplied, out.Status)
	assert.Equal(t, tenant.StatusCanceled, f.get(t, owner.ID).Status)

	assert.Empty(t, f.outbox.ListTasks(replayTask))
	require.Len(t, f.outbox.ListTasks(reconvergeTask), 1)

	f.drain(t)
	assert.Zero(t, f.provider.Owned(), "the deferred reconverge released the number")
	assert.Empty(t, f.outbox.ListDead())
	assert.Equal(t, 1, f.countNotifications(t, notify.KindSubscriptionCanceled))
}

func TestApply_CheckoutCreatesTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	out, err := f.r.Apply(ctx, event(billing.EventCheckoutCompleted, base, func(ev *billing.Event) {
		ev.CustomerID = "cus_new"
		ev.SubscriptionID = "sub_new"
		ev.CustomerEmail = " New.Owner@Example.com "
		ev.CustomerName = "Jane Roe"
	}))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusApplied, out.Status)

	got := f.get(t, out.TenantID)
	assert.Equal(t, "new.owner@example.com", got.Email)
	assert.Equal(t, "Jane Roe", got.Name)
	assert.Equal(t, "new-owner", got.Slug)
	assert.Equal(t, plans.TierTrial, got.PlanTier)
	assert.Equal(t, tenant.StatusTrialing, got.Status)
	assert.Equal(t, "cus_new", got.CustomerID)
	assert.Equal(t, "sub_new", got.SubscriptionID)
	assert.NotEmpty(t, got.PasswordHash)
	assert.True(t, got.LastAppliedEventAt.IsZero())

	notes := f.notifications(t)
	require.Len(t, notes, 1)
	assert.Equal(t, notify.KindWelcome, notes[0].Kind)
}

func TestApply_CheckoutLinksExistingTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) { tn.CustomerID = "" })

	out, err := f.r.Apply(ctx, event(billing.EventCheckoutCompleted, base, func(ev *billing.Event) {
		ev.CustomerID = "cus_linked"
		ev.CustomerEmail = "OWNER@example.com"
	}))
	require.NoError(t, err)
	assert.Equal(t, owner.ID, out.TenantID)

	got := f.get(t, owner.ID)
	assert.Equal(t, "cus_linked", got.CustomerID)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	assert.Empty(t, f.notifications(t))
}

func TestApply_ConcurrentCheckoutsCreateOneTenant(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	const n = 8
	var (
		wg  sync.WaitGroup
		ids = make([]uuid.UUID, n)
	)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.r.Apply(ctx, event(billing.EventCheckoutCompleted, base, func(ev *billing.Event) {
				ev.CustomerID = "cus_race"
				ev.SubscriptionID = "sub_race"
				ev.CustomerEmail = "race@example.com"
			}))
			if assert.NoError(t, err) {
				ids[i] = out.TenantID
			}
		}()
	}
	wg.Wait()

	winner, err := f.tenants.GetByEmail(ctx, "race@example.com")
	require.NoError(t, err)
	for _, id := range ids {
		assert.Equal(t, winner.ID, id)
	}

	var welcomes int
	for _, note := range f.notifications(t) {
		if note.Kind == notify.KindWelcome {
			welcomes++
		}
	}
	assert.Equal(t, 1, welcomes)
}

func TestApply_CheckoutWithoutEmailIsInvalid(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	_, err := f.r.Apply(context.Background(), event(billing.EventCheckoutCompleted, base, func(ev *billing.Event) {
		ev.CustomerID = "cus_unknown"
	}))
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

func TestApply_UnresolvedTenantIsReplayed(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	created := event(billing.EventSubscriptionCreated, base, func(ev *billing.Event) {
		ev.CustomerID = "cus_late"
		ev.SubscriptionID = "sub_late"
		ev.PriceID = "price_growth"
		ev.Status = billing.SubscriptionActive
	})
	_, err := f.r.Apply(ctx, created)
	require.ErrorIs(t, err, reconciler.ErrUnresolvedTenant)
	require.NoError(t, f.r.EnqueueReplay(ctx, created))

	owner := f.seed(t, func(tn *tenant.Tenant) {
		tn.Email = "late@example.com"
		tn.Slug = "late"
		tn.CustomerID = "cus_late"
	})
	f.drain(t)

	got := f.get(t, owner.ID)
	assert.Equal(t, plans.TierGrowth, got.PlanTier)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, "sub_late", got.SubscriptionID)

	tasks := f.outbox.ListTasks(replayTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskStatusCompleted, tasks[0].Status)
}

func TestApply_ReplayOfStaleEventIsAcknowledged(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	f.seed(t, func(tn *tenant.Tenant) {
		tn.SubscriptionID = "sub_1"
		tn.LastAppliedEventAt = base
	})

	require.NoError(t, f.r.EnqueueReplay(ctx, event(billing.EventSubscriptionDeleted, base.Add(-time.Hour), nil)))
	f.drain(t)

	assert.Empty(t, f.outbox.ListDead())
	tasks := f.outbox.ListTasks(replayTask)
	require.Len(t, tasks, 1)
	assert.Equal(t, queue.TaskStatusCompleted, tasks[0].Status)
}

func TestApply_CustomerUpdatedSyncsEmail(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) { tn.LastAppliedEventAt = base })
	f.seed(t, func(tn *tenant.Tenant) {
		tn.Email = "taken@example.com"
		tn.Slug = "taken"
		tn.CustomerID = "cus_2"
	})

	// Profile updates ignore the ordering guard.
	out, err := f.r.Apply(ctx, event(billing.EventCustomerUpdated, base.Add(-time.Hour), func(ev *billing.Event) {
		ev.CustomerEmail = "Renamed@Example.com"
	}))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusApplied, out.Status)
	assert.Equal(t, "renamed@example.com", f.get(t, owner.ID).Email)

	out, err = f.r.Apply(ctx, event(billing.EventCustomerUpdated, base, func(ev *billing.Event) {
		ev.CustomerEmail = "taken@example.com"
	}))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusIgnored, out.Status)
	assert.Equal(t, "renamed@example.com", f.get(t, owner.ID).Email)
}

func TestApply_NotificationOnlyEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	owner := f.seed(t, func(tn *tenant.Tenant) { tn.SubscriptionID = "sub_1" })

	_, err := f.r.Apply(ctx, event(billing.EventTrialWillEnd, base, nil))
	require.NoError(t, err)
	_, err = f.r.Apply(ctx, event(billing.EventPaymentActionRequired, base, func(ev *billing.Event) {
		ev.Metadata = map[string]string{"invoice_url": "https://pay.example.com/in_2"}
	}))
	require.NoError(t, err)

	urls := make(map[notify.Kind]string)
	for _, n := range f.notifications(t) {
		urls[n.Kind] = n.URL
	}
	require.Len(t, urls, 2)
	assert.Contains(t, urls, notify.KindTrialWillEnd)
	assert.Equal(t, "https://pay.example.com/in_2", urls[notify.KindPaymentActionRequired])
	assert.Equal(t, tenant.StatusTrialing, f.get(t, owner.ID).Status)
}

func TestApply_UnknownEventIsIgnored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	out, err := f.r.Apply(context.Background(), event("charge.refunded", base, nil))
	require.NoError(t, err)
	assert.Equal(t, reconciler.StatusIgnored, out.Status)

	_, err = f.r.Apply(context.Background(), &billing.Event{})
	assert.ErrorIs(t, err, billing.ErrInvalidPayload)
}

func TestNew_PanicsOnNilDependency(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		reconciler.New(nil, plans.MustNew(plans.Defaults()), &recordingPeriods{}, nil, nil)
	})
}
