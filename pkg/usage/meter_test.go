package usage_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/pkg/usage"
)

var anchor = time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type sink struct {
	mu       sync.Mutex
	warnings []usage.Warning
	err      error
}

func (s *sink) UsageWarning(_ context.Context, w usage.Warning) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, w)
	return s.err
}

func (s *sink) levels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.warnings))
	for _, w := range s.warnings {
		out = append(out, w.Level)
	}
	return out
}

type fixture struct {
	meter *usage.Meter
	store *usage.MemoryStore
	clock *clock
	sink  *sink
	id    uuid.UUID
}

func newFixture(t *testing.T, tier plans.Tier, catalog *plans.Catalog) *fixture {
	t.Helper()
	if catalog == nil {
		catalog = plans.MustNew(plans.Defaults())
	}

	tenants := tenant.NewMemoryStore()
	tn := &tenant.Tenant{
		Email:     uuid.NewString() + "@example.com",
		Slug:      uuid.NewString(),
		PlanTier:  tier,
		Status:    tenant.StatusActive,
		CreatedAt: anchor,
	}
	require.NoError(t, tenants.Create(context.Background(), tn))

	f := &fixture{
		store: usage.NewMemoryStore(),
		clock: &clock{now: time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)},
		sink:  &sink{},
		id:    tn.ID,
	}
	f.meter = usage.NewMeter(tenants, catalog, f.store,
		usage.WithClock(f.clock.Now),
		usage.WithWarningSink(f.sink),
		usage.WithLogger(logger.Discard()),
	)
	return f
}

func (f *fixture) inc(t *testing.T, metric plans.Metric, amount int64) (*usage.Result, error) {
	t.Helper()
	return f.meter.CheckAndIncrement(context.Background(), f.id, metric, amount)
}

func TestCheckAndIncrementRejectsOverLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierTrial, nil)

	res, err := f.inc(t, plans.MetricLeads, 49)
	require.NoError(t, err)
	assert.EqualValues(t, 49, res.Current)
	assert.EqualValues(t, 50, res.Limit)

	_, err = f.inc(t, plans.MetricLeads, 2)
	require.ErrorIs(t, err, usage.ErrLimitExceeded)

	var lerr *usage.LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.EqualValues(t, 49, lerr.Current)
	assert.EqualValues(t, 50, lerr.Limit)
	assert.Equal(t, plans.TierTrial, lerr.Tier)
	assert.Equal(t, usage.Monthly, lerr.Cadence)
	assert.Equal(t, "Upgrade to Starter ($97/mo) to continue", lerr.UpgradeHint)
	assert.Contains(t, err.Error(), "49/50")

	stats, err := f.meter.GetUsageStats(context.Background(), f.id)
	require.NoError(t, err)
	for _, ms := range stats.Metrics {
		if ms.Metric == plans.MetricLeads {
			assert.EqualValues(t, 49, ms.Current)
		}
	}

	res, err = f.inc(t, plans.MetricLeads, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 50, res.Current)
}

func TestCheckAndIncrementConcurrentAtHeadroomOne(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierTrial, nil)

	_, err := f.inc(t, plans.MetricLeads, 49)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		rejected  atomic.Int32
	)
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.meter.CheckAndIncrement(context.Background(), f.id, plans.MetricLeads, 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case errors.Is(err, usage.ErrLimitExceeded):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, succeeded.Load())
	assert.EqualValues(t, 1, rejected.Load())

	c, ok := f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricLeads, Cadence: usage.Monthly})
	require.True(t, ok)
	assert.EqualValues(t, 50, c.Count)
}

func TestCounterNeverExceedsLimitUnderContention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierStarter, nil)

	const workers = 200
	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.meter.CheckAndIncrement(context.Background(), f.id, plans.MetricLeads, 1); err == nil {
				succeeded.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 150, succeeded.Load())
	c, _ := f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricLeads, Cadence: usage.Monthly})
	assert.EqualValues(t, 150, c.Count)
}

func TestRolloverResetsOncePerBoundary(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierStarter, nil)

	res, err := f.inc(t, plans.MetricLeads, 100)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC), res.ResetsAt)

	f.clock.Set(time.Date(2026, 4, 16, 0, 0, 0, 0, time.UTC))

	const workers = 30
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.meter.CheckAndIncrement(context.Background(), f.id, plans.MetricLeads, 1)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	c, _ := f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricLeads, Cadence: usage.Monthly})
	assert.EqualValues(t, workers, c.Count)
	assert.Equal(t, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC), c.PeriodStart)
	assert.Equal(t, time.Date(2026, 5, 15, 10, 0, 0, 0, time.UTC), c.PeriodEnd)
}

func TestRolloverSkipsIdlePeriods(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierStarter, nil)

	_, err := f.inc(t, plans.MetricSMS, 10)
	require.NoError(t, err)

	// three boundaries pass without activity
	f.clock.Set(time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC))
	res, err := f.inc(t, plans.MetricSMS, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, res.Current)
	assert.Equal(t, time.Date(2026, 7, 15, 10, 0, 0, 0, time.UTC), res.ResetsAt)
}

func TestWarningsFireOncePerThreshold(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierStarter, nil) // 150 leads

	steps := []struct {
		amount int64
		level  string
	}{
		{amount: 104},                      // 69.3%
		{amount: 1, level: usage.LevelSoft}, // 70%
		{amount: 1},                        // 70.7%
		{amount: 29, level: usage.LevelHard},
		{amount: 1},
		{amount: 7, level: usage.LevelCritical}, // 143 = 95.3%
		{amount: 7},
	}
	for _, step := range steps {
		res, err := f.inc(t, plans.MetricLeads, step.amount)
		require.NoError(t, err)
		if step.level == "" {
			assert.Nil(t, res.Warning, "no warning at %d", res.Current)
			continue
		}
		require.NotNil(t, res.Warning, "warning expected at %d", res.Current)
		assert.Equal(t, step.level, res.Warning.Level)
	}
	assert.Equal(t, []string{usage.LevelSoft, usage.LevelHard, usage.LevelCritical}, f.sink.levels())

	// a new period re-arms the thresholds
	f.clock.Set(time.Date(2026, 4, 20, 0, 0, 0, 0, time.UTC))
	res, err := f.inc(t, plans.MetricLeads, 140)
	require.NoError(t, err)
	require.NotNil(t, res.Warning)
	assert.Equal(t, usage.LevelHard, res.Warning.Level, "only the highest crossed threshold is emitted")
	assert.Len(t, f.sink.levels(), 4)
}

func TestWarningSinkFailureDoesNotFailIncrement(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierTrial, nil)
	f.sink.err = errors.New("queue down")

	res, err := f.inc(t, plans.MetricLeads, 40)
	require.NoError(t, err)
	require.NotNil(t, res.Warning)

	res, err = f.inc(t, plans.MetricLeads, 1)
	require.NoError(t, err)
	assert.Nil(t, res.Warning, "watermark is kept even when delivery failed")
}

func TestDailySubCap(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierTrial, nil) // emails: 100/month, 30/day

	_, err := f.inc(t, plans.MetricEmails, 30)
	require.NoError(t, err)

	_, err = f.inc(t, plans.MetricEmails, 1)
	var lerr *usage.LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, usage.Daily, lerr.Cadence)
	assert.EqualValues(t, 30, lerr.Limit)

	monthly, _ := f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricEmails, Cadence: usage.Monthly})
	assert.EqualValues(t, 30, monthly.Count, "rejected increment leaves the monthly counter untouched")

	f.clock.Set(time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC))
	res, err := f.inc(t, plans.MetricEmails, 5)
	require.NoError(t, err)
	assert.EqualValues(t, 35, res.Current)

	stats, err := f.meter.GetUsageStats(context.Background(), f.id)
	require.NoError(t, err)
	for _, ms := range stats.Metrics {
		if ms.Metric == plans.MetricEmails {
			assert.EqualValues(t, 5, ms.DailyCurrent)
			assert.EqualValues(t, 30, ms.DailyLimit)
			assert.EqualValues(t, 35, ms.Current)
		}
	}
}

func TestUnlimitedMetric(t *testing.T) {
	t.Parallel()
	catalog := plans.MustNew([]plans.Plan{
		{Code: "free", Name: "Free", Limits: map[plans.Metric]int64{plans.MetricLeads: 5}},
		{
			Code: "unlimited", Name: "Unlimited", Rank: 1, MonthlyPrice: decimal.NewFromInt(99),
			Limits: map[plans.Metric]int64{plans.MetricLeads: plans.Unlimited},
		},
	})
	f := newFixture(t, "unlimited", catalog)

	for range 3 {
		res, err := f.inc(t, plans.MetricLeads, 1_000_000)
		require.NoError(t, err)
		assert.Nil(t, res.Warning)
		assert.Equal(t, plans.Unlimited, res.Limit)
		assert.Zero(t, res.Percentage)
	}
	assert.Empty(t, f.sink.levels())

	_, err := f.inc(t, plans.MetricSMS, 1)
	assert.ErrorIs(t, err, usage.ErrUnknownMetric, "metric not metered by the plan")
}

func TestCheckAndIncrementValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierTrial, nil)

	_, err := f.inc(t, plans.MetricLeads, 0)
	assert.ErrorIs(t, err, usage.ErrInvalidAmount)
	_, err = f.inc(t, plans.MetricLeads, -3)
	assert.ErrorIs(t, err, usage.ErrInvalidAmount)
	_, err = f.inc(t, "widgets", 1)
	assert.ErrorIs(t, err, usage.ErrUnknownMetric)

	_, err = f.meter.CheckAndIncrement(context.Background(), uuid.New(), plans.MetricLeads, 1)
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestUnknownTierMetersAgainstLowest(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "legacy", nil)

	_, err := f.inc(t, plans.MetricLeads, 51)
	var lerr *usage.LimitExceededError
	require.ErrorAs(t, err, &lerr)
	assert.Equal(t, plans.TierTrial, lerr.Tier)
}

func TestStartPeriod(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierStarter, nil)
	ctx := context.Background()

	_, err := f.inc(t, plans.MetricLeads, 120)
	require.NoError(t, err)

	billingStart := time.Date(2026, 3, 18, 8, 30, 0, 0, time.UTC)
	require.NoError(t, f.meter.StartPeriod(ctx, f.id, billingStart))

	c, _ := f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricLeads, Cadence: usage.Monthly})
	assert.Zero(t, c.Count)
	assert.Equal(t, billingStart, c.PeriodStart)
	assert.Equal(t, time.Date(2026, 4, 18, 8, 30, 0, 0, time.UTC), c.PeriodEnd)

	res, err := f.inc(t, plans.MetricLeads, 3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Current)

	// replaying an older period start is a no-op
	require.NoError(t, f.meter.StartPeriod(ctx, f.id, billingStart.AddDate(0, -1, 0)))
	require.NoError(t, f.meter.StartPeriod(ctx, f.id, billingStart))
	c, _ = f.store.Get(usage.Key{TenantID: f.id, Metric: plans.MetricLeads, Cadence: usage.Monthly})
	assert.EqualValues(t, 3, c.Count)

	require.NoError(t, f.meter.StartPeriod(ctx, f.id, time.Time{}))
}

func TestGetUsageStats(t *testing.T) {
	t.Parallel()
	f := newFixture(t, plans.TierGrowth, nil)

	_, err := f.inc(t, plans.MetricSMS, 250)
	require.NoError(t, err)

	stats, err := f.meter.GetUsageStats(context.Background(), f.id)
	require.NoError(t, err)
	assert.Equal(t, plans.TierGrowth, stats.Tier)
	require.Len(t, stats.Metrics, len(plans.Metrics))

	for _, ms := range stats.Metrics {
		assert.Equal(t, time.Date(2026, 4, 15, 10, 0, 0, 0, time.UTC), ms.ResetsAt)
		if ms.Metric == plans.MetricSMS {
			assert.EqualValues(t, 250, ms.Current)
			assert.EqualValues(t, 500, ms.Limit)
			assert.InDelta(t, 50.0, ms.Percentage, 0.001)
		}
	}

	_, err = f.meter.GetUsageStats(context.Background(), uuid.New())
	assert.ErrorIs(t, err, tenant.ErrTenantNotFound)
}

func TestNewMeterPanicsWithoutDependencies(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { usage.NewMeter(nil, nil, nil) })
}
