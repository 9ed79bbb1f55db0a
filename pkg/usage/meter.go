package usage

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
)

// TenantReader loads the tenant whose plan governs the limits.
type TenantReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

// WarningSink delivers threshold warnings, typically by enqueueing a
// notification task.
type WarningSink interface {
	UsageWarning(ctx context.Context, w Warning) error
}

// Meter enforces plan limits on usage counters.
type Meter struct {
	tenants TenantReader
	catalog *plans.Catalog
	store   Store
	sink    WarningSink
	log     *slog.Logger
	now     func() time.Time
}

// NewMeter panics if a required dependency is nil.
func NewMeter(tenants TenantReader, catalog *plans.Catalog, store Store, opts ...Option) *Meter {
	if tenants == nil || catalog == nil || store == nil {
		panic("usage: meter requires tenants, catalog and store")
	}
	m := &Meter{
		tenants: tenants,
		catalog: catalog,
		store:   store,
		log:     slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CheckAndIncrement records amount units of metric for the tenant, or
// returns a *LimitExceededError without recording anything when the monthly
// limit or the daily sub-cap would be exceeded.
func (m *Meter) CheckAndIncrement(ctx context.Context, tenantID uuid.UUID, metric plans.Metric, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if !slices.Contains(plans.Metrics, metric) {
		return nil, errors.Join(ErrUnknownMetric, errors.New(string(metric)))
	}

	t, plan, err := m.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	limit, ok := plan.Limit(metric)
	if !ok {
		return nil, errors.Join(ErrUnknownMetric, errors.New(string(metric)))
	}
	dailyCap, hasDaily := plan.DailyCap(metric)

	now := m.now().UTC()
	seeds := []Counter{m.seed(t, metric, Monthly, now)}
	if hasDaily {
		seeds = append(seeds, m.seed(t, metric, Daily, now))
	}

	var res *Result
	err = m.store.Mutate(ctx, seeds, func(counters []*Counter) error {
		monthly := counters[0]
		rollover(monthly, now)
		if limit != plans.Unlimited && monthly.Count+amount > limit {
			return &LimitExceededError{
				Metric:      metric,
				Tier:        plan.Code,
				Cadence:     Monthly,
				Current:     monthly.Count,
				Limit:       limit,
				UpgradeHint: plan.UpgradeHint(),
			}
		}

		if hasDaily {
			daily := counters[1]
			rollover(daily, now)
			if daily.Count+amount > dailyCap {
				return &LimitExceededError{
					Metric:      metric,
					Tier:        plan.Code,
					Cadence:     Daily,
					Current:     daily.Count,
					Limit:       dailyCap,
					UpgradeHint: plan.UpgradeHint(),
				}
			}
			daily.Count += amount
		}

		monthly.Count += amount
		res = &Result{
			Metric:     metric,
			Current:    monthly.Count,
			Limit:      limit,
			Percentage: Percentage(monthly.Count, limit),
			ResetsAt:   monthly.PeriodEnd,
		}
		if limit == plans.Unlimited {
			return nil
		}
		if th, ok := crossedThreshold(monthly.Count, limit, monthly.WarnedThreshold); ok {
			monthly.WarnedThreshold = th.Percent
			res.Warning = &Warning{
				TenantID:    t.ID,
				Metric:      metric,
				Tier:        plan.Code,
				Current:     monthly.Count,
				Limit:       limit,
				Percent:     th.Percent,
				Level:       th.Level,
				ResetsAt:    monthly.PeriodEnd,
				UpgradeHint: plan.UpgradeHint(),
			}
		}
		return nil
	})
	if err != nil {
		var lerr *LimitExceededError
		if errors.As(err, &lerr) {
			metrics.RecordUsageRejected(string(metric), string(plan.Code), string(lerr.Cadence))
			m.log.WarnContext(ctx, "usage limit exceeded",
				logger.TenantID(tenantID),
				logger.Metric(string(metric)),
				logger.PlanTier(string(plan.Code)),
				slog.String("cadence", string(lerr.Cadence)),
				slog.Int64("current", lerr.Current),
				slog.Int64("limit", lerr.Limit),
			)
		}
		return nil, err
	}

	metrics.RecordUsage(string(metric), string(plan.Code), amount)
	if res.Warning != nil {
		m.emit(ctx, *res.Warning)
	}
	return res, nil
}

// GetUsageStats returns the tenant's usage in the current period, rolling
// over counters whose period has ended.
func (m *Meter) GetUsageStats(ctx context.Context, tenantID uuid.UUID) (*Stats, error) {
	t, plan, err := m.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	now := m.now().UTC()
	var (
		seeds   []Counter
		metered []plans.Metric
	)
	for _, metric := range plans.Metrics {
		if _, ok := plan.Limit(metric); !ok {
			continue
		}
		metered = append(metered, metric)
		seeds = append(seeds, m.seed(t, metric, Monthly, now))
		if _, ok := plan.DailyCap(metric); ok {
			seeds = append(seeds, m.seed(t, metric, Daily, now))
		}
	}

	stats := &Stats{TenantID: t.ID, Tier: plan.Code}
	err = m.store.Mutate(ctx, seeds, func(counters []*Counter) error {
		byKey := make(map[Key]*Counter, len(counters))
		for _, c := range counters {
			rollover(c, now)
			byKey[c.Key] = c
		}
		stats.Metrics = stats.Metrics[:0]
		for _, metric := range metered {
			limit, _ := plan.Limit(metric)
			monthly := byKey[Key{TenantID: t.ID, Metric: metric, Cadence: Monthly}]
			ms := MetricStats{
				Metric:     metric,
				Current:    monthly.Count,
				Limit:      limit,
				Percentage: Percentage(monthly.Count, limit),
				ResetsAt:   monthly.PeriodEnd,
			}
			if dailyCap, ok := plan.DailyCap(metric); ok {
				ms.DailyLimit = dailyCap
				ms.DailyCurrent = byKey[Key{TenantID: t.ID, Metric: metric, Cadence: Daily}].Count
			}
			stats.Metrics = append(stats.Metrics, ms)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stats, nil
}

// StartPeriod aligns the tenant's monthly counters to a billing period that
// starts at start, resetting them. Counters whose period already starts at or
// after start are left alone, so replays are harmless.
func (m *Meter) StartPeriod(ctx context.Context, tenantID uuid.UUID, start time.Time) error {
	if start.IsZero() {
		return nil
	}
	start = start.UTC()

	seeds := make([]Counter, 0, len(plans.Metrics))
	for _, metric := range plans.Metrics {
		seeds = append(seeds, Counter{
			Key:         Key{TenantID: tenantID, Metric: metric, Cadence: Monthly},
			PeriodStart: start,
			PeriodEnd:   addMonth(start),
		})
	}

	var reset int
	err := m.store.Mutate(ctx, seeds, func(counters []*Counter) error {
		for _, c := range counters {
			if !c.PeriodStart.Before(start) {
				continue
			}
			c.PeriodStart, c.PeriodEnd = start, addMonth(start)
			c.Count = 0
			c.WarnedThreshold = 0
			reset++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if reset > 0 {
		m.log.InfoContext(ctx, "usage period started",
			logger.TenantID(tenantID),
			slog.Time("period_start", start),
			slog.Int("counters_reset", reset),
		)
	}
	return nil
}

func (m *Meter) load(ctx context.Context, tenantID uuid.UUID) (*tenant.Tenant, plans.Plan, error) {
	t, err := m.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return nil, plans.Plan{}, err
	}
	plan, err := m.catalog.Tier(t.PlanTier)
	if err != nil {
		plan = m.catalog.Lowest()
		metrics.RecordPlanFallback("usage")
		m.log.WarnContext(ctx, "unknown plan tier on tenant, metering against lowest tier",
			logger.TenantID(t.ID),
			logger.PlanTier(string(t.PlanTier)),
		)
	}
	return t, plan, nil
}

func (m *Meter) seed(t *tenant.Tenant, metric plans.Metric, cadence Cadence, now time.Time) Counter {
	start, end := periodContaining(cadence, t.CreatedAt, now)
	return Counter{
		Key:         Key{TenantID: t.ID, Metric: metric, Cadence: cadence},
		PeriodStart: start,
		PeriodEnd:   end,
	}
}

func (m *Meter) emit(ctx context.Context, w Warning) {
	metrics.RecordUsageWarning(string(w.Metric), w.Level)
	m.log.WarnContext(ctx, "usage threshold reached",
		logger.TenantID(w.TenantID),
		logger.Metric(string(w.Metric)),
		slog.String("level", w.Level),
		slog.Int64("current", w.Current),
		slog.Int64("limit", w.Limit),
	)
	if m.sink == nil {
		return
	}
	if err := m.sink.UsageWarning(ctx, w); err != nil {
		m.log.ErrorContext(ctx, "failed to dispatch usage warning",
			logger.TenantID(w.TenantID),
			logger.Metric(string(w.Metric)),
			logger.Error(err),
		)
	}
}
