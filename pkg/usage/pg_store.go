package usage

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/plans"
)

// PgStore keeps counters in usage_counters. Rows are created on first use and
// locked with SELECT ... FOR UPDATE for the duration of a Mutate call.
type PgStore struct {
	db pg.DB
}

var _ Store = (*PgStore)(nil)

func NewPgStore(db pg.DB) *PgStore {
	if db == nil {
		panic("usage: pg store requires a database")
	}
	return &PgStore{db: db}
}

func (s *PgStore) Mutate(ctx context.Context, seeds []Counter, fn func(counters []*Counter) error) error {
	return pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		working := make([]*Counter, len(seeds))
		for _, i := range lockOrder(seeds) {
			seed := seeds[i]
			// A concurrent insert of the same key blocks here until the other
			// transaction finishes, then becomes a no-op.
			if _, err := tx.Exec(ctx, `
				INSERT INTO usage_counters (tenant_id, metric, cadence, period_start, period_end, count, warned_threshold)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (tenant_id, metric, cadence) DO NOTHING`,
				seed.TenantID, string(seed.Metric), string(seed.Cadence),
				seed.PeriodStart, seed.PeriodEnd, seed.Count, seed.WarnedThreshold,
			); err != nil {
				return err
			}

			c := Counter{Key: seed.Key}
			var metric, cadence string
			err := tx.QueryRow(ctx, `
				SELECT tenant_id, metric, cadence, period_start, period_end, count, warned_threshold
				FROM usage_counters
				WHERE tenant_id = $1 AND metric = $2 AND cadence = $3
				FOR UPDATE`,
				seed.TenantID, string(seed.Metric), string(seed.Cadence),
			).Scan(&c.TenantID, &metric, &cadence, &c.PeriodStart, &c.PeriodEnd, &c.Count, &c.WarnedThreshold)
			if err != nil {
				return err
			}
			c.Metric = plans.Metric(metric)
			c.Cadence = Cadence(cadence)
			c.PeriodStart = c.PeriodStart.UTC()
			c.PeriodEnd = c.PeriodEnd.UTC()
			working[i] = &c
		}

		if err := fn(working); err != nil {
			return err
		}

		now := time.Now().UTC()
		for _, c := range working {
			if _, err := tx.Exec(ctx, `
				UPDATE usage_counters
				SET period_start = $4, period_end = $5, count = $6, warned_threshold = $7, updated_at = $8
				WHERE tenant_id = $1 AND metric = $2 AND cadence = $3`,
				c.TenantID, string(c.Metric), string(c.Cadence),
				c.PeriodStart, c.PeriodEnd, c.Count, c.WarnedThreshold, now,
			); err != nil {
				return err
			}
		}
		return nil
	})
}
