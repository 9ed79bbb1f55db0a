package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// PgLedger stores event ids in billing_events_seen. An entry older than the
// retention window counts as unseen and is refreshed in place.
type PgLedger struct {
	db        pg.DB
	retention time.Duration
	now       func() time.Time
}

var (
	_ Ledger = (*PgLedger)(nil)
	_ Pruner = (*PgLedger)(nil)
)

func NewPgLedger(db pg.DB, cfg Config) *PgLedger {
	if db == nil {
		panic("idempotency: pg ledger requires a database")
	}
	retention := cfg.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &PgLedger{db: db, retention: retention, now: time.Now}
}

func (l *PgLedger) MarkSeen(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrEmptyEventID
	}
	now := l.now().UTC()
	tag, err := l.db.Exec(ctx, `
		INSERT INTO billing_events_seen (event_id, seen_at) VALUES ($1, $2)
		ON CONFLICT (event_id) DO UPDATE SET seen_at = EXCLUDED.seen_at
		WHERE billing_events_seen.seen_at < $3`,
		id, now, now.Add(-l.retention))
	if err != nil {
		return false, errors.Join(ErrLedger, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (l *PgLedger) Forget(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyEventID
	}
	if _, err := l.db.Exec(ctx, `DELETE FROM billing_events_seen WHERE event_id = $1`, id); err != nil {
		return errors.Join(ErrLedger, err)
	}
	return nil
}

// Prune deletes entries older than the retention window.
func (l *PgLedger) Prune(ctx context.Context) (int64, error) {
	tag, err := l.db.Exec(ctx, `DELETE FROM billing_events_seen WHERE seen_at < $1`,
		l.now().UTC().Add(-l.retention))
	if err != nil {
		return 0, errors.Join(ErrLedger, err)
	}
	return tag.RowsAffected(), nil
}
