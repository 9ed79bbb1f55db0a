package tenant

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/pg"
	"github.com/dmitrymomot/billingkit/pkg/plans"
)

const tenantColumns = `id, email, name, slug, plan_tier, status, billing_customer_id,
	billing_subscription_id, last_applied_event_at, password_hash, created_at, updated_at`

// PgStore keeps tenants in the tenants table. Update serializes through
// SELECT ... FOR UPDATE on the tenant row.
type PgStore struct {
	db  pg.DB
	now func() time.Time
}

var _ Store = (*PgStore)(nil)

// NewPgStore panics if db is nil.
func NewPgStore(db pg.DB) *PgStore {
	if db == nil {
		panic("tenant: pg store requires a database")
	}
	return &PgStore{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *PgStore) Create(ctx context.Context, t *Tenant) error {
	if err := validate(t); err != nil {
		return err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	_, err := s.db.Exec(ctx, `
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Email, t.Name, t.Slug, string(t.PlanTier), string(t.Status),
		nullString(t.CustomerID), nullString(t.SubscriptionID), nullTime(t.LastAppliedEventAt),
		t.PasswordHash, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return errors.Join(ErrDuplicate, err)
		}
		return err
	}
	return nil
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*Tenant, error) {
	return scanTenant(s.db.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (s *PgStore) GetByCustomerID(ctx context.Context, customerID string) (*Tenant, error) {
	if customerID == "" {
		return nil, ErrTenantNotFound
	}
	return scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE billing_customer_id = $1`, customerID))
}

func (s *PgStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*Tenant, error) {
	if subscriptionID == "" {
		return nil, ErrTenantNotFound
	}
	return scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE billing_subscription_id = $1`, subscriptionID))
}

func (s *PgStore) GetByEmail(ctx context.Context, email string) (*Tenant, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrTenantNotFound
	}
	return scanTenant(s.db.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE lower(email) = $1`, email))
}

func (s *PgStore) SlugExists(ctx context.Context, slug string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tenants WHERE slug = $1)`, slug).Scan(&exists)
	return exists, err
}

func (s *PgStore) Update(ctx context.Context, id uuid.UUID, fn func(t *Tenant) error) (*Tenant, error) {
	var out *Tenant
	err := pg.WithTx(ctx, s.db, func(tx pgx.Tx) error {
		current, err := scanTenant(tx.QueryRow(ctx,
			`SELECT `+tenantColumns+` FROM tenants WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}

		next := current.Clone()
		if err := fn(next); err != nil {
			if errors.Is(err, ErrNoChange) {
				out = current
				return nil
			}
			return err
		}
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.now()
		if err := validate(next); err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE tenants SET
				email = $2, name = $3, slug = $4, plan_tier = $5, status = $6,
				billing_customer_id = $7, billing_subscription_id = $8,
				last_applied_event_at = $9, password_hash = $10, updated_at = $11
			WHERE id = $1`,
			next.ID, next.Email, next.Name, next.Slug, string(next.PlanTier), string(next.Status),
			nullString(next.CustomerID), nullString(next.SubscriptionID), nullTime(next.LastAppliedEventAt),
			next.PasswordHash, next.UpdatedAt,
		)
		if err != nil {
			if pg.IsDuplicateKeyError(err) {
				return errors.Join(ErrDuplicate, err)
			}
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanTenant(row pgx.Row) (*Tenant, error) {
	var (
		t                        Tenant
		plan, status             string
		customerID, subscription *string
		lastApplied              *time.Time
	)
	err := row.Scan(&t.ID, &t.Email, &t.Name, &t.Slug, &plan, &status, &customerID,
		&subscription, &lastApplied, &t.PasswordHash, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrTenantNotFound
		}
		return nil, err
	}
	t.PlanTier = plans.Tier(plan)
	t.Status = Status(status)
	if customerID != nil {
		t.CustomerID = *customerID
	}
	if subscription != nil {
		t.SubscriptionID = *subscription
	}
	if lastApplied != nil {
		t.LastAppliedEventAt = lastApplied.UTC()
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
