package provisioning

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/dmitrymomot/billingkit/pkg/pg"
)

// PgStore keeps resource records in provisioned_resources. The primary key
// (tenant_id, kind) enforces one resource per kind and tenant.
type PgStore struct {
	db pg.DB
}

var _ Store = (*PgStore)(nil)

func NewPgStore(db pg.DB) *PgStore {
	if db == nil {
		panic("provisioning: pg store requires a database")
	}
	return &PgStore{db: db}
}

const resourceColumns = `tenant_id, kind, status, external_id, descriptor, claim_token, claimed_at, activated_at`

func (s *PgStore) Get(ctx context.Context, tenantID uuid.UUID, kind Kind) (*Resource, error) {
	r, err := scanResource(s.db.QueryRow(ctx,
		`SELECT `+resourceColumns+` FROM provisioned_resources WHERE tenant_id = $1 AND kind = $2`,
		tenantID, string(kind)))
	if pg.IsNotFoundError(err) {
		return nil, ErrResourceNotFound
	}
	return r, err
}

func (s *PgStore) Claim(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, now, staleBefore time.Time) (*Resource, error) {
	r, err := scanResource(s.db.QueryRow(ctx, `
		INSERT INTO provisioned_resources (tenant_id, kind, status, claim_token, claimed_at)
		VALUES ($1, $2, 'pending', $3, $4)
		ON CONFLICT (tenant_id, kind) DO UPDATE
			SET claim_token = EXCLUDED.claim_token, claimed_at = EXCLUDED.claimed_at
			WHERE provisioned_resources.status = 'pending' AND provisioned_resources.claimed_at < $5
		RETURNING `+resourceColumns,
		tenantID, string(kind), token, now, staleBefore))
	if err == nil {
		return r, nil
	}
	if !pg.IsNotFoundError(err) {
		return nil, err
	}

	// The slot is taken: either active or a live claim.
	existing, err := s.Get(ctx, tenantID, kind)
	if err != nil {
		if errors.Is(err, ErrResourceNotFound) {
			return nil, ErrInProgress
		}
		return nil, err
	}
	if existing.Status == StatusActive {
		return existing, nil
	}
	return nil, ErrInProgress
}

func (s *PgStore) Reserve(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE provisioned_resources
		SET external_id = $4, descriptor = $5
		WHERE tenant_id = $1 AND kind = $2 AND status = 'pending' AND claim_token = $3`,
		tenantID, string(kind), token, acquired.ExternalID, acquired.Descriptor)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrClaimLost
	}
	return nil
}

func (s *PgStore) Activate(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID, acquired Acquired, at time.Time) (*Resource, error) {
	r, err := scanResource(s.db.QueryRow(ctx, `
		UPDATE provisioned_resources
		SET status = 'active', external_id = $4, descriptor = $5, activated_at = $6
		WHERE tenant_id = $1 AND kind = $2 AND status = 'pending' AND claim_token = $3
		RETURNING `+resourceColumns,
		tenantID, string(kind), token, acquired.ExternalID, acquired.Descriptor, at))
	if pg.IsNotFoundError(err) {
		return nil, ErrClaimLost
	}
	return r, err
}

func (s *PgStore) Drop(ctx context.Context, tenantID uuid.UUID, kind Kind, token uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		DELETE FROM provisioned_resources
		WHERE tenant_id = $1 AND kind = $2 AND status = 'pending' AND claim_token = $3`,
		tenantID, string(kind), token)
	return err
}

func (s *PgStore) Delete(ctx context.Context, tenantID uuid.UUID, kind Kind) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM provisioned_resources WHERE tenant_id = $1 AND kind = $2`,
		tenantID, string(kind))
	return err
}

func (s *PgStore) ListStale(ctx context.Context, before time.Time) ([]Resource, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+resourceColumns+` FROM provisioned_resources WHERE status = 'pending' AND claimed_at < $1`,
		before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func scanResource(row pgx.Row) (*Resource, error) {
	var (
		r            Resource
		kind, status string
	)
	if err := row.Scan(&r.TenantID, &kind, &status, &r.ExternalID, &r.Descriptor,
		&r.ClaimToken, &r.ClaimedAt, &r.ActivatedAt); err != nil {
		return nil, err
	}
	r.Kind = Kind(kind)
	r.Status = Status(status)
	r.ClaimedAt = r.ClaimedAt.UTC()
	return &r, nil
}
