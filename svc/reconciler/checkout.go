package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/svc/notify"
)

// MetadataTenantID is the checkout metadata key naming an existing tenant.
const MetadataTenantID = "tenant_id"

// createAttempts bounds the resolve-or-create loop when a concurrent
// checkout for the same owner wins the insert.
const createAttempts = 3

// checkoutCompleted links the checkout's billing references to a tenant,
// creating the tenant when no record matches the customer or email.
// Checkout links are not subject to the ordering guard and do not advance
// the tenant's last applied event time.
func (r *Reconciler) checkoutCompleted(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	var (
		t       *tenant.Tenant
		created bool
		err     error
	)
	for attempt := 1; ; attempt++ {
		t, created, err = r.resolveOrCreate(ctx, ev)
		if errors.Is(err, tenant.ErrDuplicate) && attempt < createAttempts {
			log.DebugContext(ctx, "concurrent tenant creation, resolving again", slog.Int("attempt", attempt))
			continue
		}
		break
	}
	if err != nil {
		return nil, err
	}

	if created {
		log.InfoContext(ctx, "tenant created from checkout",
			logger.TenantID(t.ID),
			slog.String("slug", t.Slug),
		)
		r.notify(ctx, log, notify.Notification{TenantID: t.ID, Kind: notify.KindWelcome})
		return applied(t.ID), nil
	}

	if err := r.link(ctx, log, t, ev); err != nil {
		return nil, err
	}
	return applied(t.ID), nil
}

func (r *Reconciler) resolveOrCreate(ctx context.Context, ev *billing.Event) (*tenant.Tenant, bool, error) {
	if ev.CustomerID != "" {
		t, err := r.tenants.GetByCustomerID(ctx, ev.CustomerID)
		if err == nil {
			return t, false, nil
		}
		if !errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, false, err
		}
	}

	if t, err := r.byMetadata(ctx, ev); err != nil || t != nil {
		return t, false, err
	}

	email := tenant.NormalizeEmail(ev.CustomerEmail)
	if email == "" {
		return nil, false, errors.Join(billing.ErrInvalidPayload,
			errors.New("checkout has neither a known customer nor an email"))
	}
	t, err := r.tenants.GetByEmail(ctx, email)
	if err == nil {
		return t, false, nil
	}
	if !errors.Is(err, tenant.ErrTenantNotFound) {
		return nil, false, err
	}

	slug, err := tenant.UniqueSlug(ctx, email, r.tenants.SlugExists)
	if err != nil {
		return nil, false, fmt.Errorf("allocate slug: %w", err)
	}
	// The secret is never stored or queued; the owner sets a password
	// through the reset flow.
	_, hash, err := tenant.ProvisionalCredential(r.bcryptCost)
	if err != nil {
		return nil, false, err
	}

	t = &tenant.Tenant{
		Email:          email,
		Name:           displayName(ev.CustomerName, email),
		Slug:           slug,
		PlanTier:       r.catalog.Lowest().Code,
		Status:         tenant.StatusTrialing,
		CustomerID:     ev.CustomerID,
		SubscriptionID: ev.SubscriptionID,
		PasswordHash:   hash,
	}
	if err := r.tenants.Create(ctx, t); err != nil {
		return nil, false, err
	}
	return t, true, nil
}

// link attaches the checkout's references to an existing tenant. A tenant
// already bound to a different customer keeps it.
func (r *Reconciler) link(ctx context.Context, log *slog.Logger, t *tenant.Tenant, ev *billing.Event) error {
	_, err := r.tenants.Update(ctx, t.ID, func(t *tenant.Tenant) error {
		changed := false
		switch {
		case ev.CustomerID == "" || t.CustomerID == ev.CustomerID:
		case t.CustomerID == "":
			t.CustomerID = ev.CustomerID
			changed = true
		default:
			log.WarnContext(ctx, "checkout customer differs from the linked one",
				logger.TenantID(t.ID),
				slog.String("linked_customer", t.CustomerID),
				slog.String("checkout_customer", ev.CustomerID),
			)
		}
		if ev.SubscriptionID != "" && t.SubscriptionID != ev.SubscriptionID {
			t.SubscriptionID = ev.SubscriptionID
			changed = true
		}
		if !changed {
			return tenant.ErrNoChange
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("link billing references: %w", err)
	}
	return nil
}

func displayName(name, email string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	local, _, _ := strings.Cut(email, "@")
	return local
}
