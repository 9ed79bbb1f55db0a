package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
)

// Reconverge compares the resources a tenant holds with the ones its plan
// and status call for and queues the provisioning or release tasks that
// close the gap. It is safe to call any number of times: pending claims
// count as held, and the task handlers re-check before acting.
func (r *Reconciler) Reconverge(ctx context.Context, tenantID uuid.UUID) error {
	t, err := r.tenants.GetByID(ctx, tenantID)
	if err != nil {
		return err
	}
	plan := r.planFor(t)

	var errs []error
	for _, kind := range r.managedKinds() {
		res, err := r.resources.Get(ctx, t.ID, kind)
		switch {
		case errors.Is(err, provisioning.ErrResourceNotFound):
			res = nil
		case err != nil:
			errs = append(errs, fmt.Errorf("load %s: %w", kind, err))
			continue
		}

		want := wants(t, plan, kind)
		switch {
		case want && res == nil:
			r.log.InfoContext(ctx, "queueing resource provisioning", logger.TenantID(t.ID), slog.String("kind", string(kind)))
			if err := r.outbox.Enqueue(ctx, ProvisionResource{TenantID: t.ID, Kind: kind},
				queue.WithPriority(queue.PriorityHigh)); err != nil {
				errs = append(errs, fmt.Errorf("enqueue provision %s: %w", kind, err))
			}
		case !want && res != nil && res.Status == provisioning.StatusActive:
			r.log.InfoContext(ctx, "queueing resource release", logger.TenantID(t.ID), slog.String("kind", string(kind)))
			if err := r.outbox.Enqueue(ctx, ReleaseResource{TenantID: t.ID, Kind: kind}); err != nil {
				errs = append(errs, fmt.Errorf("enqueue release %s: %w", kind, err))
			}
		}
	}
	return errors.Join(errs...)
}

// ReconvergeFor reconverges the tenant ev belongs to. Events for tenants
// that do not exist yet are a no-op.
func (r *Reconciler) ReconvergeFor(ctx context.Context, ev *billing.Event) error {
	t, err := r.resolve(ctx, ev, true)
	if errors.Is(err, ErrUnresolvedTenant) {
		return nil
	}
	if err != nil {
		return err
	}
	return r.Reconverge(ctx, t.ID)
}

// managedKinds lists the resource kinds any plan can entitle and that have
// a provider configured.
func (r *Reconciler) managedKinds() []provisioning.Kind {
	var kinds []provisioning.Kind
	seen := make(map[provisioning.Kind]bool)
	for _, p := range r.catalog.Plans() {
		for _, e := range p.Entitlements {
			kind, ok := provisioning.KindFor(e)
			if !ok || seen[kind] || !r.resources.Supports(kind) {
				continue
			}
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds
}

// wants reports whether t should hold a resource of kind. Canceled tenants
// hold nothing.
func wants(t *tenant.Tenant, plan plans.Plan, kind provisioning.Kind) bool {
	if t.Status == tenant.StatusCanceled {
		return false
	}
	for _, e := range plan.Entitlements {
		if k, ok := provisioning.KindFor(e); ok && k == kind {
			return true
		}
	}
	return false
}
