package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/svc/notify"
)

// ProvisionResource asks the worker to make sure the tenant holds a
// resource of Kind.
type ProvisionResource struct {
	TenantID uuid.UUID         `json:"tenant_id"`
	Kind     provisioning.Kind `json:"kind"`
}

// ReleaseResource asks the worker to give back the tenant's resource of Kind.
type ReleaseResource struct {
	TenantID uuid.UUID         `json:"tenant_id"`
	Kind     provisioning.Kind `json:"kind"`
}

// ReconvergeTenant retries a reconvergence that failed after an event was
// applied.
type ReconvergeTenant struct {
	TenantID uuid.UUID `json:"tenant_id"`
}

// ReplayEvent re-applies an event whose first application failed.
type ReplayEvent struct {
	Event billing.Event `json:"event"`
}

// Handlers returns the outbox handlers for the reconciler's tasks.
func (r *Reconciler) Handlers() []queue.Handler {
	return []queue.Handler{
		queue.NewTaskHandler(r.handleProvision),
		queue.NewTaskHandler(r.handleRelease),
		queue.NewTaskHandler(r.handleReplay),
		queue.NewTaskHandler(r.handleReconverge),
	}
}

// EnqueueReplay queues ev for another Apply by the worker.
func (r *Reconciler) EnqueueReplay(ctx context.Context, ev *billing.Event) error {
	replay := *ev
	replay.Raw = nil
	return r.outbox.Enqueue(ctx, ReplayEvent{Event: replay}, queue.WithPriority(queue.PriorityHigh))
}

func (r *Reconciler) handleProvision(ctx context.Context, task ProvisionResource) error {
	log := r.log.With(logger.TenantID(task.TenantID), slog.String("kind", string(task.Kind)))

	t, err := r.tenants.GetByID(ctx, task.TenantID)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	// The plan may have changed since the task was queued.
	if !wants(t, r.planFor(t), task.Kind) {
		log.InfoContext(ctx, "resource no longer wanted, skipping provisioning")
		return nil
	}

	before, err := r.resources.Get(ctx, t.ID, task.Kind)
	if err != nil && !errors.Is(err, provisioning.ErrResourceNotFound) {
		return err
	}

	// A commit failure whose purchase was released comes back temporary and
	// is retried; an unreleased leak is a permanent provider error.
	res, err := r.resources.EnsureProvisioned(ctx, t.ID, task.Kind)
	switch {
	case errors.Is(err, provisioning.ErrNoResourcesAvailable),
		errors.Is(err, provisioning.ErrUnsupportedKind):
		return queue.Permanent(err)
	case err != nil:
		return err
	}

	if before == nil || before.Status != provisioning.StatusActive {
		r.notify(ctx, log, notify.Notification{
			TenantID:   t.ID,
			Kind:       notify.KindResourceProvisioned,
			Resource:   string(res.Kind),
			Descriptor: res.Descriptor,
		})
	}
	return nil
}

func (r *Reconciler) handleRelease(ctx context.Context, task ReleaseResource) error {
	t, err := r.tenants.GetByID(ctx, task.TenantID)
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound):
	case err != nil:
		return err
	case wants(t, r.planFor(t), task.Kind):
		r.log.InfoContext(ctx, "resource wanted again, skipping release",
			logger.TenantID(task.TenantID), slog.String("kind", string(task.Kind)))
		return nil
	}

	if err := r.resources.Release(ctx, task.TenantID, task.Kind); err != nil {
		return fmt.Errorf("release %s: %w", task.Kind, err)
	}
	return nil
}

func (r *Reconciler) handleReplay(ctx context.Context, task ReplayEvent) error {
	_, err := r.Apply(ctx, &task.Event)
	var conflict *ConflictError
	switch {
	case err == nil:
		return nil
	case errors.As(err, &conflict):
		// A newer event already moved the tenant on.
		return nil
	case errors.Is(err, billing.ErrInvalidPayload):
		return queue.Permanent(err)
	}
	return err
}

func (r *Reconciler) handleReconverge(ctx context.Context, task ReconvergeTenant) error {
	err := r.Reconverge(ctx, task.TenantID)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return queue.Permanent(err)
	}
	return err
}
