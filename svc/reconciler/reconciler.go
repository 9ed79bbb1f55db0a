package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/statemachine"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/svc/notify"
)

// PeriodStarter realigns usage counters to a new billing period.
type PeriodStarter interface {
	StartPeriod(ctx context.Context, tenantID uuid.UUID, start time.Time) error
}

// Provisioner owns the external resources backing entitlements.
type Provisioner interface {
	EnsureProvisioned(ctx context.Context, tenantID uuid.UUID, kind provisioning.Kind) (*provisioning.Resource, error)
	Release(ctx context.Context, tenantID uuid.UUID, kind provisioning.Kind) error
	Get(ctx context.Context, tenantID uuid.UUID, kind provisioning.Kind) (*provisioning.Resource, error)
	Supports(kind provisioning.Kind) bool
}

// Enqueuer stores outbox tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Status tells whether an event changed anything.
type Status string

const (
	StatusApplied Status = "applied"
	StatusIgnored Status = "ignored"
)

// Outcome describes what Apply did with an event.
type Outcome struct {
	TenantID uuid.UUID
	Status   Status
	Reason   string
}

func applied(id uuid.UUID) *Outcome { return &Outcome{TenantID: id, Status: StatusApplied} }

func ignored(id uuid.UUID, reason string) *Outcome {
	return &Outcome{TenantID: id, Status: StatusIgnored, Reason: reason}
}

// Reconciler applies normalized billing events to tenant records and keeps
// provisioned resources in line with the resulting entitlements.
type Reconciler struct {
	tenants    tenant.Store
	catalog    *plans.Catalog
	periods    PeriodStarter
	resources  Provisioner
	outbox     Enqueuer
	log        *slog.Logger
	bcryptCost int
}

type Option func(*Reconciler)

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.log = l
		}
	}
}

// WithBcryptCost sets the cost used to hash provisional credentials of
// tenants created from a checkout.
func WithBcryptCost(cost int) Option {
	return func(r *Reconciler) { r.bcryptCost = cost }
}

// New panics if a dependency is nil.
func New(tenants tenant.Store, catalog *plans.Catalog, periods PeriodStarter, resources Provisioner, outbox Enqueuer, opts ...Option) *Reconciler {
	if tenants == nil || catalog == nil || periods == nil || resources == nil || outbox == nil {
		panic("reconciler: tenants, catalog, periods, resources and outbox are required")
	}
	r := &Reconciler{
		tenants:   tenants,
		catalog:   catalog,
		periods:   periods,
		resources: resources,
		outbox:    outbox,
		log:       slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(logger.Component("reconciler"))
	return r
}

// Apply makes the tenant record reflect ev. A *ConflictError means ev is
// older than what the tenant already reflects; any other error is an
// internal failure and the event should be replayed. Once the tenant change
// is committed Apply no longer fails: resource reconvergence that cannot
// finish is handed to the outbox instead.
func (r *Reconciler) Apply(ctx context.Context, ev *billing.Event) (*Outcome, error) {
	if ev == nil || ev.ID == "" {
		return nil, errors.Join(billing.ErrInvalidPayload, errors.New("event id is required"))
	}
	log := r.log.With(
		logger.EventID(ev.ID),
		logger.EventType(string(ev.Type)),
		logger.Provider(ev.Provider),
	)

	var (
		out *Outcome
		err error
	)
	switch ev.Type {
	case billing.EventSubscriptionCreated:
		out, err = r.subscriptionCreated(ctx, log, ev)
	case billing.EventSubscriptionUpdated:
		out, err = r.subscriptionUpdated(ctx, log, ev)
	case billing.EventSubscriptionDeleted:
		out, err = r.subscriptionDeleted(ctx, log, ev)
	case billing.EventInvoicePaymentSucceeded:
		out, err = r.paymentSucceeded(ctx, log, ev)
	case billing.EventInvoicePaymentFailed:
		out, err = r.paymentFailed(ctx, log, ev)
	case billing.EventCheckoutCompleted:
		out, err = r.checkoutCompleted(ctx, log, ev)
	case billing.EventTrialWillEnd:
		out, err = r.notifyOnly(ctx, log, ev, notify.KindTrialWillEnd)
	case billing.EventPaymentActionRequired:
		out, err = r.notifyOnly(ctx, log, ev, notify.KindPaymentActionRequired)
	case billing.EventCustomerUpdated:
		out, err = r.customerUpdated(ctx, log, ev)
	default:
		log.DebugContext(ctx, "ignoring billing event", slog.String("provider_type", ev.ProviderType))
		return ignored(uuid.Nil, "unhandled event type"), nil
	}

	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			metrics.RecordReconcileConflict(string(ev.Type))
			log.WarnContext(ctx, "stale billing event rejected",
				logger.TenantID(conflict.TenantID),
				slog.Time("occurred_at", conflict.OccurredAt),
				slog.Time("last_applied_at", conflict.LastApplied),
			)
		}
		return out, err
	}

	if out.Status == StatusApplied && out.TenantID != uuid.Nil {
		if err := r.Reconverge(ctx, out.TenantID); err != nil {
			r.deferReconverge(ctx, log, out.TenantID, err)
		}
	}
	return out, nil
}

// deferReconverge queues a retry of a reconvergence that failed after the
// event was committed. Replaying the event instead would repeat its
// notifications.
func (r *Reconciler) deferReconverge(ctx context.Context, log *slog.Logger, id uuid.UUID, cause error) {
	log = log.With(logger.TenantID(id))
	log.WarnContext(ctx, "reconverge failed, queueing retry", logger.Error(cause))
	if err := r.outbox.Enqueue(ctx, ReconvergeTenant{TenantID: id}, queue.WithPriority(queue.PriorityHigh)); err != nil {
		log.ErrorContext(ctx, "failed to queue reconverge, resources stay out of date until the next event",
			logger.Error(errors.Join(cause, err)))
	}
}

func (r *Reconciler) subscriptionCreated(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, false)
	if err != nil {
		return nil, err
	}
	plan := r.resolvePlan(ctx, log, ev)

	after, ok, err := r.transition(ctx, ev, t.ID, change{
		event:          entryEvent(plan),
		tier:           plan.Code,
		subscriptionID: ev.SubscriptionID,
		customerID:     ev.CustomerID,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored(t.ID, "no lifecycle transition"), nil
	}

	start := ev.PeriodStart
	if start.IsZero() {
		start = ev.OccurredAt
	}
	if err := r.periods.StartPeriod(ctx, after.ID, start); err != nil {
		return nil, fmt.Errorf("start usage period: %w", err)
	}

	log.InfoContext(ctx, "subscription created",
		logger.TenantID(after.ID),
		logger.PlanTier(string(after.PlanTier)),
		slog.String("status", string(after.Status)),
	)
	return applied(after.ID), nil
}

func (r *Reconciler) subscriptionUpdated(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, true)
	if err != nil {
		return nil, err
	}

	current := r.planFor(t)
	target := current
	if ev.PriceID != "" {
		target = r.resolvePlan(ctx, log, ev)
	}

	after, ok, err := r.transition(ctx, ev, t.ID, change{
		event:          statusEvent(ev.Status, target),
		tier:           target.Code,
		subscriptionID: ev.SubscriptionID,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored(t.ID, "no lifecycle transition"), nil
	}

	if diff := plans.CompareEntitlements(current, target); len(diff.Added)+len(diff.Removed) > 0 {
		log.InfoContext(ctx, "plan entitlements changed",
			logger.TenantID(after.ID),
			slog.Any("added", diff.Added),
			slog.Any("removed", diff.Removed),
		)
	}
	log.InfoContext(ctx, "subscription updated",
		logger.TenantID(after.ID),
		logger.PlanTier(string(after.PlanTier)),
		slog.String("status", string(after.Status)),
	)
	return applied(after.ID), nil
}

func (r *Reconciler) subscriptionDeleted(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, true)
	if err != nil {
		return nil, err
	}

	after, ok, err := r.transition(ctx, ev, t.ID, change{
		event: Cancel,
		tier:  r.catalog.Lowest().Code,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored(t.ID, "no lifecycle transition"), nil
	}

	r.notify(ctx, log, notify.Notification{TenantID: after.ID, Kind: notify.KindSubscriptionCanceled})
	log.InfoContext(ctx, "subscription canceled", logger.TenantID(after.ID))
	return applied(after.ID), nil
}

func (r *Reconciler) paymentSucceeded(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, true)
	if err != nil {
		return nil, err
	}
	after, ok, err := r.transition(ctx, ev, t.ID, change{event: Activate})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored(t.ID, "no lifecycle transition"), nil
	}
	log.InfoContext(ctx, "payment succeeded", logger.TenantID(after.ID), slog.String("status", string(after.Status)))
	return applied(after.ID), nil
}

// paymentFailed marks the tenant past due. The tier is kept so service is
// not cut while the provider retries the charge.
func (r *Reconciler) paymentFailed(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, true)
	if err != nil {
		return nil, err
	}
	after, ok, err := r.transition(ctx, ev, t.ID, change{event: MarkPastDue})
	if err != nil {
		return nil, err
	}
	if !ok {
		return ignored(t.ID, "no lifecycle transition"), nil
	}

	r.notify(ctx, log, notify.Notification{
		TenantID: after.ID,
		Kind:     notify.KindPaymentFailed,
		URL:      ev.Metadata["invoice_url"],
	})
	log.WarnContext(ctx, "payment failed", logger.TenantID(after.ID))
	return applied(after.ID), nil
}

func (r *Reconciler) notifyOnly(ctx context.Context, log *slog.Logger, ev *billing.Event, kind notify.Kind) (*Outcome, error) {
	t, err := r.resolve(ctx, ev, true)
	if err != nil {
		return nil, err
	}
	if err := r.outbox.Enqueue(ctx, notify.Notification{
		TenantID: t.ID,
		Kind:     kind,
		URL:      ev.Metadata["invoice_url"],
	}, queue.WithPriority(queue.PriorityLow)); err != nil {
		return nil, fmt.Errorf("enqueue %s notification: %w", kind, err)
	}
	log.InfoContext(ctx, "billing notification queued", logger.TenantID(t.ID), slog.String("kind", string(kind)))
	return applied(t.ID), nil
}

// customerUpdated syncs the owner email. It does not take part in event
// ordering: profile data has no lifecycle meaning.
func (r *Reconciler) customerUpdated(ctx context.Context, log *slog.Logger, ev *billing.Event) (*Outcome, error) {
	email := tenant.NormalizeEmail(ev.CustomerEmail)
	if ev.CustomerID == "" || email == "" {
		return ignored(uuid.Nil, "no customer email"), nil
	}
	t, err := r.tenants.GetByCustomerID(ctx, ev.CustomerID)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return ignored(uuid.Nil, "unknown customer"), nil
	}
	if err != nil {
		return nil, err
	}

	var changed bool
	_, err = r.tenants.Update(ctx, t.ID, func(t *tenant.Tenant) error {
		if t.Email == email {
			return tenant.ErrNoChange
		}
		t.Email = email
		changed = true
		return nil
	})
	switch {
	case errors.Is(err, tenant.ErrDuplicate):
		log.WarnContext(ctx, "customer email already belongs to another tenant", logger.TenantID(t.ID))
		return ignored(t.ID, "email taken"), nil
	case err != nil:
		return nil, err
	case !changed:
		return ignored(t.ID, "email unchanged"), nil
	}
	log.InfoContext(ctx, "customer email synced", logger.TenantID(t.ID))
	return applied(t.ID), nil
}

// change is the mutation an event asks for. Empty fields are kept.
type change struct {
	event          Lifecycle
	tier           plans.Tier
	subscriptionID string
	customerID     string
}

// transition applies c to the tenant under the ordering guard. ok is false
// when the lifecycle has no edge for the event from the current status, in
// which case nothing is written.
func (r *Reconciler) transition(ctx context.Context, ev *billing.Event, id uuid.UUID, c change) (after *tenant.Tenant, ok bool, err error) {
	after, err = r.tenants.Update(ctx, id, func(t *tenant.Tenant) error {
		ok = false
		if !t.LastAppliedEventAt.IsZero() && ev.OccurredAt.Before(t.LastAppliedEventAt) {
			return &ConflictError{
				TenantID:    t.ID,
				EventID:     ev.ID,
				EventType:   ev.Type,
				OccurredAt:  ev.OccurredAt,
				LastApplied: t.LastAppliedEventAt,
			}
		}
		if c.event != "" {
			next, err := lifecycle.Fire(t.Status, c.event)
			if statemachine.IsNoTransitionAvailableError(err) {
				return tenant.ErrNoChange
			}
			if err != nil {
				return err
			}
			t.Status = next
		}
		if c.tier != "" {
			t.PlanTier = c.tier
		}
		if c.subscriptionID != "" {
			t.SubscriptionID = c.subscriptionID
		}
		if c.customerID != "" && t.CustomerID == "" {
			t.CustomerID = c.customerID
		}
		t.LastAppliedEventAt = ev.OccurredAt
		ok = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return after, ok, nil
}

// resolve finds the tenant an event belongs to. Subscription events look up
// the subscription reference first; the customer reference and a tenant id
// in the metadata are fallbacks.
func (r *Reconciler) resolve(ctx context.Context, ev *billing.Event, subscriptionFirst bool) (*tenant.Tenant, error) {
	type lookup struct {
		ref string
		get func(context.Context, string) (*tenant.Tenant, error)
	}
	bySubscription := lookup{ev.SubscriptionID, r.tenants.GetBySubscriptionID}
	byCustomer := lookup{ev.CustomerID, r.tenants.GetByCustomerID}
	order := []lookup{byCustomer, bySubscription}
	if subscriptionFirst {
		order = []lookup{bySubscription, byCustomer}
	}

	for _, l := range order {
		if l.ref == "" {
			continue
		}
		t, err := l.get(ctx, l.ref)
		if err == nil {
			return t, nil
		}
		if !errors.Is(err, tenant.ErrTenantNotFound) {
			return nil, err
		}
	}

	if t, err := r.byMetadata(ctx, ev); err != nil || t != nil {
		return t, err
	}
	return nil, fmt.Errorf("%w: customer %q, subscription %q", ErrUnresolvedTenant, ev.CustomerID, ev.SubscriptionID)
}

// byMetadata returns the tenant named by the tenant_id metadata key that
// checkout sessions started for an existing tenant carry. Nil when absent.
func (r *Reconciler) byMetadata(ctx context.Context, ev *billing.Event) (*tenant.Tenant, error) {
	id, err := uuid.Parse(ev.Metadata[MetadataTenantID])
	if err != nil {
		return nil, nil
	}
	t, err := r.tenants.GetByID(ctx, id)
	if errors.Is(err, tenant.ErrTenantNotFound) {
		return nil, nil
	}
	return t, err
}

// resolvePlan maps the event's price to a plan, falling back to the lowest
// tier for unknown prices.
func (r *Reconciler) resolvePlan(ctx context.Context, log *slog.Logger, ev *billing.Event) plans.Plan {
	plan, known := r.catalog.Resolve(ev.PriceID)
	if !known {
		metrics.RecordPlanFallback(string(ev.Type))
		log.WarnContext(ctx, "unknown price id, falling back to lowest tier",
			slog.String("price_id", ev.PriceID),
			logger.PlanTier(string(plan.Code)),
		)
	}
	return plan
}

func (r *Reconciler) planFor(t *tenant.Tenant) plans.Plan {
	plan, err := r.catalog.Tier(t.PlanTier)
	if err != nil {
		return r.catalog.Lowest()
	}
	return plan
}

// notify queues an email. A failure is logged and does not undo the
// committed state change.
func (r *Reconciler) notify(ctx context.Context, log *slog.Logger, n notify.Notification) {
	if err := r.outbox.Enqueue(ctx, n, queue.WithPriority(queue.PriorityLow)); err != nil {
		log.ErrorContext(ctx, "failed to queue notification",
			logger.TenantID(n.TenantID),
			slog.String("kind", string(n.Kind)),
			logger.Error(err),
		)
	}
}
