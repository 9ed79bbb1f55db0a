package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/email"
	"github.com/dmitrymomot/billingkit/pkg/email/templates"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/pkg/usage"
)

// TenantReader loads the notification recipient.
type TenantReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*tenant.Tenant, error)
}

// Enqueuer stores outbox tasks.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload any, opts ...queue.EnqueueOption) error
}

// Notifier turns notifications into outbox tasks and, when the task runs,
// into emails.
type Notifier struct {
	tenants TenantReader
	catalog *plans.Catalog
	sender  email.EmailSender
	outbox  Enqueuer
	log     *slog.Logger
	baseURL string
}

var _ usage.WarningSink = (*Notifier)(nil)

type Option func(*Notifier)

func WithLogger(l *slog.Logger) Option {
	return func(n *Notifier) {
		if l != nil {
			n.log = l
		}
	}
}

// WithBaseURL sets the public app URL used for links when a notification
// carries none.
func WithBaseURL(u string) Option {
	return func(n *Notifier) { n.baseURL = strings.TrimRight(u, "/") }
}

// New panics if a dependency is nil.
func New(tenants TenantReader, catalog *plans.Catalog, sender email.EmailSender, outbox Enqueuer, opts ...Option) *Notifier {
	if tenants == nil || catalog == nil || sender == nil || outbox == nil {
		panic("notify: tenants, catalog, sender and outbox are required")
	}
	n := &Notifier{
		tenants: tenants,
		catalog: catalog,
		sender:  sender,
		outbox:  outbox,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.log = n.log.With(logger.Component("notify"))
	return n
}

// Enqueue stores n in the outbox at low priority.
func (n *Notifier) Enqueue(ctx context.Context, msg Notification) error {
	return n.outbox.Enqueue(ctx, msg, queue.WithPriority(queue.PriorityLow))
}

// UsageWarning implements usage.WarningSink.
func (n *Notifier) UsageWarning(ctx context.Context, w usage.Warning) error {
	return n.Enqueue(ctx, Notification{
		TenantID: w.TenantID,
		Kind:     KindUsageWarning,
		Metric:   string(w.Metric),
		Used:     w.Current,
		Limit:    w.Limit,
		Percent:  w.Percent,
		Level:    w.Level,
	})
}

// Handler processes Notification tasks.
func (n *Notifier) Handler() queue.Handler {
	return queue.NewTaskHandler(func(ctx context.Context, msg Notification) error {
		err := n.Send(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, tenant.ErrTenantNotFound),
			errors.Is(err, templates.ErrUnknownTemplate),
			errors.Is(err, email.ErrInvalidParams):
			return queue.Permanent(err)
		}
		return err
	})
}

// Send renders and sends msg immediately.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	t, err := n.tenants.GetByID(ctx, msg.TenantID)
	if err != nil {
		return fmt.Errorf("load tenant %s: %w", msg.TenantID, err)
	}

	plan, err := n.catalog.Tier(t.PlanTier)
	if err != nil {
		plan = n.catalog.Lowest()
	}

	v := view{
		Name:       t.Name,
		Slug:       t.Slug,
		Plan:       plan.Name,
		URL:        msg.URL,
		Metric:     strings.ReplaceAll(msg.Metric, "_", " "),
		Used:       msg.Used,
		Limit:      msg.Limit,
		Percent:    msg.Percent,
		Cadence:    "month",
		Resource:   strings.ReplaceAll(msg.Resource, "_", " "),
		Descriptor: msg.Descriptor,
	}
	if v.Name == "" {
		v.Name = t.Email
	}
	if v.URL == "" && n.baseURL != "" {
		v.URL = n.baseURL + defaultPath(msg.Kind)
	}

	subject, body, err := templates.Render(string(msg.Kind), v)
	if err != nil {
		return err
	}
	if err := n.sender.SendEmail(ctx, email.SendEmailParams{
		SendTo:   t.Email,
		Subject:  subject,
		BodyHTML: body,
		Tag:      string(msg.Kind),
	}); err != nil {
		return err
	}

	n.log.InfoContext(ctx, "notification sent",
		logger.TenantID(t.ID),
		slog.String("kind", string(msg.Kind)))
	return nil
}

func defaultPath(k Kind) string {
	switch k {
	case KindWelcome, KindResourceProvisioned:
		return "/"
	}
	return "/billing"
}
