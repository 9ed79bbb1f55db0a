// Package ingress receives billing webhooks, drops duplicates and hands
// verified events to the reconciler.
package ingress

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/metrics"
	"github.com/dmitrymomot/billingkit/svc/reconciler"
)

// Applier is the part of the reconciler ingress drives.
type Applier interface {
	Apply(ctx context.Context, ev *billing.Event) (*reconciler.Outcome, error)
	ReconvergeFor(ctx context.Context, ev *billing.Event) error
	EnqueueReplay(ctx context.Context, ev *billing.Event) error
}

// Status is the acknowledged outcome of one delivery.
type Status string

const (
	StatusApplied          Status = "applied"
	StatusIgnored          Status = "ignored"
	StatusDuplicate        Status = "duplicate"
	StatusStale            Status = "stale"
	StatusRejected         Status = "rejected"
	StatusProcessingFailed Status = "processing_failed"
)

// Result describes an acknowledged delivery.
type Result struct {
	EventID   string
	EventType billing.EventType
	TenantID  uuid.UUID
	Status    Status
	Duplicate bool
}

// Ingress processes deliveries from one billing provider.
type Ingress struct {
	parser  billing.EventParser
	ledger  idempotency.Ledger
	applier Applier
	log     *slog.Logger
}

type Option func(*Ingress)

func WithLogger(l *slog.Logger) Option {
	return func(in *Ingress) {
		if l != nil {
			in.log = l
		}
	}
}

// New panics if a dependency is nil.
func New(parser billing.EventParser, ledger idempotency.Ledger, applier Applier, opts ...Option) *Ingress {
	if parser == nil || ledger == nil || applier == nil {
		panic("ingress: parser, ledger and applier are required")
	}
	in := &Ingress{
		parser:  parser,
		ledger:  ledger,
		applier: applier,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.log = in.log.With(logger.Component("ingress"), logger.Provider(parser.Name()))
	return in
}

// Provider names the billing provider this ingress accepts.
func (in *Ingress) Provider() string { return in.parser.Name() }

// Handle verifies and applies one delivery. Errors are returned only when
// the delivery must not be acknowledged: a failed authenticity check
// (billing.ErrInvalidSignature), an unparsable payload
// (billing.ErrInvalidPayload) or an unavailable ledger. Processing failures
// after that point are acknowledged and replayed through the outbox.
func (in *Ingress) Handle(ctx context.Context, payload []byte, header http.Header) (*Result, error) {
	start := time.Now()

	ev, err := in.parser.ParseEvent(ctx, payload, header)
	if err != nil {
		outcome := metrics.OutcomeInvalidPayload
		if errors.Is(err, billing.ErrInvalidSignature) {
			outcome = metrics.OutcomeInvalidSignature
		}
		metrics.RecordWebhook(in.parser.Name(), "unknown", outcome, time.Since(start))
		in.log.WarnContext(ctx, "webhook rejected", slog.String("outcome", outcome), logger.Error(err))
		return nil, err
	}

	log := in.log.With(logger.EventID(ev.ID), logger.EventType(string(ev.Type)))
	res := &Result{EventID: ev.ID, EventType: ev.Type}

	first, err := in.ledger.MarkSeen(ctx, ev.ID)
	if err != nil {
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeFailed, time.Since(start))
		log.ErrorContext(ctx, "idempotency ledger unavailable", logger.Error(err))
		return nil, err
	}

	if !first {
		res.Status, res.Duplicate = StatusDuplicate, true
		if err := in.applier.ReconvergeFor(ctx, ev); err != nil {
			log.ErrorContext(ctx, "failed to reconverge duplicate event", logger.Error(err))
		}
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeDuplicate, time.Since(start))
		log.DebugContext(ctx, "duplicate billing event acknowledged")
		return res, nil
	}

	out, err := in.applier.Apply(ctx, ev)
	if out != nil {
		res.TenantID = out.TenantID
	}
	var conflict *reconciler.ConflictError
	switch {
	case err == nil && out.Status == reconciler.StatusIgnored:
		res.Status = StatusIgnored
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeIgnored, time.Since(start))
		log.InfoContext(ctx, "billing event ignored", slog.String("reason", out.Reason))

	case err == nil:
		res.Status = StatusApplied
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeApplied, time.Since(start))

	case errors.As(err, &conflict):
		res.Status, res.TenantID = StatusStale, conflict.TenantID
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeStale, time.Since(start))

	case errors.Is(err, billing.ErrInvalidPayload):
		res.Status = StatusRejected
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeInvalidPayload, time.Since(start))
		log.WarnContext(ctx, "billing event cannot be applied", logger.Error(err))

	default:
		res.Status = StatusProcessingFailed
		metrics.RecordWebhook(ev.Provider, string(ev.Type), metrics.OutcomeFailed, time.Since(start))
		log.ErrorContext(ctx, "failed to apply billing event, queueing replay", logger.Error(err))
		in.replay(ctx, log, ev)
	}
	return res, nil
}

// replay queues ev for the worker. When even that fails the ledger entry is
// dropped so the provider's own redelivery applies the event.
func (in *Ingress) replay(ctx context.Context, log *slog.Logger, ev *billing.Event) {
	err := in.applier.EnqueueReplay(ctx, ev)
	if err == nil {
		return
	}
	log.ErrorContext(ctx, "failed to queue event replay", logger.Error(err))
	if err := in.ledger.Forget(context.WithoutCancel(ctx), ev.ID); err != nil {
		log.ErrorContext(ctx, "failed to forget event id, redelivery will be dropped", logger.Error(err))
	}
}
