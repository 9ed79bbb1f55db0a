// Package metrics holds the Prometheus collectors of the billing engine.
// Collectors register with the default registry on import; the serve command
// exposes them on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Webhook outcomes.
const (
	OutcomeApplied          = "applied"
	OutcomeDuplicate        = "duplicate"
	OutcomeIgnored          = "ignored"
	OutcomeStale            = "stale"
	OutcomeFailed           = "failed"
	OutcomeInvalidSignature = "invalid_signature"
	OutcomeInvalidPayload   = "invalid_payload"
)

var (
	WebhookEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_webhook_events_total",
			Help: "Billing events received by provider, event type and outcome",
		},
		[]string{"provider", "type", "outcome"},
	)

	WebhookDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "billingkit_webhook_duration_seconds",
			Help:    "Time spent handling a billing event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider"},
	)

	PlanFallbackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_plan_fallback_total",
			Help: "Price ids or tier codes that fell back to the lowest tier",
		},
		[]string{"source"},
	)

	ReconcileConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_reconcile_conflicts_total",
			Help: "Billing events rejected by the ordering guard",
		},
		[]string{"type"},
	)

	UsageIncrementsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_usage_increments_total",
			Help: "Units of usage accepted by metric and tier",
		},
		[]string{"metric", "tier"},
	)

	UsageRejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_usage_rejections_total",
			Help: "Usage increments rejected by a limit",
		},
		[]string{"metric", "tier", "cadence"},
	)

	UsageWarningsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_usage_warnings_total",
			Help: "Usage threshold warnings emitted",
		},
		[]string{"metric", "level"},
	)

	ProvisioningTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_provisioning_total",
			Help: "Provisioning attempts by resource kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	ProvisioningLeaksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_provisioning_leaks_total",
			Help: "Acquired resources whose compensating release failed",
		},
		[]string{"kind"},
	)

	OutboxTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_outbox_tasks_total",
			Help: "Outbox tasks handled by task name and outcome",
		},
		[]string{"task", "outcome"},
	)

	ProviderCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billingkit_provider_calls_total",
			Help: "Calls to external providers by operation and outcome",
		},
		[]string{"provider", "op", "outcome"},
	)

	LedgerPrunedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "billingkit_ledger_pruned_total",
			Help: "Idempotency ledger entries removed after the retention window",
		},
	)
)

// RecordWebhook records a handled billing event.
func RecordWebhook(provider, eventType, outcome string, took time.Duration) {
	if eventType == "" {
		eventType = "unknown"
	}
	WebhookEventsTotal.WithLabelValues(provider, eventType, outcome).Inc()
	WebhookDuration.WithLabelValues(provider).Observe(took.Seconds())
}

// RecordPlanFallback records a lookup that resolved to the lowest tier.
func RecordPlanFallback(source string) {
	PlanFallbackTotal.WithLabelValues(source).Inc()
}

// RecordReconcileConflict records a stale event.
func RecordReconcileConflict(eventType string) {
	ReconcileConflictsTotal.WithLabelValues(eventType).Inc()
}

// RecordUsage records accepted usage.
func RecordUsage(metric, tier string, amount int64) {
	UsageIncrementsTotal.WithLabelValues(metric, tier).Add(float64(amount))
}

// RecordUsageRejected records an increment refused by a limit.
func RecordUsageRejected(metric, tier, cadence string) {
	UsageRejectionsTotal.WithLabelValues(metric, tier, cadence).Inc()
}

// RecordUsageWarning records a threshold warning.
func RecordUsageWarning(metric, level string) {
	UsageWarningsTotal.WithLabelValues(metric, level).Inc()
}

// RecordProvisioning records a provisioning attempt.
func RecordProvisioning(kind, outcome string) {
	ProvisioningTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordProvisioningLeak records a resource that could not be released.
func RecordProvisioningLeak(kind string) {
	ProvisioningLeaksTotal.WithLabelValues(kind).Inc()
}

// RecordOutboxTask records an outbox task outcome.
func RecordOutboxTask(task, outcome string) {
	OutboxTasksTotal.WithLabelValues(task, outcome).Inc()
}

// RecordProviderCall records an external provider call.
func RecordProviderCall(provider, op string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	ProviderCallsTotal.WithLabelValues(provider, op, outcome).Inc()
}

// RecordLedgerPruned records pruned ledger entries.
func RecordLedgerPruned(n int64) {
	LedgerPrunedTotal.Add(float64(n))
}
