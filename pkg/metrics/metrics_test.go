package metrics_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/dmitrymomot/billingkit/pkg/metrics"
)

func TestRecordWebhook(t *testing.T) {
	t.Parallel()

	c := metrics.WebhookEventsTotal.WithLabelValues("test-webhook", "unknown", metrics.OutcomeIgnored)
	before := testutil.ToFloat64(c)
	metrics.RecordWebhook("test-webhook", "", metrics.OutcomeIgnored, 5*time.Millisecond)
	assert.InDelta(t, before+1, testutil.ToFloat64(c), 0.0001)
}

func TestRecordUsage(t *testing.T) {
	t.Parallel()

	c := metrics.UsageIncrementsTotal.WithLabelValues("test-metric", "trial")
	before := testutil.ToFloat64(c)
	metrics.RecordUsage("test-metric", "trial", 3)
	assert.InDelta(t, before+3, testutil.ToFloat64(c), 0.0001)
}

func TestRecordProviderCall(t *testing.T) {
	t.Parallel()

	ok := metrics.ProviderCallsTotal.WithLabelValues("test-provider", "op", "success")
	failed := metrics.ProviderCallsTotal.WithLabelValues("test-provider", "op", "error")
	okBefore, failedBefore := testutil.ToFloat64(ok), testutil.ToFloat64(failed)

	metrics.RecordProviderCall("test-provider", "op", nil)
	metrics.RecordProviderCall("test-provider", "op", errors.New("boom"))

	assert.InDelta(t, okBefore+1, testutil.ToFloat64(ok), 0.0001)
	assert.InDelta(t, failedBefore+1, testutil.ToFloat64(failed), 0.0001)
}

func TestRecordersDoNotPanic(t *testing.T) {
	t.Parallel()

	assert.NotPanics(t, func() {
		metrics.RecordPlanFallback("test")
		metrics.RecordReconcileConflict("test")
		metrics.RecordUsageRejected("test", "trial", "monthly")
		metrics.RecordUsageWarning("test", "soft_warning")
		metrics.RecordProvisioning("test", "success")
		metrics.RecordProvisioningLeak("test")
		metrics.RecordOutboxTask("test", "processed")
		metrics.RecordLedgerPruned(2)
	})
}
