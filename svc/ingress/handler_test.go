package ingress_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v76/webhook"
	"golang.org/x/crypto/bcrypt"

	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/httpserver"
	"github.com/dmitrymomot/billingkit/pkg/idempotency"
	"github.com/dmitrymomot/billingkit/pkg/logger"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/provisioning"
	"github.com/dmitrymomot/billingkit/pkg/queue"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
	"github.com/dmitrymomot/billingkit/pkg/usage"
	"github.com/dmitrymomot/billingkit/svc/ingress"
	"github.com/dmitrymomot/billingkit/svc/reconciler"
)

const webhookSecret = "whsec_test"

type stripeStack struct {
	router  http.Handler
	tenants *tenant.MemoryStore
	outbox  *queue.MemoryStorage
	owner   *tenant.Tenant
}

func newStripeStack(t *testing.T) *stripeStack {
	t.Helper()
	ctx := context.Background()

	catalog, err := plans.Load(plans.Config{PriceIDs: map[string]string{"starter": "price_starter"}})
	require.NoError(t, err)

	s := &stripeStack{tenants: tenant.NewMemoryStore(), outbox: queue.NewMemoryStorage()}
	s.owner = &tenant.Tenant{
		Email:      "owner@example.com",
		Name:       "Owner",
		Slug:       "owner",
		PlanTier:   plans.TierTrial,
		Status:     tenant.StatusTrialing,
		CustomerID: "cus_1",
	}
	require.NoError(t, s.tenants.Create(ctx, s.owner))

	stripeProvider, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:        "sk_test_123",
		WebhookSecret:    webhookSecret,
		WebhookTolerance: 5 * time.Minute,
	})
	require.NoError(t, err)

	enq, err := queue.NewEnqueuer(s.outbox)
	require.NoError(t, err)
	meter := usage.NewMeter(s.tenants, catalog, usage.NewMemoryStore(), usage.WithLogger(logger.Discard()))
	dispatcher := provisioning.NewDispatcher(provisioning.NewMemoryStore(),
		provisioning.WithProvider(provisioning.KindPhoneNumber, provisioning.NewMemoryProvider("+15550000001")),
		provisioning.WithLogger(logger.Discard()),
	)
	rec := reconciler.New(s.tenants, catalog, meter, dispatcher, enq,
		reconciler.WithLogger(logger.Discard()),
		reconciler.WithBcryptCost(bcrypt.MinCost),
	)
	in := ingress.New(stripeProvider, idempotency.NewMemoryLedger(time.Hour), rec, ingress.WithLogger(logger.Discard()))

	r := httpserver.NewRouter(logger.Discard())
	ingress.NewHandler(logger.Discard(), in).Routes(r)
	s.router = r
	return s
}

func (s *stripeStack) post(t *testing.T, provider, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/"+provider, strings.NewReader(body))
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func sign(payload string) http.Header {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    webhookSecret,
		Timestamp: time.Now(),
	})
	h := http.Header{}
	h.Set("Stripe-Signature", signed.Header)
	return h
}

func subscriptionUpdated(id string, created int64, price string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","api_version":"2023-10-16","created":%d,
"type":"customer.subscription.updated","data":{"object":{"id":"sub_1","object":"subscription",
"customer":"cus_1","status":"active","current_period_start":%d,
"items":{"object":"list","data":[{"id":"si_1","object":"subscription_item","price":{"id":%q,"object":"price"}}]}}}}`,
		id, created, created, price)
}

func TestWebhookHandler_Stripe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newStripeStack(t)

	payload := subscriptionUpdated("evt_1", 1700000000, "price_starter")
	rec := s.post(t, "stripe", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())

	got, err := s.tenants.GetByID(ctx, s.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, plans.TierStarter, got.PlanTier)
	assert.Equal(t, tenant.StatusActive, got.Status)
	assert.Equal(t, "sub_1", got.SubscriptionID)
	require.Len(t, s.outbox.ListTasks("reconciler.ProvisionResource"), 1)

	// A redelivery is acknowledged without a second application.
	rec = s.post(t, "stripe", payload, sign(payload))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true}`, rec.Body.String())
	again, err := s.tenants.GetByID(ctx, s.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)

	// An older event with a new id is acknowledged but changes nothing.
	older := subscriptionUpdated("evt_0", 1690000000, "price_unknown")
	rec = s.post(t, "stripe", older, sign(older))
	require.Equal(t, http.StatusOK, rec.Code)
	stale, err := s.tenants.GetByID(ctx, s.owner.ID)
	require.NoError(t, err)
	assert.Equal(t, plans.TierStarter, stale.PlanTier)
}

func TestWebhookHandler_Rejections(t *testing.T) {
	t.Parallel()
	s := newStripeStack(t)
	payload := subscriptionUpdated("evt_1", 1700000000, "price_starter")

	t.Run("bad signature", func(t *testing.T) {
		t.Parallel()
		h := http.Header{}
		h.Set("Stripe-Signature", "t=1,v1=deadbeef")
		rec := s.post(t, "stripe", payload, h)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid_signature"}`, rec.Body.String())
	})

	t.Run("unknown provider", func(t *testing.T) {
		t.Parallel()
		rec := s.post(t, "braintree", payload, sign(payload))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("body over the cap", func(t *testing.T) {
		t.Parallel()
		rec := s.post(t, "stripe", strings.Repeat("x", ingress.MaxBodySize+1), http.Header{})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.JSONEq(t, `{"error":"invalid_body"}`, rec.Body.String())
	})
}

func TestWebhookHandler_ProcessingFailedIsAcknowledged(t *testing.T) {
	t.Parallel()

	applier := &fakeApplier{applyErr: errors.New("connection reset")}
	in := ingress.New(stubParser{ev: testEvent()}, idempotency.NewMemoryLedger(time.Hour), applier,
		ingress.WithLogger(logger.Discard()))
	r := httpserver.NewRouter(logger.Discard())
	ingress.NewHandler(logger.Discard(), in).Routes(r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stub", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"received":true,"status":"processing_failed"}`, rec.Body.String())
	assert.Len(t, applier.replayed, 1)

	broken := ingress.New(stubParser{ev: testEvent()}, brokenLedger{}, applier, ingress.WithLogger(logger.Discard()))
	r = httpserver.NewRouter(logger.Discard())
	ingress.NewHandler(nil, broken).Routes(r)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stub", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
