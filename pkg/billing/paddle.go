package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"

	"github.com/dmitrymomot/billingkit/pkg/retry"
)

const paddleName = "paddle"

var paddleTimestamp = regexp.MustCompile(`(?:^|;)ts=(\d+)`)

// PaddleProvider implements Provider on Paddle Billing. Customer creation and
// subscription management happen in Paddle's hosted checkout and portal, so
// those calls return ErrNotSupported.
type PaddleProvider struct {
	client    *paddle.SDK
	verifier  *paddle.WebhookVerifier
	tolerance time.Duration
	now       func() time.Time
}

var _ Provider = (*PaddleProvider)(nil)

func NewPaddleProvider(cfg PaddleConfig) (*PaddleProvider, error) {
	if cfg.APIKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingConfig, errors.New("paddle api key and webhook secret are required"))
	}

	var (
		client *paddle.SDK
		err    error
	)
	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = 5 * time.Minute
	}
	return &PaddleProvider{
		client:    client,
		verifier:  paddle.NewWebhookVerifier(cfg.WebhookSecret),
		tolerance: tolerance,
		now:       time.Now,
	}, nil
}

func (p *PaddleProvider) Name() string { return paddleName }

type paddleEnvelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

type paddleData struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
	Email          string `json:"email"`
	Name           string `json:"name"`
	Items          []struct {
		PriceID string `json:"price_id"`
		Price   struct {
			ID string `json:"id"`
		} `json:"price"`
	} `json:"items"`
	CurrentBillingPeriod *struct {
		StartsAt time.Time `json:"starts_at"`
	} `json:"current_billing_period"`
	CustomData map[string]any `json:"custom_data"`
}

// ParseEvent verifies the Paddle-Signature header, rejects signatures older
// than the tolerance and normalizes the notification.
func (p *PaddleProvider) ParseEvent(ctx context.Context, payload []byte, header http.Header) (*Event, error) {
	signature := header.Get("Paddle-Signature")
	if err := p.checkTimestamp(signature); err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhooks/paddle", bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	req.Header.Set("Paddle-Signature", signature)
	valid, err := p.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	return parsePaddlePayload(payload)
}

func (p *PaddleProvider) checkTimestamp(signature string) error {
	m := paddleTimestamp.FindStringSubmatch(signature)
	if m == nil {
		return errors.New("signature timestamp missing")
	}
	ts, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return err
	}
	age := p.now().Sub(time.Unix(ts, 0))
	if age > p.tolerance || age < -p.tolerance {
		return fmt.Errorf("signature timestamp outside tolerance: %s", age.Round(time.Second))
	}
	return nil
}

func parsePaddlePayload(payload []byte) (*Event, error) {
	var env paddleEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, errors.Join(ErrInvalidPayload, errors.New("event id or type missing"))
	}
	var data paddleData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
	}

	ev := &Event{
		ID:           env.EventID,
		Provider:     paddleName,
		ProviderType: env.EventType,
		Type:         mapPaddleEventType(env.EventType),
		OccurredAt:   env.OccurredAt.UTC(),
		CustomerID:   data.CustomerID,
		Raw:          json.RawMessage(payload),
		Metadata:     stringMap(data.CustomData),
	}
	if ev.Metadata != nil {
		ev.CustomerEmail = ev.Metadata["email"]
	}
	for _, item := range data.Items {
		if item.Price.ID != "" {
			ev.PriceID = item.Price.ID
			break
		}
		if item.PriceID != "" {
			ev.PriceID = item.PriceID
			break
		}
	}

	switch {
	case strings.HasPrefix(env.EventType, "subscription."):
		ev.SubscriptionID = data.ID
		ev.Status = mapPaddleStatus(data.Status)
		if data.CurrentBillingPeriod != nil {
			ev.PeriodStart = data.CurrentBillingPeriod.StartsAt.UTC()
		}
	case strings.HasPrefix(env.EventType, "transaction."):
		ev.SubscriptionID = data.SubscriptionID
	case strings.HasPrefix(env.EventType, "customer."):
		ev.CustomerID = data.ID
		ev.CustomerEmail = data.Email
		ev.CustomerName = data.Name
	}
	return ev, nil
}

func mapPaddleEventType(t string) EventType {
	switch t {
	case "subscription.created":
		return EventSubscriptionCreated
	case "subscription.updated", "subscription.activated", "subscription.resumed",
		"subscription.paused", "subscription.past_due", "subscription.trialing":
		return EventSubscriptionUpdated
	case "subscription.canceled":
		return EventSubscriptionDeleted
	case "transaction.completed":
		return EventCheckoutCompleted
	case "transaction.paid":
		return EventInvoicePaymentSucceeded
	case "transaction.payment_failed":
		return EventInvoicePaymentFailed
	case "transaction.past_due":
		return EventPaymentActionRequired
	case "customer.updated":
		return EventCustomerUpdated
	}
	return EventType(t)
}

func mapPaddleStatus(s string) SubscriptionStatus {
	switch strings.ToLower(s) {
	case "cancelled":
		return SubscriptionCanceled
	case "":
		return ""
	}
	return SubscriptionStatus(strings.ToLower(s))
}

func stringMap(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func (p *PaddleProvider) CreateCustomer(context.Context, string, string, map[string]string) (string, error) {
	return "", ErrNotSupported
}

// CreateCheckoutSession creates a transaction whose checkout URL is the
// hosted payment page.
func (p *PaddleProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, retry.Permanent(paddleName, "create_checkout", errors.New("price id is required"))
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  req.PriceID,
		Quantity: 1,
	})
	custom := paddle.CustomData{}
	for k, v := range req.Metadata {
		custom[k] = v
	}
	if req.CustomerEmail != "" {
		custom["email"] = req.CustomerEmail
	}
	if req.CustomerID != "" {
		custom["customer_id"] = req.CustomerID
	}
	txReq := &paddle.CreateTransactionRequest{
		Items:      []paddle.CreateTransactionItems{*item},
		CustomData: custom,
	}
	if req.SuccessURL != "" {
		txReq.Checkout = &paddle.TransactionCheckout{URL: paddle.PtrTo(req.SuccessURL)}
	}

	tx, err := p.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return nil, retry.Temporary(paddleName, "create_checkout", err)
	}
	if tx.Checkout == nil || tx.Checkout.URL == nil {
		return nil, retry.Permanent(paddleName, "create_checkout", errors.New("no checkout url returned"))
	}
	return &CheckoutSession{ID: tx.ID, URL: *tx.Checkout.URL}, nil
}

func (p *PaddleProvider) CreatePortalSession(ctx context.Context, customerID, _ string) (string, error) {
	session, err := p.client.CustomerPortalSessionsClient.CreateCustomerPortalSession(ctx,
		&paddle.CreateCustomerPortalSessionRequest{CustomerID: customerID})
	if err != nil {
		return "", retry.Temporary(paddleName, "create_portal", err)
	}
	if session.URLs.General.Overview == "" {
		return "", retry.Permanent(paddleName, "create_portal", errors.New("no portal url returned"))
	}
	return session.URLs.General.Overview, nil
}

func (p *PaddleProvider) GetSubscription(context.Context, string) (*Subscription, error) {
	return nil, ErrNotSupported
}

func (p *PaddleProvider) CancelSubscription(context.Context, string, bool) (*Subscription, error) {
	return nil, ErrNotSupported
}

func (p *PaddleProvider) ChangeSubscriptionPrice(context.Context, string, string) (*Subscription, error) {
	return nil, ErrNotSupported
}
