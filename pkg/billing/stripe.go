package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/dmitrymomot/billingkit/pkg/retry"
)

const stripeName = "stripe"

// StripeProvider implements Provider on the Stripe API.
type StripeProvider struct {
	api       *client.API
	secret    string
	tolerance time.Duration
}

var _ Provider = (*StripeProvider)(nil)

// NewStripeProvider requires the secret key and the webhook signing secret.
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" || cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrMissingConfig, errors.New("stripe secret key and webhook secret are required"))
	}

	backendCfg := &stripe.BackendConfig{
		MaxNetworkRetries: stripe.Int64(cfg.MaxNetworkRetries),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if cfg.APIURL != "" {
		backendCfg.URL = stripe.String(cfg.APIURL)
	}

	tolerance := cfg.WebhookTolerance
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeProvider{
		api:       client.New(cfg.SecretKey, stripe.NewBackendsWithConfig(backendCfg)),
		secret:    cfg.WebhookSecret,
		tolerance: tolerance,
	}, nil
}

func (p *StripeProvider) Name() string { return stripeName }

// ParseEvent verifies the Stripe-Signature header within the configured
// tolerance and normalizes the event object.
func (p *StripeProvider) ParseEvent(_ context.Context, payload []byte, header http.Header) (*Event, error) {
	if err := webhook.ValidatePayloadWithTolerance(payload, header.Get("Stripe-Signature"), p.secret, p.tolerance); err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	se, err := webhook.ConstructEventWithOptions(payload, header.Get("Stripe-Signature"), p.secret,
		webhook.ConstructEventOptions{Tolerance: p.tolerance, IgnoreAPIVersionMismatch: true})
	if err != nil {
		return nil, errors.Join(ErrInvalidPayload, err)
	}
	if se.ID == "" || se.Data == nil {
		return nil, errors.Join(ErrInvalidPayload, errors.New("event id or data missing"))
	}

	ev := &Event{
		ID:           se.ID,
		Provider:     stripeName,
		ProviderType: string(se.Type),
		Type:         EventType(se.Type),
		OccurredAt:   time.Unix(se.Created, 0).UTC(),
		Raw:          json.RawMessage(payload),
	}

	switch se.Type {
	case stripe.EventTypeCustomerSubscriptionCreated,
		stripe.EventTypeCustomerSubscriptionUpdated,
		stripe.EventTypeCustomerSubscriptionDeleted,
		stripe.EventTypeCustomerSubscriptionTrialWillEnd:
		var sub stripe.Subscription
		if err := json.Unmarshal(se.Data.Raw, &sub); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		ev.Type = map[stripe.EventType]EventType{
			stripe.EventTypeCustomerSubscriptionCreated:      EventSubscriptionCreated,
			stripe.EventTypeCustomerSubscriptionUpdated:      EventSubscriptionUpdated,
			stripe.EventTypeCustomerSubscriptionDeleted:      EventSubscriptionDeleted,
			stripe.EventTypeCustomerSubscriptionTrialWillEnd: EventTrialWillEnd,
		}[se.Type]
		fillFromStripeSubscription(ev, &sub)

	case stripe.EventTypeInvoicePaymentSucceeded,
		stripe.EventTypeInvoicePaymentFailed,
		stripe.EventTypeInvoicePaymentActionRequired:
		var inv stripe.Invoice
		if err := json.Unmarshal(se.Data.Raw, &inv); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		ev.Type = map[stripe.EventType]EventType{
			stripe.EventTypeInvoicePaymentSucceeded:      EventInvoicePaymentSucceeded,
			stripe.EventTypeInvoicePaymentFailed:         EventInvoicePaymentFailed,
			stripe.EventTypeInvoicePaymentActionRequired: EventPaymentActionRequired,
		}[se.Type]
		if inv.Customer != nil {
			ev.CustomerID = inv.Customer.ID
		}
		if inv.Subscription != nil {
			ev.SubscriptionID = inv.Subscription.ID
		}
		ev.CustomerEmail = inv.CustomerEmail
		ev.CustomerName = inv.CustomerName
		if inv.HostedInvoiceURL != "" {
			ev.Metadata = map[string]string{"invoice_url": inv.HostedInvoiceURL}
		}

	case stripe.EventTypeCheckoutSessionCompleted:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(se.Data.Raw, &cs); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		ev.Type = EventCheckoutCompleted
		if cs.Customer != nil {
			ev.CustomerID = cs.Customer.ID
		}
		if cs.Subscription != nil {
			ev.SubscriptionID = cs.Subscription.ID
		}
		ev.CustomerEmail = cs.CustomerEmail
		if cs.CustomerDetails != nil {
			if cs.CustomerDetails.Email != "" {
				ev.CustomerEmail = cs.CustomerDetails.Email
			}
			ev.CustomerName = cs.CustomerDetails.Name
		}
		ev.Metadata = cs.Metadata

	case stripe.EventTypeCustomerUpdated:
		var c stripe.Customer
		if err := json.Unmarshal(se.Data.Raw, &c); err != nil {
			return nil, errors.Join(ErrInvalidPayload, err)
		}
		ev.Type = EventCustomerUpdated
		ev.CustomerID = c.ID
		ev.CustomerEmail = c.Email
		ev.CustomerName = c.Name
		ev.Metadata = c.Metadata
	}

	return ev, nil
}

func fillFromStripeSubscription(ev *Event, sub *stripe.Subscription) {
	ev.SubscriptionID = sub.ID
	if sub.Customer != nil {
		ev.CustomerID = sub.Customer.ID
	}
	ev.Status = SubscriptionStatus(sub.Status)
	ev.PriceID = stripePriceID(sub)
	if sub.CurrentPeriodStart > 0 {
		ev.PeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	ev.Metadata = sub.Metadata
}

func stripePriceID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil {
			return item.Price.ID
		}
	}
	return ""
}

func (p *StripeProvider) CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error) {
	params := &stripe.CustomerParams{Email: stripe.String(email)}
	params.Context = ctx
	if name != "" {
		params.Name = stripe.String(name)
	}
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	c, err := p.api.Customers.New(params)
	if err != nil {
		return "", classifyStripe("create_customer", err)
	}
	return c.ID, nil
}

func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	if req.PriceID == "" {
		return nil, retry.Permanent(stripeName, "create_checkout", errors.New("price id is required"))
	}
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
		Metadata:   req.Metadata,
	}
	params.Context = ctx
	switch {
	case req.CustomerID != "":
		params.Customer = stripe.String(req.CustomerID)
	case req.CustomerEmail != "":
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}

	s, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, classifyStripe("create_checkout", err)
	}
	return &CheckoutSession{ID: s.ID, URL: s.URL}, nil
}

func (p *StripeProvider) CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	s, err := p.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", classifyStripe("create_portal", err)
	}
	return s.URL, nil
}

func (p *StripeProvider) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Get(subscriptionID, params)
	if err != nil {
		return nil, classifyStripe("get_subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

func (p *StripeProvider) CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error) {
	if atPeriodEnd {
		params := &stripe.SubscriptionParams{CancelAtPeriodEnd: stripe.Bool(true)}
		params.Context = ctx
		sub, err := p.api.Subscriptions.Update(subscriptionID, params)
		if err != nil {
			return nil, classifyStripe("cancel_subscription", err)
		}
		return fromStripeSubscription(sub), nil
	}

	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Cancel(subscriptionID, params)
	if err != nil {
		return nil, classifyStripe("cancel_subscription", err)
	}
	return fromStripeSubscription(sub), nil
}

// ChangeSubscriptionPrice swaps the first subscription item to priceID with
// prorations.
func (p *StripeProvider) ChangeSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*Subscription, error) {
	getParams := &stripe.SubscriptionParams{}
	getParams.Context = ctx
	current, err := p.api.Subscriptions.Get(subscriptionID, getParams)
	if err != nil {
		return nil, classifyStripe("change_price", err)
	}
	if current.Items == nil || len(current.Items.Data) == 0 {
		return nil, retry.Permanent(stripeName, "change_price", fmt.Errorf("subscription %s has no items", subscriptionID))
	}

	params := &stripe.SubscriptionParams{
		Items: []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(priceID)},
		},
		ProrationBehavior: stripe.String("create_prorations"),
	}
	params.Context = ctx
	sub, err := p.api.Subscriptions.Update(subscriptionID, params)
	if err != nil {
		return nil, classifyStripe("change_price", err)
	}
	return fromStripeSubscription(sub), nil
}

func fromStripeSubscription(sub *stripe.Subscription) *Subscription {
	out := &Subscription{
		ID:                sub.ID,
		Status:            SubscriptionStatus(sub.Status),
		PriceID:           stripePriceID(sub),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.CurrentPeriodStart > 0 {
		out.CurrentPeriodStart = time.Unix(sub.CurrentPeriodStart, 0).UTC()
	}
	if sub.CurrentPeriodEnd > 0 {
		out.CurrentPeriodEnd = time.Unix(sub.CurrentPeriodEnd, 0).UTC()
	}
	return out
}

func classifyStripe(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		return retry.FromStatus(stripeName, op, se.HTTPStatusCode, err)
	}
	return retry.Temporary(stripeName, op, err)
}
