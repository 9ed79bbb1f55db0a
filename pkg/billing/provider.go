package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// EventParser verifies and normalizes webhook deliveries.
type EventParser interface {
	Name() string
	ParseEvent(ctx context.Context, payload []byte, header http.Header) (*Event, error)
}

// Provider is the billing system of record.
type Provider interface {
	EventParser

	CreateCustomer(ctx context.Context, email, name string, metadata map[string]string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error)
	CreatePortalSession(ctx context.Context, customerID, returnURL string) (string, error)
	GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error)
	CancelSubscription(ctx context.Context, subscriptionID string, atPeriodEnd bool) (*Subscription, error)
	ChangeSubscriptionPrice(ctx context.Context, subscriptionID, priceID string) (*Subscription, error)
}

// CheckoutRequest describes a hosted checkout for one price.
type CheckoutRequest struct {
	CustomerID    string
	CustomerEmail string
	PriceID       string
	SuccessURL    string
	CancelURL     string
	Metadata      map[string]string
}

// CheckoutSession is a hosted checkout the customer is redirected to.
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// Subscription is the provider's current view of a subscription.
type Subscription struct {
	ID                 string             `json:"id"`
	CustomerID         string             `json:"customer_id"`
	Status             SubscriptionStatus `json:"status"`
	PriceID            string             `json:"price_id"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelAtPeriodEnd  bool               `json:"cancel_at_period_end"`
}

// NewProvider builds the provider selected by cfg.Provider.
func NewProvider(cfg Config, stripeCfg StripeConfig, paddleCfg PaddleConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case stripeName:
		return NewStripeProvider(stripeCfg)
	case paddleName:
		return NewPaddleProvider(paddleCfg)
	}
	return nil, errors.Join(ErrUnknownProvider, fmt.Errorf("provider %q", cfg.Provider))
}
