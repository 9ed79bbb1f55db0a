package billing

import (
	"encoding/json"
	"time"
)

// EventType is the provider-neutral kind of a billing event.
type EventType string

const (
	EventSubscriptionCreated     EventType = "subscription.created"
	EventSubscriptionUpdated     EventType = "subscription.updated"
	EventSubscriptionDeleted     EventType = "subscription.deleted"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventCheckoutCompleted       EventType = "checkout.completed"
	EventTrialWillEnd            EventType = "subscription.trial_will_end"
	EventPaymentActionRequired   EventType = "invoice.payment_action_required"
	EventCustomerUpdated         EventType = "customer.updated"
)

// SubscriptionStatus is the provider's view of a subscription.
type SubscriptionStatus string

const (
	SubscriptionActive            SubscriptionStatus = "active"
	SubscriptionTrialing          SubscriptionStatus = "trialing"
	SubscriptionPastDue           SubscriptionStatus = "past_due"
	SubscriptionUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionCanceled          SubscriptionStatus = "canceled"
	SubscriptionIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionPaused            SubscriptionStatus = "paused"
)

// Event is a verified, normalized billing webhook.
type Event struct {
	ID       string    `json:"id"`
	Provider string    `json:"provider"`
	Type     EventType `json:"type"`
	// ProviderType is the provider's own event name, kept for logs.
	ProviderType   string             `json:"provider_type"`
	OccurredAt     time.Time          `json:"occurred_at"`
	CustomerID     string             `json:"customer_id,omitempty"`
	SubscriptionID string             `json:"subscription_id,omitempty"`
	PriceID        string             `json:"price_id,omitempty"`
	Status         SubscriptionStatus `json:"status,omitempty"`
	CustomerEmail  string             `json:"customer_email,omitempty"`
	CustomerName   string             `json:"customer_name,omitempty"`
	PeriodStart    time.Time          `json:"period_start,omitzero"`
	Metadata       map[string]string  `json:"metadata,omitempty"`
	Raw            json.RawMessage    `json:"raw,omitempty"`
}

// Known reports whether the event type is one the reconciler acts on.
func (e *Event) Known() bool {
	switch e.Type {
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted,
		EventInvoicePaymentSucceeded, EventInvoicePaymentFailed, EventCheckoutCompleted,
		EventTrialWillEnd, EventPaymentActionRequired, EventCustomerUpdated:
		return true
	}
	return false
}
