package tenant

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plans"
)

// Status is the subscription lifecycle state of a tenant.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
)

// Tenant is the local record kept consistent with the billing provider.
type Tenant struct {
	ID             uuid.UUID  `json:"id"`
	Email          string     `json:"email"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	PlanTier       plans.Tier `json:"plan_tier"`
	Status         Status     `json:"status"`
	CustomerID     string     `json:"billing_customer_id,omitempty"`
	SubscriptionID string     `json:"billing_subscription_id,omitempty"`
	// LastAppliedEventAt is the occurred-at of the newest billing event
	// applied to this record. Zero until the first one.
	LastAppliedEventAt time.Time `json:"last_applied_event_at"`
	PasswordHash       string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Clone returns a copy safe to mutate.
func (t *Tenant) Clone() *Tenant {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// HasAccess reports whether the tenant may use paid functionality.
func (t *Tenant) HasAccess() bool {
	return t.Status == StatusActive || t.Status == StatusTrialing
}

// NormalizeEmail lowercases and trims an address for lookups.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
