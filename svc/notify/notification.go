package notify

import (
	"github.com/google/uuid"
)

// Kind selects the email template.
type Kind string

const (
	KindWelcome               Kind = "welcome"
	KindPaymentFailed         Kind = "payment_failed"
	KindPaymentActionRequired Kind = "payment_action_required"
	KindTrialWillEnd          Kind = "trial_will_end"
	KindUsageWarning          Kind = "usage_warning"
	KindResourceProvisioned   Kind = "resource_provisioned"
	KindSubscriptionCanceled  Kind = "subscription_canceled"
)

// Notification is the outbox payload for one email to a tenant owner.
// Recipient and plan are looked up when the task runs, so a changed email
// address is honored.
type Notification struct {
	TenantID uuid.UUID `json:"tenant_id"`
	Kind     Kind      `json:"kind"`
	URL      string    `json:"url,omitempty"`

	Metric  string `json:"metric,omitempty"`
	Used    int64  `json:"used,omitempty"`
	Limit   int64  `json:"limit,omitempty"`
	Percent int    `json:"percent,omitempty"`
	Level   string `json:"level,omitempty"`

	Resource   string `json:"resource,omitempty"`
	Descriptor string `json:"descriptor,omitempty"`
}

// view is what the templates see.
type view struct {
	Name       string
	Slug       string
	Plan       string
	URL        string
	Metric     string
	Used       int64
	Limit      int64
	Percent    int
	Cadence    string
	Resource   string
	Descriptor string
}
