package provisioning

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plans"
)

// Kind identifies a class of external resource. A tenant holds at most one
// resource of each kind.
type Kind string

const KindPhoneNumber Kind = "phone_number"

// Status of a resource record.
type Status string

const (
	// StatusPending marks a claimed slot whose provider purchase has not been
	// committed yet.
	StatusPending Status = "pending"
	StatusActive  Status = "active"
)

// Resource is an external resource assigned to a tenant.
type Resource struct {
	TenantID    uuid.UUID  `json:"tenant_id"`
	Kind        Kind       `json:"kind"`
	Status      Status     `json:"status"`
	ExternalID  string     `json:"external_id,omitempty"`
	Descriptor  string     `json:"descriptor,omitempty"`
	ClaimToken  uuid.UUID  `json:"-"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// Filter narrows a provider search.
type Filter struct {
	Country  string
	AreaCode string
	Contains string
	SMS      bool
	Voice    bool
}

// Candidate is an available resource returned by Search.
type Candidate struct {
	Descriptor string
	Locality   string
	Region     string
}

// AcquireOptions configure a purchased resource.
type AcquireOptions struct {
	FriendlyName string
	VoiceURL     string
	SMSURL       string
}

// Acquired is the result of a successful purchase.
type Acquired struct {
	ExternalID string
	Descriptor string
}

// KindFor maps a plan entitlement to the resource kind that backs it.
// Entitlements without a provisioned resource report false.
func KindFor(e plans.Entitlement) (Kind, bool) {
	switch e {
	case plans.EntitlementPhoneNumber:
		return KindPhoneNumber, true
	}
	return "", false
}
