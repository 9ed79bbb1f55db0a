package reconciler

import (
	"github.com/dmitrymomot/billingkit/pkg/billing"
	"github.com/dmitrymomot/billingkit/pkg/plans"
	"github.com/dmitrymomot/billingkit/pkg/statemachine"
	"github.com/dmitrymomot/billingkit/pkg/tenant"
)

// Lifecycle is an event of the tenant subscription state machine.
type Lifecycle string

const (
	Activate    Lifecycle = "activate"
	StartTrial  Lifecycle = "start_trial"
	MarkPastDue Lifecycle = "mark_past_due"
	Cancel      Lifecycle = "cancel"
)

type tr = statemachine.Transition[tenant.Status, Lifecycle]

// lifecycle marks any tenant past due on a failed payment, canceled ones
// included. Cancel drops the tier to the lowest plan, so a late failure
// changes the status without restoring entitlements.
var lifecycle = statemachine.MustNewTable(
	tr{From: tenant.StatusTrialing, To: tenant.StatusActive, Event: Activate},
	tr{From: tenant.StatusTrialing, To: tenant.StatusTrialing, Event: StartTrial},
	tr{From: tenant.StatusTrialing, To: tenant.StatusPastDue, Event: MarkPastDue},
	tr{From: tenant.StatusTrialing, To: tenant.StatusCanceled, Event: Cancel},

	tr{From: tenant.StatusActive, To: tenant.StatusActive, Event: Activate},
	tr{From: tenant.StatusActive, To: tenant.StatusTrialing, Event: StartTrial},
	tr{From: tenant.StatusActive, To: tenant.StatusPastDue, Event: MarkPastDue},
	tr{From: tenant.StatusActive, To: tenant.StatusCanceled, Event: Cancel},

	tr{From: tenant.StatusPastDue, To: tenant.StatusActive, Event: Activate},
	tr{From: tenant.StatusPastDue, To: tenant.StatusTrialing, Event: StartTrial},
	tr{From: tenant.StatusPastDue, To: tenant.StatusPastDue, Event: MarkPastDue},
	tr{From: tenant.StatusPastDue, To: tenant.StatusCanceled, Event: Cancel},

	tr{From: tenant.StatusCanceled, To: tenant.StatusActive, Event: Activate},
	tr{From: tenant.StatusCanceled, To: tenant.StatusTrialing, Event: StartTrial},
	tr{From: tenant.StatusCanceled, To: tenant.StatusPastDue, Event: MarkPastDue},
	tr{From: tenant.StatusCanceled, To: tenant.StatusCanceled, Event: Cancel},
)

// entryEvent is the lifecycle event for a subscription that is running on
// plan: free tiers trial, paid tiers activate.
func entryEvent(plan plans.Plan) Lifecycle {
	if plan.IsFree() {
		return StartTrial
	}
	return Activate
}

// statusEvent maps a provider subscription status to a lifecycle event. An
// empty result keeps the current status.
func statusEvent(status billing.SubscriptionStatus, plan plans.Plan) Lifecycle {
	switch status {
	case billing.SubscriptionActive, billing.SubscriptionTrialing:
		return entryEvent(plan)
	case billing.SubscriptionPastDue, billing.SubscriptionUnpaid:
		return MarkPastDue
	case billing.SubscriptionCanceled, billing.SubscriptionIncompleteExpired:
		return Cancel
	}
	return ""
}
