package plans

import (
	"fmt"
	"maps"
	"slices"

	"github.com/shopspring/decimal"
)

// Tier is a plan tier code.
type Tier string

const (
	TierTrial   Tier = "trial"
	TierStarter Tier = "starter"
	TierGrowth  Tier = "growth"
	TierScale   Tier = "scale"
	TierPro     Tier = "pro"
)

// Metric is a countable consumption dimension.
type Metric string

const (
	MetricLeads                   Metric = "leads"
	MetricEmails                  Metric = "emails"
	MetricSMS                     Metric = "sms"
	MetricVoiceMinutes            Metric = "voice_minutes"
	MetricAITokens                Metric = "ai_tokens"
	MetricVoicemailTranscriptions Metric = "voicemail_transcriptions"
)

// Metrics lists every metric in display order.
var Metrics = []Metric{
	MetricLeads,
	MetricEmails,
	MetricSMS,
	MetricVoiceMinutes,
	MetricAITokens,
	MetricVoicemailTranscriptions,
}

// Entitlement is a capability a plan grants.
type Entitlement string

const (
	EntitlementPhoneNumber  Entitlement = "dedicated_phone_number"
	EntitlementCustomDomain Entitlement = "custom_domain"
)

// Unlimited marks a metric without a cap.
const Unlimited int64 = -1

// Plan is a named bundle of per-metric limits and entitlements.
type Plan struct {
	Code         Tier
	Name         string
	Rank         int             // ordering; the lowest rank is the fallback tier
	MonthlyPrice decimal.Decimal // USD
	Limits       map[Metric]int64
	DailyCaps    map[Metric]int64 // optional per-day sub-caps
	Entitlements []Entitlement
	PriceIDs     []string // billing provider price identifiers mapping to this tier

	// Upgrade is shown when a limit is hit. Filled from the next tier up when empty.
	Upgrade string
}

// UpgradeHint returns the message suggesting the next tier up, e.g.
// "Upgrade to Starter ($97/mo) to continue". Empty for the top tier.
func (p Plan) UpgradeHint() string {
	return p.Upgrade
}

// Limit returns the monthly limit for m. ok is false when the plan does not
// meter m at all.
func (p Plan) Limit(m Metric) (limit int64, ok bool) {
	limit, ok = p.Limits[m]
	return limit, ok
}

// DailyCap returns the per-day sub-cap for m, if the plan has one.
func (p Plan) DailyCap(m Metric) (int64, bool) {
	limit, ok := p.DailyCaps[m]
	if !ok || limit == Unlimited {
		return 0, false
	}
	return limit, true
}

// Entitled reports whether the plan grants e.
func (p Plan) Entitled(e Entitlement) bool {
	return slices.Contains(p.Entitlements, e)
}

// IsFree reports whether the plan costs nothing.
func (p Plan) IsFree() bool {
	return p.MonthlyPrice.IsZero()
}

// PriceLabel renders the price the way upgrade messages show it, e.g. "$97/mo".
func (p Plan) PriceLabel() string {
	if p.MonthlyPrice.IsInteger() {
		return fmt.Sprintf("$%s/mo", p.MonthlyPrice.StringFixed(0))
	}
	return fmt.Sprintf("$%s/mo", p.MonthlyPrice.StringFixed(2))
}

func (p Plan) clone() Plan {
	p.Limits = maps.Clone(p.Limits)
	p.DailyCaps = maps.Clone(p.DailyCaps)
	p.Entitlements = slices.Clone(p.Entitlements)
	p.PriceIDs = slices.Clone(p.PriceIDs)
	return p
}

// EntitlementChange lists capabilities gained and lost when moving between plans.
type EntitlementChange struct {
	Added   []Entitlement
	Removed []Entitlement
}

// CompareEntitlements returns the entitlements target grants that current
// lacks, and the ones current grants that target drops.
func CompareEntitlements(current, target Plan) EntitlementChange {
	var change EntitlementChange
	for _, e := range target.Entitlements {
		if !current.Entitled(e) {
			change.Added = append(change.Added, e)
		}
	}
	for _, e := range current.Entitlements {
		if !target.Entitled(e) {
			change.Removed = append(change.Removed, e)
		}
	}
	return change
}
