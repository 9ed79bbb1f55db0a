package plans

import "github.com/shopspring/decimal"

// Defaults returns the built-in tier table. Price ids are deployment specific
// and attached through Config.PriceIDs.
func Defaults() []Plan {
	return []Plan{
		{
			Code:         TierTrial,
			Name:         "Trial",
			Rank:         0,
			MonthlyPrice: decimal.Zero,
			Limits: map[Metric]int64{
				MetricLeads:                   50,
				MetricEmails:                  100,
				MetricSMS:                     50,
				MetricVoiceMinutes:            15,
				MetricAITokens:                150_000,
				MetricVoicemailTranscriptions: 10,
			},
			DailyCaps: map[Metric]int64{
				MetricEmails:       30,
				MetricSMS:          15,
				MetricVoiceMinutes: 5,
			},
		},
		{
			Code:         TierStarter,
			Name:         "Starter",
			Rank:         1,
			MonthlyPrice: decimal.NewFromInt(97),
			Limits: map[Metric]int64{
				MetricLeads:                   150,
				MetricEmails:                  500,
				MetricSMS:                     150,
				MetricVoiceMinutes:            100,
				MetricAITokens:                300_000,
				MetricVoicemailTranscriptions: 30,
			},
			Entitlements: []Entitlement{EntitlementPhoneNumber},
		},
		{
			Code:         TierGrowth,
			Name:         "Growth",
			Rank:         2,
			MonthlyPrice: decimal.NewFromInt(147),
			Limits: map[Metric]int64{
				MetricLeads:                   500,
				MetricEmails:                  1_500,
				MetricSMS:                     500,
				MetricVoiceMinutes:            300,
				MetricAITokens:                1_500_000,
				MetricVoicemailTranscriptions: 100,
			},
			Entitlements: []Entitlement{EntitlementPhoneNumber, EntitlementCustomDomain},
		},
		{
			Code:         TierScale,
			Name:         "Scale",
			Rank:         3,
			MonthlyPrice: decimal.NewFromInt(237),
			Limits: map[Metric]int64{
				MetricLeads:                   1_500,
				MetricEmails:                  5_000,
				MetricSMS:                     1_500,
				MetricVoiceMinutes:            1_000,
				MetricAITokens:                3_000_000,
				MetricVoicemailTranscriptions: 300,
			},
			Entitlements: []Entitlement{EntitlementPhoneNumber, EntitlementCustomDomain},
		},
		{
			Code:         TierPro,
			Name:         "Pro",
			Rank:         4,
			MonthlyPrice: decimal.NewFromInt(437),
			Limits: map[Metric]int64{
				MetricLeads:                   4_000,
				MetricEmails:                  15_000,
				MetricSMS:                     5_000,
				MetricVoiceMinutes:            3_000,
				MetricAITokens:                10_000_000,
				MetricVoicemailTranscriptions: 1_000,
			},
			Entitlements: []Entitlement{EntitlementPhoneNumber, EntitlementCustomDomain},
		},
	}
}
