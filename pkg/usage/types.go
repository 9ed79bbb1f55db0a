package usage

import (
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/billingkit/pkg/plans"
)

// Cadence is the reset interval of a counter.
type Cadence string

const (
	Monthly Cadence = "monthly"
	Daily   Cadence = "daily" // sub-cap counters, reset at UTC midnight
)

// Key identifies a counter.
type Key struct {
	TenantID uuid.UUID
	Metric   plans.Metric
	Cadence  Cadence
}

func (k Key) String() string {
	return k.TenantID.String() + "/" + string(k.Metric) + "/" + string(k.Cadence)
}

// Counter is the consumption of one metric during one period.
type Counter struct {
	Key
	PeriodStart time.Time
	PeriodEnd   time.Time
	Count       int64
	// WarnedThreshold is the highest warning percentage already emitted this
	// period (0, 70, 90 or 95).
	WarnedThreshold int
}

// Warning levels by threshold percentage.
const (
	LevelSoft     = "soft_warning"
	LevelHard     = "hard_warning"
	LevelCritical = "critical"
)

// Threshold is a usage percentage that triggers a warning.
type Threshold struct {
	Percent int
	Level   string
}

// Thresholds in ascending order.
var Thresholds = []Threshold{
	{Percent: 70, Level: LevelSoft},
	{Percent: 90, Level: LevelHard},
	{Percent: 95, Level: LevelCritical},
}

// Warning is emitted once per threshold per period.
type Warning struct {
	TenantID    uuid.UUID    `json:"tenant_id"`
	Metric      plans.Metric `json:"metric"`
	Tier        plans.Tier   `json:"tier"`
	Current     int64        `json:"current"`
	Limit       int64        `json:"limit"`
	Percent     int          `json:"percent"`
	Level       string       `json:"level"`
	ResetsAt    time.Time    `json:"resets_at"`
	UpgradeHint string       `json:"upgrade_hint,omitempty"`
}

// Result describes an accepted increment.
type Result struct {
	Metric     plans.Metric
	Current    int64
	Limit      int64 // plans.Unlimited when uncapped
	Percentage float64
	ResetsAt   time.Time
	Warning    *Warning // set when this increment crossed a new threshold
}

// MetricStats is the usage of one metric in the current period.
type MetricStats struct {
	Metric     plans.Metric `json:"metric"`
	Current    int64        `json:"current"`
	Limit      int64        `json:"limit"`
	Percentage float64      `json:"percentage"`
	ResetsAt   time.Time    `json:"resets_at"`
	// Daily sub-cap, when the plan has one.
	DailyCurrent int64 `json:"daily_current,omitempty"`
	DailyLimit   int64 `json:"daily_limit,omitempty"`
}

// Stats is a per-tenant usage snapshot.
type Stats struct {
	TenantID uuid.UUID     `json:"tenant_id"`
	Tier     plans.Tier    `json:"plan_tier"`
	Metrics  []MetricStats `json:"metrics"`
}

// Percentage returns current/limit as a percentage; zero for uncapped or
// zero limits.
func Percentage(current, limit int64) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(current) / float64(limit) * 100
}

// crossedThreshold returns the highest threshold reached by current/limit
// that is above watermark.
func crossedThreshold(current, limit int64, watermark int) (Threshold, bool) {
	if limit <= 0 {
		return Threshold{}, false
	}
	for i := len(Thresholds) - 1; i >= 0; i-- {
		th := Thresholds[i]
		// integer comparison avoids float rounding at exact boundaries
		if current*100 >= int64(th.Percent)*limit {
			if th.Percent > watermark {
				return th, true
			}
			return Threshold{}, false
		}
	}
	return Threshold{}, false
}
