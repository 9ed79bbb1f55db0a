package usage

import (
	"errors"
	"fmt"

	"github.com/dmitrymomot/billingkit/pkg/plans"
)

var (
	ErrLimitExceeded = errors.New("usage limit exceeded")
	ErrInvalidAmount = errors.New("usage amount must be positive")
	ErrUnknownMetric = errors.New("unknown usage metric")
)

// LimitExceededError reports a rejected increment. Nothing was recorded.
type LimitExceededError struct {
	Metric      plans.Metric
	Tier        plans.Tier
	Cadence     Cadence
	Current     int64
	Limit       int64
	UpgradeHint string
}

func (e *LimitExceededError) Error() string {
	msg := fmt.Sprintf("usage limit exceeded for %s: %d/%d", e.Metric, e.Current, e.Limit)
	if e.Cadence == Daily {
		msg = fmt.Sprintf("daily usage limit exceeded for %s: %d/%d", e.Metric, e.Current, e.Limit)
	}
	if e.UpgradeHint != "" {
		msg += ". " + e.UpgradeHint
	}
	return msg
}

func (e *LimitExceededError) Is(target error) bool {
	return target == ErrLimitExceeded
}
