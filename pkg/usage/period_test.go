package usage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAddMonthClampsToMonthEnd(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in, want time.Time
	}{
		{time.Date(2026, 1, 31, 9, 0, 0, 0, time.UTC), time.Date(2026, 2, 28, 9, 0, 0, 0, time.UTC)},
		{time.Date(2028, 1, 31, 9, 0, 0, 0, time.UTC), time.Date(2028, 2, 29, 9, 0, 0, 0, time.UTC)},
		{time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC)},
		{time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC), time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, addMonth(tt.in))
	}
}

func TestPeriodContaining(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)

	start, end := periodContaining(Daily, time.Time{}, now)
	assert.Equal(t, time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC), end)

	start, end = periodContaining(Monthly, time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC), now)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 4, 5, 0, 0, 0, 0, time.UTC), end)

	// no anchor: calendar month
	start, end = periodContaining(Monthly, time.Time{}, now)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), end)
}

func TestRollover(t *testing.T) {
	t.Parallel()
	c := &Counter{
		Key:             Key{Cadence: Daily},
		PeriodStart:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		PeriodEnd:       time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC),
		Count:           12,
		WarnedThreshold: 90,
	}

	assert.False(t, rollover(c, time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)))
	assert.EqualValues(t, 12, c.Count)

	assert.True(t, rollover(c, time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC)))
	assert.Zero(t, c.Count)
	assert.Zero(t, c.WarnedThreshold)
	assert.Equal(t, time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC), c.PeriodStart)
	assert.Equal(t, time.Date(2026, 3, 6, 0, 0, 0, 0, time.UTC), c.PeriodEnd)
}

func TestCrossedThreshold(t *testing.T) {
	t.Parallel()

	th, ok := crossedThreshold(70, 100, 0)
	assert.True(t, ok)
	assert.Equal(t, 70, th.Percent)

	_, ok = crossedThreshold(69, 100, 0)
	assert.False(t, ok)

	th, ok = crossedThreshold(99, 100, 70)
	assert.True(t, ok)
	assert.Equal(t, LevelCritical, th.Level)

	_, ok = crossedThreshold(100, 100, 95)
	assert.False(t, ok)

	_, ok = crossedThreshold(10, 0, 0)
	assert.False(t, ok)
}
