package usage

import "time"

// addMonth advances t by one calendar month, clamping to the last day of the
// target month (Jan 31 -> Feb 28).
func addMonth(t time.Time) time.Time {
	y, m, d := t.Date()
	first := time.Date(y, m+1, 1, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
	last := first.AddDate(0, 1, -1).Day()
	return first.AddDate(0, 0, min(d, last)-1)
}

func next(c Cadence, t time.Time) time.Time {
	if c == Daily {
		return t.AddDate(0, 0, 1)
	}
	return addMonth(t)
}

// periodContaining returns the period of cadence c that contains now, with
// monthly periods anchored on anchor.
func periodContaining(c Cadence, anchor, now time.Time) (start, end time.Time) {
	now = now.UTC()
	if c == Daily {
		start = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 0, 1)
	}

	start = anchor.UTC()
	if start.IsZero() || start.After(now) {
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	end = addMonth(start)
	for !now.Before(end) {
		start, end = end, addMonth(end)
	}
	return start, end
}

// rollover moves c into the period containing now when its period has ended.
// The period advances by whole intervals, so one call resets at most once no
// matter how many boundaries passed. Reports whether a reset happened.
func rollover(c *Counter, now time.Time) bool {
	if now.Before(c.PeriodEnd) {
		return false
	}
	for !now.Before(c.PeriodEnd) {
		c.PeriodStart, c.PeriodEnd = c.PeriodEnd, next(c.Cadence, c.PeriodEnd)
	}
	c.Count = 0
	c.WarnedThreshold = 0
	return true
}
