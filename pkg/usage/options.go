package usage

import (
	"log/slog"
	"time"
)

// Option configures a Meter.
type Option func(*Meter)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Meter) {
		if l != nil {
			m.log = l
		}
	}
}

// WithWarningSink sets where threshold warnings are delivered.
func WithWarningSink(s WarningSink) Option {
	return func(m *Meter) {
		m.sink = s
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Meter) {
		if now != nil {
			m.now = now
		}
	}
}
