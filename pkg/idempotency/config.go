package idempotency

import "time"

// Config selects and tunes the ledger backend. Backend "auto" picks redis
// when it is configured and postgres otherwise.
type Config struct {
	Backend   string        `env:"LEDGER_BACKEND" envDefault:"auto"`
	Retention time.Duration `env:"LEDGER_RETENTION" envDefault:"720h"`
	KeyPrefix string        `env:"LEDGER_KEY_PREFIX" envDefault:"billingkit:event:"`
	PruneSpec string        `env:"LEDGER_PRUNE_SCHEDULE" envDefault:"@hourly"`
}
