package tenant

import "time"

// Config tunes the tenant read cache and provisional credentials.
type Config struct {
	CacheSize  int           `env:"TENANT_CACHE_SIZE" envDefault:"1000"`
	CacheTTL   time.Duration `env:"TENANT_CACHE_TTL" envDefault:"30s"`
	BcryptCost int           `env:"TENANT_BCRYPT_COST" envDefault:"10"`
}
