package provisioning

import "time"

// Config tunes the dispatcher.
type Config struct {
	ClaimTTL    time.Duration `env:"PROVISIONING_CLAIM_TTL" envDefault:"10m"`
	SearchLimit int           `env:"PROVISIONING_SEARCH_LIMIT" envDefault:"5"`
	Country     string        `env:"PROVISIONING_COUNTRY" envDefault:"US"`
	AreaCode    string        `env:"PROVISIONING_AREA_CODE"`
}

// TwilioConfig holds Twilio account credentials. The provider is disabled
// when AccountSID is empty.
type TwilioConfig struct {
	AccountSID string `env:"TWILIO_ACCOUNT_SID"`
	AuthToken  string `env:"TWILIO_AUTH_TOKEN"`
}

// Enabled reports whether credentials are configured.
func (c TwilioConfig) Enabled() bool {
	return c.AccountSID != "" && c.AuthToken != ""
}
