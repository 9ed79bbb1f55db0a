package billing

import "time"

// Config selects the active provider.
type Config struct {
	Provider string `env:"BILLING_PROVIDER" envDefault:"stripe"`
}

// StripeConfig holds Stripe credentials. APIURL overrides the API base URL,
// e.g. for stripe-mock.
type StripeConfig struct {
	SecretKey         string        `env:"STRIPE_SECRET_KEY"`
	WebhookSecret     string        `env:"STRIPE_WEBHOOK_SECRET"`
	WebhookTolerance  time.Duration `env:"STRIPE_WEBHOOK_TOLERANCE" envDefault:"5m"`
	MaxNetworkRetries int64         `env:"STRIPE_MAX_NETWORK_RETRIES" envDefault:"2"`
	APIURL            string        `env:"STRIPE_API_URL"`
}

// PaddleConfig holds Paddle credentials.
type PaddleConfig struct {
	APIKey           string        `env:"PADDLE_API_KEY"`
	WebhookSecret    string        `env:"PADDLE_WEBHOOK_SECRET"`
	Environment      string        `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
	WebhookTolerance time.Duration `env:"PADDLE_WEBHOOK_TOLERANCE" envDefault:"5m"`
}
