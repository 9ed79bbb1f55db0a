package email

// Config holds outbound email settings. Without a Postmark server token the
// service falls back to the dev sender, which logs messages instead of
// sending them.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	PostmarkBaseURL      string `env:"POSTMARK_BASE_URL"`
	SenderEmail          string `env:"EMAIL_SENDER" envDefault:"billing@localhost"`
	SupportEmail         string `env:"EMAIL_SUPPORT" envDefault:"support@localhost"`
	DevDir               string `env:"EMAIL_DEV_DIR"`
}

// Enabled reports whether Postmark credentials are configured.
func (c Config) Enabled() bool {
	return c.PostmarkServerToken != ""
}
