package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
)

// EmailSender sends one transactional message.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// SendEmailParams represents the parameters for sending an email.
type SendEmailParams struct {
	SendTo   string `json:"send_to"`
	Subject  string `json:"subject"`
	BodyHTML string `json:"body_html"`
	BodyText string `json:"body_text,omitempty"`
	Tag      string `json:"tag,omitempty"`
}

// Validate checks the recipient address and that there is something to send.
func (p SendEmailParams) Validate() error {
	if p.SendTo == "" {
		return errors.Join(ErrInvalidParams, errors.New("recipient is required"))
	}
	if !validAddress(p.SendTo) {
		return errors.Join(ErrInvalidParams, fmt.Errorf("invalid recipient %q", p.SendTo))
	}
	if p.Subject == "" {
		return errors.Join(ErrInvalidParams, errors.New("subject is required"))
	}
	if p.BodyHTML == "" && p.BodyText == "" {
		return errors.Join(ErrInvalidParams, errors.New("body is required"))
	}
	return nil
}

func validAddress(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// NewSender returns a Postmark client when credentials are configured and a
// dev sender otherwise.
func NewSender(cfg Config, log *slog.Logger) (EmailSender, error) {
	if cfg.Enabled() {
		return NewPostmarkClient(cfg)
	}
	return NewDevSender(cfg.DevDir, log), nil
}
