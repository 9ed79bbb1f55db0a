// Package email sends transactional notifications.
//
// EmailSender is the narrow interface the notifier depends on. Production uses
// Postmark (NewPostmarkClient); without credentials NewSender returns a
// DevSender that logs each message and optionally writes it to disk:
//
//	sender, err := email.NewSender(cfg, log)
//	if err != nil {
//		return err
//	}
//	err = sender.SendEmail(ctx, email.SendEmailParams{
//		SendTo:   "owner@example.com",
//		Subject:  "Payment failed",
//		BodyHTML: html,
//		Tag:      "payment_failed",
//	})
//
// Message bodies are rendered from the embedded templates in the templates
// subpackage.
package email
