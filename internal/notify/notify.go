// Package notify delivers operator email.
package notify

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"
)

const subjectPrefix = "[CoralNet] "

// Mailer sends free-text mail to the site admins.
type Mailer interface {
	MailAdmins(ctx context.Context, subject, body string) error
}

// Config selects and configures a Mailer.
type Config struct {
	Provider string // smtp, mailgun or log
	From     string
	Admins   []string
	SMTP     SMTPConfig
	Mailgun  MailgunConfig
}

// New returns the Mailer for cfg.Provider. An empty provider, or no admin
// addresses, logs mail instead of sending it.
func New(cfg Config) (Mailer, error) {
	if cfg.Provider == "" || cfg.Provider == "log" || len(cfg.Admins) == 0 {
		return LogMailer{}, nil
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("email: from address is required for provider %q", cfg.Provider)
	}
	switch strings.ToLower(cfg.Provider) {
	case "smtp":
		return NewSMTPMailer(cfg.SMTP, cfg.From, cfg.Admins)
	case "mailgun":
		return NewMailgunMailer(cfg.Mailgun, cfg.From, cfg.Admins)
	default:
		return nil, fmt.Errorf("email: unknown provider %q", cfg.Provider)
	}
}

// LogMailer writes mail to the log. Used in development and when no
// admins are configured.
type LogMailer struct{}

func (LogMailer) MailAdmins(_ context.Context, subject, body string) error {
	log.WithField("subject", subjectPrefix+subject).Warn(body)
	return nil
}
