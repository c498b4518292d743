package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mailgun/mailgun-go/v4"
	log "github.com/sirupsen/logrus"
)

// MailgunConfig holds Mailgun API settings.
type MailgunConfig struct {
	Domain string `mapstructure:"domain"`
	Key    string `mapstructure:"key"`
	// APIBase overrides the API endpoint, e.g. the EU region.
	APIBase string `mapstructure:"api_base"`
}

// mailgunClient is the part of *mailgun.MailgunImpl this package uses.
type mailgunClient interface {
	NewMessage(from, subject, text string, to ...string) *mailgun.Message
	Send(ctx context.Context, m *mailgun.Message) (string, string, error)
}

// MailgunMailer sends admin mail through the Mailgun API.
type MailgunMailer struct {
	mg      mailgunClient
	from    string
	admins  []string
	timeout time.Duration
}

func NewMailgunMailer(cfg MailgunConfig, from string, admins []string) (*MailgunMailer, error) {
	if cfg.Domain == "" || cfg.Key == "" {
		return nil, errors.New("email: mailgun domain and key are required")
	}
	mg := mailgun.NewMailgun(cfg.Domain, cfg.Key)
	if cfg.APIBase != "" {
		mg.SetAPIBase(cfg.APIBase)
	}
	return &MailgunMailer{mg: mg, from: from, admins: admins, timeout: 30 * time.Second}, nil
}

func (m *MailgunMailer) MailAdmins(ctx context.Context, subject, body string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	message := m.mg.NewMessage(m.from, subjectPrefix+subject, body, m.admins...)
	_, id, err := m.mg.Send(ctx, message)
	if err != nil {
		log.Errorf("Error sending admin email %q: %v", subject, err)
		return fmt.Errorf("send admin email: %w", err)
	}
	log.Debugf("Admin email queued: %s", id)
	return nil
}
