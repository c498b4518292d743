package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	log "github.com/sirupsen/logrus"
)

// SMTPConfig holds SMTP server settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends admin mail through an SMTP relay.
type SMTPMailer struct {
	addr   string
	auth   smtp.Auth
	from   string
	admins []string
	send   sendMailFunc
}

func NewSMTPMailer(cfg SMTPConfig, from string, admins []string) (*SMTPMailer, error) {
	if cfg.Host == "" || cfg.Port == "" {
		return nil, errors.New("email: smtp host and port are required")
	}
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPMailer{
		addr:   net.JoinHostPort(cfg.Host, cfg.Port),
		auth:   auth,
		from:   from,
		admins: admins,
		send:   smtp.SendMail,
	}, nil
}

func (m *SMTPMailer) MailAdmins(_ context.Context, subject, body string) error {
	msg := buildMessage(m.from, m.admins, subjectPrefix+subject, body)
	if err := m.send(m.addr, m.auth, m.from, m.admins, msg); err != nil {
		log.Errorf("Error sending admin email %q: %v", subject, err)
		return fmt.Errorf("send admin email: %w", err)
	}
	log.Debugf("Admin email sent: %s", subject)
	return nil
}

func buildMessage(from string, to []string, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", strings.ReplaceAll(subject, "\n", " "))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"utf-8\"\r\n\r\n")
	b.WriteString(strings.ReplaceAll(body, "\n", "\r\n"))
	return []byte(b.String())
}
