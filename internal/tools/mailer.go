package tools

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/basket/helpline/internal/config"
)

// sendFunc matches smtp.SendMail, injectable for tests.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends conversation summaries over plain SMTP.
type Mailer struct {
	addr string
	from string
	send sendFunc
}

func NewMailer(cfg config.MailerConfig) *Mailer {
	return &Mailer{
		addr: cfg.SMTPAddr,
		from: cfg.From,
		send: smtp.SendMail,
	}
}

func (m *Mailer) Available() bool { return m.addr != "" && m.from != "" }

// Send delivers a plain-text message. The context is checked up front;
// net/smtp has no context support, the dial timeout bounds the rest.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.Available() {
		return fmt.Errorf("mailer not configured")
	}
	if to == "" || !strings.Contains(to, "@") {
		return fmt.Errorf("invalid recipient %q", to)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", m.from)
	fmt.Fprintf(&msg, "To: %s\r\n", to)
	fmt.Fprintf(&msg, "Subject: %s\r\n", sanitizeHeader(subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)

	if err := m.send(m.addr, nil, m.from, []string{to}, []byte(msg.String())); err != nil {
		return fmt.Errorf("send mail to %s: %w", to, err)
	}
	return nil
}

// sanitizeHeader strips CR/LF so user text cannot inject extra headers.
func sanitizeHeader(v string) string {
	v = strings.ReplaceAll(v, "\r", " ")
	v = strings.ReplaceAll(v, "\n", " ")
	return strings.TrimSpace(v)
}
