package notifier

import (
	"context"
	"errors"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/smallbiznis/carebill/internal/reminder/domain"
)

var ErrNoRecipient = errors.New("reminder_has_no_recipient")

type EmailConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// EmailNotifier sends reminders as plain-text mail over SMTP.
type EmailNotifier struct {
	cfg  EmailConfig
	send sendFunc
}

func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	return &EmailNotifier{cfg: cfg, send: smtp.SendMail}
}

func (n *EmailNotifier) Deliver(ctx context.Context, reminder domain.Reminder) error {
	to := strings.TrimSpace(reminder.Recipient)
	if to == "" {
		return ErrNoRecipient
	}

	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", n.cfg.Host, n.cfg.Port)
	msg := buildMessage(n.cfg.From, to, subjectFor(reminder.Kind), reminder.Message)

	// net/smtp has no context support; the caller's deadline still bounds
	// how long we wait.
	done := make(chan error, 1)
	go func() {
		done <- n.send(addr, auth, n.cfg.From, []string{to}, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func buildMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func subjectFor(kind domain.Kind) string {
	switch kind {
	case domain.KindDueSoon:
		return "Invoice due soon"
	case domain.KindNotification:
		return "Invoice overdue"
	case domain.KindBannerWarning:
		return "Overdue invoice: account warning"
	case domain.KindFeatureRestriction:
		return "Overdue invoice: features restricted"
	case domain.KindFullLockout:
		return "Overdue invoice: account locked"
	default:
		return "Billing notice"
	}
}
