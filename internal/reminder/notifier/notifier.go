// Package notifier delivers reminders to external channels.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/smallbiznis/carebill/internal/config"
	"github.com/smallbiznis/carebill/internal/reminder/domain"
)

var Module = fx.Module("reminder.notifier",
	fx.Provide(NewFromConfig),
)

var ErrUnknownDriver = errors.New("unknown_notifier_driver")

// NewFromConfig builds the notifier named by NOTIFIER_DRIVER. Several drivers
// may be listed separated by commas; they are fanned out in order.
func NewFromConfig(cfg config.Config, log *zap.Logger) (domain.Notifier, error) {
	var notifiers []domain.Notifier
	for _, driver := range strings.Split(cfg.Notifier.Driver, ",") {
		switch strings.TrimSpace(driver) {
		case "", "log":
			notifiers = append(notifiers, NewLogNotifier(log))
		case "email", "smtp":
			notifiers = append(notifiers, NewEmailNotifier(EmailConfig{
				Host:     cfg.Email.SMTPHost,
				Port:     cfg.Email.SMTPPort,
				Username: cfg.Email.SMTPUsername,
				Password: cfg.Email.SMTPPassword,
				From:     cfg.Email.SMTPFrom,
			}))
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
		}
	}
	if len(notifiers) == 1 {
		return notifiers[0], nil
	}
	return Multi(notifiers...), nil
}

// LogNotifier writes reminders to the log. It never fails.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: log.Named("reminder.notifier")}
}

func (n *LogNotifier) Deliver(ctx context.Context, reminder domain.Reminder) error {
	n.log.Info("reminder delivered",
		zap.String("reminder_id", reminder.ID.String()),
		zap.String("invoice_id", reminder.InvoiceID.String()),
		zap.String("tenant_id", reminder.TenantID.String()),
		zap.String("kind", string(reminder.Kind)),
		zap.String("message", reminder.Message),
	)
	return nil
}

type multi struct {
	notifiers []domain.Notifier

	mu sync.Mutex
	// partial holds, per reminder still failing somewhere, the indexes of
	// notifiers that already delivered it.
	partial map[snowflake.ID]map[int]struct{}
}

// Multi delivers to every notifier and joins their errors. A reminder counts
// as delivered only when all of them succeed. A redelivery skips the
// notifiers that already accepted the reminder in this process, so a
// failing channel does not resend through the healthy ones. That record is
// not persisted: after a restart every channel is tried again.
func Multi(notifiers ...domain.Notifier) domain.Notifier {
	return &multi{
		notifiers: notifiers,
		partial:   make(map[snowflake.ID]map[int]struct{}),
	}
}

func (m *multi) Deliver(ctx context.Context, reminder domain.Reminder) error {
	done := m.delivered(reminder.ID)
	var errs []error
	for i, n := range m.notifiers {
		if _, ok := done[i]; ok {
			continue
		}
		if err := n.Deliver(ctx, reminder); err != nil {
			errs = append(errs, err)
			continue
		}
		done[i] = struct{}{}
	}
	m.remember(reminder.ID, done, len(errs) == 0)
	return errors.Join(errs...)
}

func (m *multi) delivered(id snowflake.ID) map[int]struct{} {
	done := make(map[int]struct{})
	if id == 0 {
		return done
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.partial[id] {
		done[i] = struct{}{}
	}
	return done
}

func (m *multi) remember(id snowflake.ID, done map[int]struct{}, complete bool) {
	if id == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if complete || len(done) == 0 {
		delete(m.partial, id)
		return
	}
	m.partial[id] = done
}

// NotifierFunc adapts a function to domain.Notifier.
type NotifierFunc func(ctx context.Context, reminder domain.Reminder) error

func (f NotifierFunc) Deliver(ctx context.Context, reminder domain.Reminder) error {
	return f(ctx, reminder)
}
