package service

import (
	"strings"
	"time"

	"github.com/smallbiznis/carebill/internal/config"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	"github.com/smallbiznis/carebill/internal/reminder/domain"
)

func templateSource(t config.ReminderTemplates, kind domain.Kind) string {
	switch kind {
	case domain.KindDueSoon:
		return t.DueSoon
	case domain.KindNotification:
		return t.Notification
	case domain.KindBannerWarning:
		return t.BannerWarning
	case domain.KindFeatureRestriction:
		return t.FeatureRestriction
	case domain.KindFullLockout:
		return t.FullLockout
	}
	return ""
}

// render builds the message for kind from the configured templates. CUSTOM
// has no template and yields ErrEmptyMessage.
func render(t config.ReminderTemplates, kind domain.Kind, inv *invoicedomain.Invoice, now time.Time) (string, error) {
	src := templateSource(t, kind)
	if strings.TrimSpace(src) == "" {
		return "", domain.ErrEmptyMessage
	}
	overdue := inv.DaysOverdue(now)
	return config.RenderReminder(string(kind), src, config.ReminderTemplateData{
		InvoiceID:    inv.ID.String(),
		Outstanding:  inv.Outstanding().StringFixed(2),
		DueDate:      inv.DueDate.Format(time.DateOnly),
		DaysUntilDue: max(-overdue, 0),
		DaysOverdue:  max(overdue, 0),
	})
}
