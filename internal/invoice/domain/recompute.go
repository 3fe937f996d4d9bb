package domain

import (
	"time"

	"github.com/smallbiznis/carebill/internal/billingstatus"
	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
)

// Transition reports the cached state before and after a Recompute.
type Transition struct {
	FromStatus billingstatus.Status
	ToStatus   billingstatus.Status
	FromLevel  escalationdomain.Level
	ToLevel    escalationdomain.Level
	// Settled is true when this recompute set the payment date.
	Settled bool
	// EpisodeReset is true when a delinquency episode ended here.
	EpisodeReset bool
}

func (t Transition) StatusChanged() bool { return t.FromStatus != t.ToStatus }

func (t Transition) LevelChanged() bool { return t.FromLevel != t.ToLevel }

// Derive returns the status the invoice has on now's civil date.
func (i *Invoice) Derive(now time.Time) billingstatus.Status {
	return billingstatus.Derive(billingstatus.Input{
		NetAmount:  i.NetAmount,
		PaidAmount: i.PaidAmount,
		DueDate:    i.DueDate,
		Today:      now,
		Cancelled:  i.Cancelled,
	})
}

func (i *Invoice) DaysOverdue(now time.Time) int {
	return billingstatus.DaysOverdue(i.DueDate, now)
}

// Recompute refreshes Status, PaymentDate and the escalation caches from
// the amounts, due date and cancellation flag.
//
// PaymentDate is non-nil exactly while the status is PAID. It keeps its first
// value across recomputes and clears on any other status, cancellation
// included.
// Escalation only applies to subscription invoices and never moves backward
// within an episode; a pinned level is left alone until the invoice settles
// or is cancelled.
func (i *Invoice) Recompute(policy escalationdomain.Policy, now time.Time) Transition {
	t := Transition{FromStatus: i.Status, FromLevel: i.EscalationLevel}
	if t.FromLevel == "" {
		t.FromLevel = escalationdomain.LevelNoRestriction
	}

	status := i.Derive(now)
	i.Status = status

	if status == billingstatus.StatusPaid {
		if i.PaymentDate == nil {
			paidAt := now.UTC()
			i.PaymentDate = &paidAt
			t.Settled = true
		}
	} else {
		i.PaymentDate = nil
	}

	switch {
	case !i.IsSubscription():
		i.EscalationLevel = escalationdomain.LevelNoRestriction
		i.EscalationPinned = false
	case status.IsTerminal():
		if !t.FromStatus.IsTerminal() {
			resetAt := now.UTC()
			i.EscalationResetAt = &resetAt
			t.EpisodeReset = true
		}
		i.EscalationLevel = escalationdomain.LevelNoRestriction
		i.EscalationPinned = false
	case i.EscalationPinned:
		i.EscalationLevel = t.FromLevel
	default:
		previous := t.FromLevel
		if t.FromStatus.IsTerminal() {
			previous = escalationdomain.LevelNoRestriction
		}
		i.EscalationLevel = policy.Next(previous, i.DaysOverdue(now), status)
	}

	t.ToStatus = i.Status
	t.ToLevel = i.EscalationLevel
	return t
}

// View builds the status read view from a fresh derivation.
func (i *Invoice) View(now time.Time) StatusView {
	status := i.Derive(now)
	var paymentDate *time.Time
	if status == billingstatus.StatusPaid {
		paymentDate = i.PaymentDate
	}
	days := i.DaysOverdue(now)
	if days < 0 || status == billingstatus.StatusPaid || status == billingstatus.StatusCancelled {
		days = 0
	}
	return StatusView{
		InvoiceID:   i.ID,
		Status:      status,
		NetAmount:   i.NetAmount,
		PaidAmount:  i.PaidAmount,
		Outstanding: i.Outstanding(),
		DueDate:     i.DueDate,
		PaymentDate: paymentDate,
		DaysOverdue: days,
	}
}
