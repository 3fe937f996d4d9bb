// Package billingstatus derives an invoice's payment status from its amounts
// and due date. Status is never stored as independent truth: every writer and
// every read view calls Derive.
package billingstatus

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status represents the derived payment state of an invoice.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPartial   Status = "PARTIAL"
	StatusPaid      Status = "PAID"
	StatusOverdue   Status = "OVERDUE"
	StatusCancelled Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPartial, StatusPaid, StatusOverdue, StatusCancelled:
		return true
	}
	return false
}

// IsSettled reports whether the invoice carries a payment date.
func (s Status) IsSettled() bool { return s == StatusPaid }

// IsTerminal reports whether escalation no longer applies.
func (s Status) IsTerminal() bool {
	return s == StatusPaid || s == StatusCancelled
}

func (s Status) String() string { return string(s) }

// Input is everything the derivation looks at.
type Input struct {
	NetAmount  decimal.Decimal
	PaidAmount decimal.Decimal
	DueDate    time.Time
	Today      time.Time
	Cancelled  bool
}

// Derive maps amounts, due date and the cancellation flag to a status.
//
// Priority: CANCELLED, PAID, PARTIAL, OVERDUE, PENDING. A partially paid
// invoice reports PARTIAL even after its due date.
func Derive(in Input) Status {
	if in.Cancelled {
		return StatusCancelled
	}
	if Covered(in.NetAmount, in.PaidAmount) {
		return StatusPaid
	}
	if in.PaidAmount.IsPositive() {
		return StatusPartial
	}
	if DateOf(in.Today).After(DateOf(in.DueDate)) {
		return StatusOverdue
	}
	return StatusPending
}

// Covered reports whether the paid amount covers the net amount. A
// zero-value invoice is covered from the start.
func Covered(net, paid decimal.Decimal) bool {
	return paid.GreaterThanOrEqual(net)
}

// DateOf truncates t to its UTC civil date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// DaysOverdue returns whole days from due to today. Negative while the
// invoice is not yet due, zero on the due date itself.
func DaysOverdue(due, today time.Time) int {
	return int(DateOf(today).Sub(DateOf(due)).Hours() / 24)
}
