// Package billingerr maps domain errors from the billing core onto the
// small set of kinds collaborators translate into transport codes.
package billingerr

import (
	"context"
	"errors"

	auditdomain "github.com/smallbiznis/carebill/internal/audit/domain"
	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
	ledgerdomain "github.com/smallbiznis/carebill/internal/ledger/domain"
	reminderdomain "github.com/smallbiznis/carebill/internal/reminder/domain"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

type Kind string

const (
	KindNone           Kind = ""
	KindInvalidAmount  Kind = "invalid_amount"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindDeliveryFailed Kind = "delivery_failed"
	KindInvalid        Kind = "invalid"
	KindCanceled       Kind = "canceled"
	KindInternal       Kind = "internal"
)

var (
	notFound = []error{
		invoicedomain.ErrInvoiceNotFound,
		ledgerdomain.ErrPaymentNotFound,
		reminderdomain.ErrReminderNotFound,
	}
	invalid = []error{
		invoicedomain.ErrInvalidOrganization,
		invoicedomain.ErrInvalidKind,
		invoicedomain.ErrInvalidID,
		invoicedomain.ErrInvalidDueDate,
		invoicedomain.ErrInvalidStatus,
		invoicedomain.ErrInvoiceCancelled,
		ledgerdomain.ErrAlreadyReversed,
		ledgerdomain.ErrInvalidReversal,
		escalationdomain.ErrInvalidLevel,
		escalationdomain.ErrInvalidPolicy,
		escalationdomain.ErrNotSubscription,
		escalationdomain.ErrInvalidReason,
		escalationdomain.ErrNotOverridden,
		reminderdomain.ErrInvalidOrganization,
		reminderdomain.ErrInvalidKind,
		reminderdomain.ErrEmptyMessage,
		reminderdomain.ErrInvalidID,
		auditdomain.ErrInvalidOrganization,
		auditdomain.ErrInvalidTimeRange,
		auditdomain.ErrInvalidPageToken,
		pagination.ErrInvalidPageToken,
	}
)

// Classify returns the kind of err. Unrecognized errors are internal.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, invoicedomain.ErrInvalidAmount):
		return KindInvalidAmount
	case errors.Is(err, invoicedomain.ErrConflict):
		return KindConflict
	case errors.Is(err, reminderdomain.ErrDeliveryFailed):
		return KindDeliveryFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	}
	for _, target := range notFound {
		if errors.Is(err, target) {
			return KindNotFound
		}
	}
	for _, target := range invalid {
		if errors.Is(err, target) {
			return KindInvalid
		}
	}
	return KindInternal
}

// IsCallerError reports whether err stems from the request itself and must
// not be retried.
func IsCallerError(err error) bool {
	switch Classify(err) {
	case KindInvalidAmount, KindNotFound, KindInvalid:
		return true
	}
	return false
}

// IsTransient reports whether a later identical call may succeed.
func IsTransient(err error) bool {
	switch Classify(err) {
	case KindConflict, KindDeliveryFailed:
		return true
	}
	return false
}
