package domain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	invoicedomain "github.com/smallbiznis/carebill/internal/invoice/domain"
)

// Invoice-level failures are shared with the invoice store.
var (
	ErrInvalidAmount       = invoicedomain.ErrInvalidAmount
	ErrInvoiceNotFound     = invoicedomain.ErrInvoiceNotFound
	ErrInvoiceCancelled    = invoicedomain.ErrInvoiceCancelled
	ErrInvalidOrganization = invoicedomain.ErrInvalidOrganization
	ErrConflict            = invoicedomain.ErrConflict
)

var (
	ErrPaymentNotFound = errors.New("payment_not_found")
	ErrAlreadyReversed = errors.New("payment_already_reversed")
	ErrInvalidReversal = errors.New("invalid_reversal")

	// ErrReversalInvoiceNotFound matches both ErrPaymentNotFound and
	// ErrInvoiceNotFound.
	ErrReversalInvoiceNotFound = fmt.Errorf("%w: %w", ErrPaymentNotFound, ErrInvoiceNotFound)
)

type ApplyPaymentRequest struct {
	InvoiceID  string
	Amount     decimal.Decimal
	Method     string
	OccurredAt *time.Time
	Notes      string
}

// ReversePaymentRequest reverses either a specific entry (EntryID) or a
// raw Amount. With EntryID set, Amount may narrow the reversal to part of
// the entry.
type ReversePaymentRequest struct {
	InvoiceID string
	EntryID   string
	Amount    decimal.Decimal
	Reason    string
}

type ReconcileResult struct {
	InvoiceID      snowflake.ID    `json:"invoice_id"`
	CachedPaid     decimal.Decimal `json:"cached_paid"`
	LedgerPaid     decimal.Decimal `json:"ledger_paid"`
	PaidDrift      bool            `json:"paid_drift"`
	DerivedDrift   bool            `json:"derived_drift"`
	StatusAfter    string          `json:"status_after"`
	EscalationDrop bool            `json:"escalation_drop"`
}

type ReconcileSummary struct {
	Scanned  int               `json:"scanned"`
	Repaired int               `json:"repaired"`
	Failed   int               `json:"failed"`
	Drifted  []ReconcileResult `json:"drifted,omitempty"`
}

// Service is the only writer of paid amounts.
//
// Every mutation commits before returning. A caller that abandons the call
// (for example on request timeout) may still find the payment applied; the
// outcome must be checked with ListEntries rather than assumed.
type Service interface {
	ApplyPayment(ctx context.Context, req ApplyPaymentRequest) (PaymentEntry, error)
	ReversePayment(ctx context.Context, req ReversePaymentRequest) (PaymentEntry, error)
	ListEntries(ctx context.Context, invoiceID string) ([]PaymentEntry, error)
	Reconcile(ctx context.Context, invoiceID string) (ReconcileResult, error)
	// ReconcileAll walks every invoice in batches. It is a system job and
	// ignores the tenant context.
	ReconcileAll(ctx context.Context, batchSize int) (ReconcileSummary, error)
}

// Repository is append-only: there is no update or delete.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, entry *PaymentEntry) error
	FindByID(ctx context.Context, db *gorm.DB, invoiceID, id snowflake.ID) (*PaymentEntry, error)
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]PaymentEntry, error)
	// SumReversed returns the absolute total already reversed against entryID.
	SumReversed(ctx context.Context, db *gorm.DB, entryID snowflake.ID) (decimal.Decimal, error)
}
