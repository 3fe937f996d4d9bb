package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

// PaymentMethod is opaque to the ledger; it is only normalized and stored.
type PaymentMethod string

const (
	MethodCash         PaymentMethod = "CASH"
	MethodPix          PaymentMethod = "PIX"
	MethodCreditCard   PaymentMethod = "CREDIT_CARD"
	MethodDebitCard    PaymentMethod = "DEBIT_CARD"
	MethodBankTransfer PaymentMethod = "BANK_TRANSFER"
	MethodBoleto       PaymentMethod = "BOLETO"
	MethodInsurance    PaymentMethod = "INSURANCE"
	MethodOther        PaymentMethod = "OTHER"
	// MethodReversal marks entries appended by ReversePayment.
	MethodReversal PaymentMethod = "REVERSAL"
)

// NormalizeMethod upper-cases and trims; empty maps to OTHER.
func NormalizeMethod(value string) PaymentMethod {
	v := strings.ToUpper(strings.TrimSpace(value))
	v = strings.NewReplacer(" ", "_", "-", "_").Replace(v)
	if v == "" {
		return MethodOther
	}
	return PaymentMethod(v)
}

// ReversalNotePrefix starts the notes of every reversal entry.
const ReversalNotePrefix = "Reversal: "

// PaymentEntry is an immutable signed movement against an invoice. The
// invoice's paid amount always equals the sum of its entries.
type PaymentEntry struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	InvoiceID snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	TenantID  snowflake.ID `json:"tenant_id" gorm:"not null;index"`

	Amount decimal.Decimal `json:"amount" gorm:"type:decimal(18,4);not null"`
	// RequestedAmount is the amount a reversal asked for before clamping.
	RequestedAmount *decimal.Decimal `json:"requested_amount,omitempty" gorm:"type:decimal(18,4)"`

	Method          PaymentMethod `json:"method" gorm:"type:varchar(32);not null"`
	OccurredAt      time.Time     `json:"occurred_at" gorm:"not null"`
	Notes           string        `json:"notes" gorm:"type:text"`
	ReversesEntryID *snowflake.ID `json:"reverses_entry_id,omitempty" gorm:"index"`
	RecordedBy      string        `json:"recorded_by" gorm:"type:varchar(64)"`
	CreatedAt       time.Time     `json:"created_at" gorm:"not null"`
}

func (PaymentEntry) TableName() string { return "payment_entries" }

func (e PaymentEntry) IsReversal() bool {
	return e.Amount.IsNegative() || e.Method == MethodReversal
}

// SumEntries adds up signed entry amounts.
func SumEntries(entries []PaymentEntry) decimal.Decimal {
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
