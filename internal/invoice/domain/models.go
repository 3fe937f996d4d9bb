// Package domain contains the invoice model and its derived-state rules.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"

	"github.com/smallbiznis/carebill/internal/billingstatus"
	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
)

// Kind distinguishes the two billing relationships.
type Kind string

const (
	KindPatientService     Kind = "PATIENT_SERVICE"
	KindTenantSubscription Kind = "TENANT_SUBSCRIPTION"
)

func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(value)))
	switch k {
	case KindPatientService, KindTenantSubscription:
		return k, nil
	}
	return "", ErrInvalidKind
}

// Invoice is a billable obligation. PaidAmount, Status, PaymentDate and the
// escalation fields are caches written only through Recompute.
type Invoice struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID       snowflake.ID `json:"tenant_id" gorm:"not null;index"`
	Kind           Kind         `json:"kind" gorm:"type:varchar(32);not null;index"`
	CounterpartyID string       `json:"counterparty_id" gorm:"type:varchar(64);not null;index"`
	Description    string       `json:"description" gorm:"type:text"`
	Recipient      string       `json:"recipient" gorm:"type:varchar(255)"`

	GrossAmount decimal.Decimal `json:"gross_amount" gorm:"type:decimal(18,4);not null"`
	Discount    decimal.Decimal `json:"discount" gorm:"type:decimal(18,4);not null"`
	NetAmount   decimal.Decimal `json:"net_amount" gorm:"type:decimal(18,4);not null"`
	PaidAmount  decimal.Decimal `json:"paid_amount" gorm:"type:decimal(18,4);not null"`

	DueDate     time.Time            `json:"due_date" gorm:"not null;index"`
	PaymentDate *time.Time           `json:"payment_date"`
	Status      billingstatus.Status `json:"status" gorm:"type:varchar(16);not null;index"`

	Cancelled    bool       `json:"cancelled" gorm:"not null;default:false"`
	CancelledAt  *time.Time `json:"cancelled_at"`
	CancelReason string     `json:"cancel_reason" gorm:"type:text"`

	EscalationLevel   escalationdomain.Level `json:"escalation_level" gorm:"type:varchar(32);not null"`
	EscalationPinned  bool                   `json:"escalation_pinned" gorm:"not null;default:false"`
	EscalationResetAt *time.Time             `json:"escalation_reset_at"`

	Version   int64     `json:"version" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at" gorm:"not null"`
}

// TableName sets the database table name.
func (Invoice) TableName() string { return "invoices" }

func (i *Invoice) IsSubscription() bool {
	return i.Kind == KindTenantSubscription
}

// Outstanding is the unpaid remainder, never negative.
func (i *Invoice) Outstanding() decimal.Decimal {
	rest := i.NetAmount.Sub(i.PaidAmount)
	if rest.IsNegative() {
		return decimal.Zero
	}
	return rest
}

// StatusView is the recomputed read view of an invoice's payment state.
type StatusView struct {
	InvoiceID   snowflake.ID         `json:"invoice_id"`
	Status      billingstatus.Status `json:"status"`
	NetAmount   decimal.Decimal      `json:"net_amount"`
	PaidAmount  decimal.Decimal      `json:"paid_amount"`
	Outstanding decimal.Decimal      `json:"outstanding"`
	DueDate     time.Time            `json:"due_date"`
	PaymentDate *time.Time           `json:"payment_date"`
	DaysOverdue int                  `json:"days_overdue"`
}
