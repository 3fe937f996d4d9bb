package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type OverrideAction string

const (
	OverrideSet   OverrideAction = "SET"
	OverrideClear OverrideAction = "CLEAR"
)

// Override records one administrative change to an invoice's escalation pin.
type Override struct {
	ID        snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID  snowflake.ID   `json:"tenant_id" gorm:"not null;index"`
	InvoiceID snowflake.ID   `json:"invoice_id" gorm:"not null;index"`
	Action    OverrideAction `json:"action" gorm:"type:varchar(8);not null"`
	FromLevel Level          `json:"from_level" gorm:"type:varchar(32);not null"`
	ToLevel   Level          `json:"to_level" gorm:"type:varchar(32);not null"`
	Reason    string         `json:"reason" gorm:"type:text;not null"`
	ActorType string         `json:"actor_type" gorm:"type:varchar(16);not null"`
	ActorID   string         `json:"actor_id" gorm:"type:varchar(64)"`
	CreatedAt time.Time      `json:"created_at" gorm:"not null"`
}

func (Override) TableName() string { return "escalation_overrides" }

type OverrideRequest struct {
	InvoiceID string `json:"invoice_id"`
	Level     Level  `json:"level"`
	Reason    string `json:"reason"`
}

// View is the recomputed escalation state of one invoice. Computed is what
// the policy alone would yield; Level additionally honors episode
// monotonicity and any administrative pin.
type View struct {
	InvoiceID    snowflake.ID `json:"invoice_id"`
	Level        Level        `json:"level"`
	Computed     Level        `json:"computed"`
	DaysOverdue  int          `json:"days_overdue"`
	Pinned       bool         `json:"pinned"`
	Restrictions Restrictions `json:"restrictions"`
}

// Service exposes escalation reads and the audited override operations.
// A context cancelled mid-call may still observe a committed change.
type Service interface {
	GetEscalationLevel(ctx context.Context, invoiceID string) (View, error)
	OverrideLevel(ctx context.Context, req OverrideRequest) (View, error)
	ClearOverride(ctx context.Context, invoiceID string, reason string) (View, error)
	ListOverrides(ctx context.Context, invoiceID string) ([]Override, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, o *Override) error
	ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]Override, error)
}
