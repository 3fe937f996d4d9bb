package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidID           = errors.New("invalid_reminder_id")
	ErrInvalidKind         = errors.New("invalid_reminder_kind")
	ErrEmptyMessage        = errors.New("empty_reminder_message")
	ErrReminderNotFound    = errors.New("reminder_not_found")
	ErrDeliveryFailed      = errors.New("reminder_delivery_failed")
)

// Notifier hands a reminder to an external channel.
type Notifier interface {
	Deliver(ctx context.Context, reminder Reminder) error
}

type GenerateRequest struct {
	InvoiceID string
	Kind      Kind
	// Message overrides the rendered template when set. CUSTOM reminders
	// require it.
	Message   string
	Recipient string
}

type ListRequest struct {
	UnreadOnly bool
	InvoiceID  string
	pagination.Pagination
}

type ListResponse struct {
	pagination.PageInfo
	Reminders []Reminder `json:"reminders"`
}

type ListFilter struct {
	TenantID   snowflake.ID
	InvoiceID  snowflake.ID
	UnreadOnly bool
	BeforeID   snowflake.ID
	Limit      int
}

// SweepResult counts what one escalation sweep did.
type SweepResult struct {
	Scanned          int
	Escalated        int
	RemindersCreated int
	DeliveryFailures int
	Failed           int
	FailedInvoiceIDs []snowflake.ID
}

// Service generates, delivers and tracks reminders.
//
// Records are committed before delivery is attempted. A caller that gives up
// mid-call may still find the reminder persisted, and delivery failures are
// recorded on the row instead of being returned.
type Service interface {
	GenerateReminder(ctx context.Context, req GenerateRequest) (Reminder, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllReadForTenant(ctx context.Context) (int64, error)
	ListRemindersForTenant(ctx context.Context, req ListRequest) (ListResponse, error)
	Redeliver(ctx context.Context, id string) (Reminder, error)
	RetryUndelivered(ctx context.Context, limit int) (int, error)

	RunEscalationSweep(ctx context.Context, today time.Time) (SweepResult, error)
	SweepInvoices(ctx context.Context, ids []snowflake.ID, today time.Time) (SweepResult, error)
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, reminder *Reminder) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Reminder, error)
	FindByIDAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Reminder, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Reminder, error)
	MarkRead(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) error
	MarkAllRead(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, at time.Time) (int64, error)
	RecordDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt *time.Time, deliveryErr string) error
	ListUndelivered(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]Reminder, error)
	// LastEscalationKind returns the most recent escalation-kind reminder for
	// the invoice created after since, or "" when none exists.
	LastEscalationKind(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, since *time.Time) (Kind, error)
	HasKindSince(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, kind Kind, since *time.Time) (bool, error)
}
