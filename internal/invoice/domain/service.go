package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/billingstatus"
	"github.com/smallbiznis/carebill/pkg/db/pagination"
)

var (
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrInvalidKind         = errors.New("invalid_invoice_kind")
	ErrInvalidID           = errors.New("invalid_invoice_id")
	ErrInvalidDueDate      = errors.New("invalid_due_date")
	ErrInvalidStatus       = errors.New("invalid_invoice_status")
	ErrInvoiceNotFound     = errors.New("invoice_not_found")
	ErrInvoiceCancelled    = errors.New("invoice_cancelled")
	ErrConflict            = errors.New("concurrent_modification")
)

type CreateInvoiceRequest struct {
	// TenantID is only needed by system triggers running without a tenant
	// context. When both are present they must agree.
	TenantID       string
	Kind           Kind
	CounterpartyID string
	GrossAmount    decimal.Decimal
	Discount       decimal.Decimal
	DueDate        time.Time
	Description    string
	Recipient      string
}

type ListInvoiceRequest struct {
	Kind           *Kind
	Status         *billingstatus.Status
	CounterpartyID string
	pagination.Pagination
}

type ListInvoiceResponse struct {
	pagination.PageInfo
	Invoices []Invoice `json:"invoices"`
}

// ListFilter is the repository-level form of ListInvoiceRequest.
type ListFilter struct {
	TenantID       snowflake.ID
	Kind           *Kind
	Status         *billingstatus.Status
	CounterpartyID string
	AfterID        snowflake.ID
	Limit          int
	Today          time.Time
}

// Service exposes invoice creation, reads and the cancellation flag. Paid
// amounts only change through the payment ledger.
//
// Mutations are committed before they return. A caller that gives up after
// the call has started may still find the change applied.
type Service interface {
	CreateInvoice(ctx context.Context, req CreateInvoiceRequest) (Invoice, error)
	GetInvoice(ctx context.Context, id string) (Invoice, error)
	ListInvoices(ctx context.Context, req ListInvoiceRequest) (ListInvoiceResponse, error)
	GetInvoiceStatus(ctx context.Context, id string) (StatusView, error)
	CancelInvoice(ctx context.Context, id string, reason string) (Invoice, error)
}

// Repository methods take the handle to run on so callers can pass a
// transaction.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, inv *Invoice) error
	FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Invoice, error)
	// FindByIDAny looks an invoice up without tenant scoping, for system jobs.
	FindByIDAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Invoice, error)
	// LockByID reads the row with FOR UPDATE. A zero tenantID skips scoping.
	LockByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*Invoice, error)
	// SaveDerived writes the cached fields with a version compare-and-set and
	// bumps Version. ErrConflict means another writer won.
	SaveDerived(ctx context.Context, db *gorm.DB, inv *Invoice) error
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Invoice, error)
	// ListOpenSubscriptionIDs pages through subscription invoices that are
	// not cancelled and not yet settled, across tenants.
	ListOpenSubscriptionIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)
}
