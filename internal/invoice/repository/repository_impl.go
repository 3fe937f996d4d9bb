package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/smallbiznis/carebill/internal/billingstatus"
	"github.com/smallbiznis/carebill/internal/invoice/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	return db.WithContext(ctx).Create(inv).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repo) FindByIDAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	err := db.WithContext(ctx).Where("id = ?", id).Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repo) LockByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Invoice, error) {
	var inv domain.Invoice
	q := db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id)
	if tenantID != 0 {
		q = q.Where("tenant_id = ?", tenantID)
	}
	err := q.Take(&inv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *repo) SaveDerived(ctx context.Context, db *gorm.DB, inv *domain.Invoice) error {
	now := time.Now().UTC()
	res := db.WithContext(ctx).Exec(
		`UPDATE invoices
		 SET paid_amount = ?, status = ?, payment_date = ?,
			cancelled = ?, cancelled_at = ?, cancel_reason = ?,
			escalation_level = ?, escalation_pinned = ?, escalation_reset_at = ?,
			version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ?`,
		inv.PaidAmount,
		inv.Status,
		inv.PaymentDate,
		inv.Cancelled,
		inv.CancelledAt,
		inv.CancelReason,
		inv.EscalationLevel,
		inv.EscalationPinned,
		inv.EscalationResetAt,
		now,
		inv.ID,
		inv.Version,
	)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return domain.ErrConflict
	}
	inv.Version++
	inv.UpdatedAt = now
	return nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Invoice, error) {
	q := db.WithContext(ctx).Model(&domain.Invoice{}).Where("tenant_id = ?", filter.TenantID)
	if filter.Kind != nil {
		q = q.Where("kind = ?", *filter.Kind)
	}
	if filter.CounterpartyID != "" {
		q = q.Where("counterparty_id = ?", filter.CounterpartyID)
	}
	if filter.Status != nil {
		q = whereStatus(q, *filter.Status, billingstatus.DateOf(filter.Today))
	}
	if filter.AfterID != 0 {
		q = q.Where("id < ?", filter.AfterID)
	}

	var items []domain.Invoice
	if err := q.Order("id DESC").Limit(filter.Limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// whereStatus expresses the status derivation as a predicate so filtering
// never depends on the cached status column.
func whereStatus(q *gorm.DB, status billingstatus.Status, today time.Time) *gorm.DB {
	if status == billingstatus.StatusCancelled {
		return q.Where("cancelled = ?", true)
	}
	q = q.Where("cancelled = ?", false)
	switch status {
	case billingstatus.StatusPaid:
		return q.Where("paid_amount >= net_amount")
	case billingstatus.StatusPartial:
		return q.Where("paid_amount > 0 AND paid_amount < net_amount")
	case billingstatus.StatusOverdue:
		return q.Where("paid_amount <= 0 AND paid_amount < net_amount AND due_date < ?", today)
	default:
		return q.Where("paid_amount <= 0 AND paid_amount < net_amount AND due_date >= ?", today)
	}
}

func (r *repo) ListOpenSubscriptionIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("kind = ? AND cancelled = ? AND paid_amount < net_amount AND id > ?",
			domain.KindTenantSubscription, false, afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

func (r *repo) ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Model(&domain.Invoice{}).
		Where("id > ?", afterID).
		Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}
