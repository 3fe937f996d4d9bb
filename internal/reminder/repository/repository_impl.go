package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/reminder/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

var escalationKinds = []domain.Kind{
	domain.KindNotification,
	domain.KindBannerWarning,
	domain.KindFeatureRestriction,
	domain.KindFullLockout,
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, reminder *domain.Reminder) error {
	return db.WithContext(ctx).Create(reminder).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID) (*domain.Reminder, error) {
	var item domain.Reminder
	err := db.WithContext(ctx).
		Where("id = ? AND tenant_id = ?", id, tenantID).
		Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) FindByIDAny(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Reminder, error) {
	var item domain.Reminder
	err := db.WithContext(ctx).Where("id = ?", id).Take(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &item, nil
}

func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.Reminder, error) {
	q := db.WithContext(ctx).Model(&domain.Reminder{}).Where("tenant_id = ?", filter.TenantID)
	if filter.InvoiceID != 0 {
		q = q.Where("invoice_id = ?", filter.InvoiceID)
	}
	if filter.UnreadOnly {
		q = q.Where("is_read = ?", false)
	}
	if filter.BeforeID != 0 {
		q = q.Where("id < ?", filter.BeforeID)
	}

	var items []domain.Reminder
	if err := q.Order("id DESC").Limit(filter.Limit).Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) MarkRead(ctx context.Context, db *gorm.DB, tenantID, id snowflake.ID, at time.Time) error {
	return db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("id = ? AND tenant_id = ? AND is_read = ?", id, tenantID, false).
		Updates(map[string]any{"is_read": true, "read_at": at}).Error
}

func (r *repo) MarkAllRead(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("tenant_id = ? AND is_read = ?", tenantID, false).
		Updates(map[string]any{"is_read": true, "read_at": at})
	return res.RowsAffected, res.Error
}

func (r *repo) RecordDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, sentAt *time.Time, deliveryErr string) error {
	updates := map[string]any{
		"delivery_attempts":   gorm.Expr("delivery_attempts + 1"),
		"last_delivery_error": deliveryErr,
	}
	if sentAt != nil {
		updates["sent_at"] = *sentAt
	}
	return db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *repo) ListUndelivered(ctx context.Context, db *gorm.DB, maxAttempts, limit int) ([]domain.Reminder, error) {
	var items []domain.Reminder
	err := db.WithContext(ctx).
		Where("sent_at IS NULL AND delivery_attempts < ?", maxAttempts).
		Order("id ASC").
		Limit(limit).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) LastEscalationKind(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, since *time.Time) (domain.Kind, error) {
	q := db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("invoice_id = ? AND kind IN ?", invoiceID, escalationKinds)
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	var kinds []domain.Kind
	if err := q.Order("id DESC").Limit(1).Pluck("kind", &kinds).Error; err != nil {
		return "", err
	}
	if len(kinds) == 0 {
		return "", nil
	}
	return kinds[0], nil
}

func (r *repo) HasKindSince(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID, kind domain.Kind, since *time.Time) (bool, error) {
	q := db.WithContext(ctx).Model(&domain.Reminder{}).
		Where("invoice_id = ? AND kind = ?", invoiceID, kind)
	if since != nil {
		q = q.Where("created_at > ?", *since)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
