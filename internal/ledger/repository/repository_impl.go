package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/ledger/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.PaymentEntry) error {
	return db.WithContext(ctx).Create(entry).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, invoiceID, id snowflake.ID) (*domain.PaymentEntry, error) {
	var entry domain.PaymentEntry
	err := db.WithContext(ctx).
		Where("id = ? AND invoice_id = ?", id, invoiceID).
		Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (r *repo) ListByInvoice(ctx context.Context, db *gorm.DB, invoiceID snowflake.ID) ([]domain.PaymentEntry, error) {
	var entries []domain.PaymentEntry
	err := db.WithContext(ctx).
		Where("invoice_id = ?", invoiceID).
		Order("created_at ASC, id ASC").
		Find(&entries).Error
	return entries, err
}

func (r *repo) SumReversed(ctx context.Context, db *gorm.DB, entryID snowflake.ID) (decimal.Decimal, error) {
	var amounts []decimal.Decimal
	err := db.WithContext(ctx).Model(&domain.PaymentEntry{}).
		Where("reverses_entry_id = ?", entryID).
		Pluck("amount", &amounts).Error
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, a := range amounts {
		total = total.Add(a.Abs())
	}
	return total, nil
}
