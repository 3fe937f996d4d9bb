package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/smallbiznis/carebill/internal/audit/domain"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, entry *domain.AuditLog) error {
	if entry == nil {
		return nil
	}
	return db.WithContext(ctx).Create(entry).Error
}

// List returns newest entries first. It fetches one row past Limit so the
// caller can tell whether another page exists.
func (r *repo) List(ctx context.Context, db *gorm.DB, filter domain.ListFilter) ([]domain.AuditLog, error) {
	var logs []domain.AuditLog
	q := db.WithContext(ctx).Model(&domain.AuditLog{}).Scopes(
		forOrg(filter.OrgID),
		columnEquals("action", filter.Action),
		columnEquals("target_type", filter.TargetType),
		columnEquals("target_id", filter.TargetID),
		columnEquals("actor_type", filter.ActorType),
		createdBetween(filter.StartAt, filter.EndAt),
		beforeID(filter.BeforeID),
	).Order("id DESC")
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit + 1)
	}
	if err := q.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

func forOrg(orgID snowflake.ID) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		return q.Where("org_id = ?", orgID)
	}
}

func columnEquals(column, value string) func(*gorm.DB) *gorm.DB {
	value = strings.TrimSpace(value)
	return func(q *gorm.DB) *gorm.DB {
		if value == "" {
			return q
		}
		return q.Where(column+" = ?", value)
	}
}

func createdBetween(start, end *time.Time) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if start != nil {
			q = q.Where("created_at >= ?", start.UTC())
		}
		if end != nil {
			q = q.Where("created_at <= ?", end.UTC())
		}
		return q
	}
}

func beforeID(id snowflake.ID) func(*gorm.DB) *gorm.DB {
	return func(q *gorm.DB) *gorm.DB {
		if id == 0 {
			return q
		}
		return q.Where("id < ?", id)
	}
}
