// Package domain holds reminder records and the dispatcher contracts.
package domain

import (
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"

	escalationdomain "github.com/smallbiznis/carebill/internal/escalation/domain"
)

type Kind string

const (
	KindDueSoon            Kind = "DUE_SOON"
	KindNotification       Kind = "NOTIFICATION"
	KindBannerWarning      Kind = "BANNER_WARNING"
	KindFeatureRestriction Kind = "FEATURE_RESTRICTION"
	KindFullLockout        Kind = "FULL_LOCKOUT"
	KindCustom             Kind = "CUSTOM"
)

func ParseKind(value string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(value)))
	switch k {
	case KindDueSoon, KindNotification, KindBannerWarning,
		KindFeatureRestriction, KindFullLockout, KindCustom:
		return k, nil
	}
	return "", ErrInvalidKind
}

// KindForLevel maps an escalation level to its reminder kind. NO_RESTRICTION
// has no reminder and yields ok=false.
func KindForLevel(level escalationdomain.Level) (Kind, bool) {
	switch level {
	case escalationdomain.LevelNotification:
		return KindNotification, true
	case escalationdomain.LevelBannerWarning:
		return KindBannerWarning, true
	case escalationdomain.LevelFeatureRestriction:
		return KindFeatureRestriction, true
	case escalationdomain.LevelFullLockout:
		return KindFullLockout, true
	}
	return "", false
}

// Level is the escalation level an escalation kind stands for.
func (k Kind) Level() (escalationdomain.Level, bool) {
	switch k {
	case KindNotification:
		return escalationdomain.LevelNotification, true
	case KindBannerWarning:
		return escalationdomain.LevelBannerWarning, true
	case KindFeatureRestriction:
		return escalationdomain.LevelFeatureRestriction, true
	case KindFullLockout:
		return escalationdomain.LevelFullLockout, true
	}
	return "", false
}

func (k Kind) IsEscalation() bool {
	_, ok := k.Level()
	return ok
}

// Reminder is a persisted notice about one invoice. SentAt stays nil until a
// delivery succeeds.
type Reminder struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID  snowflake.ID `json:"tenant_id" gorm:"not null;index"`
	InvoiceID snowflake.ID `json:"invoice_id" gorm:"not null;index"`
	Kind      Kind         `json:"kind" gorm:"type:varchar(32);not null"`
	Message   string       `json:"message" gorm:"type:text;not null"`
	Recipient string       `json:"recipient" gorm:"type:varchar(255)"`

	SentAt            *time.Time `json:"sent_at"`
	DeliveryAttempts  int        `json:"delivery_attempts" gorm:"not null;default:0"`
	LastDeliveryError string     `json:"last_delivery_error,omitempty" gorm:"type:text"`

	Read      bool       `json:"read" gorm:"column:is_read;not null;default:false;index"`
	ReadAt    *time.Time `json:"read_at"`
	CreatedAt time.Time  `json:"created_at" gorm:"not null"`
}

func (Reminder) TableName() string { return "reminders" }

func (r *Reminder) Delivered() bool { return r.SentAt != nil }
