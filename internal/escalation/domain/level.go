package domain

import (
	"errors"
	"strings"
)

var (
	ErrInvalidLevel    = errors.New("invalid_escalation_level")
	ErrInvalidPolicy   = errors.New("invalid_escalation_policy")
	ErrNotSubscription = errors.New("escalation_requires_subscription_invoice")
	ErrInvalidReason   = errors.New("invalid_override_reason")
	ErrNotOverridden   = errors.New("escalation_not_overridden")
)

// Level is the tenant-facing restriction severity of a delinquent invoice.
type Level string

const (
	LevelNoRestriction      Level = "NO_RESTRICTION"
	LevelNotification       Level = "NOTIFICATION"
	LevelBannerWarning      Level = "BANNER_WARNING"
	LevelFeatureRestriction Level = "FEATURE_RESTRICTION"
	LevelFullLockout        Level = "FULL_LOCKOUT"
)

var levelRank = map[Level]int{
	LevelNoRestriction:      0,
	LevelNotification:       1,
	LevelBannerWarning:      2,
	LevelFeatureRestriction: 3,
	LevelFullLockout:        4,
}

// ParseLevel normalizes a level name. Empty input maps to NO_RESTRICTION.
func ParseLevel(value string) (Level, error) {
	v := strings.ToUpper(strings.TrimSpace(value))
	if v == "" {
		return LevelNoRestriction, nil
	}
	lvl := Level(v)
	if !lvl.Valid() {
		return "", ErrInvalidLevel
	}
	return lvl, nil
}

func (l Level) Valid() bool {
	_, ok := levelRank[l]
	return ok
}

// Rank orders levels by severity. Unknown levels rank below NO_RESTRICTION.
func (l Level) Rank() int {
	r, ok := levelRank[l]
	if !ok {
		return -1
	}
	return r
}

func (l Level) MoreSevereThan(other Level) bool {
	return l.Rank() > other.Rank()
}

func (l Level) String() string { return string(l) }

// Restrictions is what collaborators gate UI and features on.
type Restrictions struct {
	ShowBanner       bool `json:"show_banner"`
	RestrictFeatures bool `json:"restrict_features"`
	LockedOut        bool `json:"locked_out"`
}

func (l Level) Restrictions() Restrictions {
	return Restrictions{
		ShowBanner:       l.Rank() >= LevelBannerWarning.Rank(),
		RestrictFeatures: l.Rank() >= LevelFeatureRestriction.Rank(),
		LockedOut:        l == LevelFullLockout,
	}
}

// Max returns the more severe of a and b.
func Max(a, b Level) Level {
	if b.MoreSevereThan(a) {
		return b
	}
	return a
}
