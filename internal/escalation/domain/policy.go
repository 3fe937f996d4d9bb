package domain

import (
	"fmt"
	"sort"

	"github.com/smallbiznis/carebill/internal/billingstatus"
)

// DefaultDueSoonDays is how many days before the due date a DUE_SOON
// reminder goes out.
const DefaultDueSoonDays = 3

// Threshold activates Level once an invoice is at least Days overdue.
type Threshold struct {
	Days  int   `mapstructure:"days" json:"days" yaml:"days"`
	Level Level `mapstructure:"level" json:"level" yaml:"level"`
}

// Policy is the ordered threshold table plus the due-soon window.
type Policy struct {
	Thresholds  []Threshold `mapstructure:"thresholds" json:"thresholds" yaml:"thresholds"`
	DueSoonDays int         `mapstructure:"due_soon_days" json:"due_soon_days" yaml:"due_soon_days"`
}

func DefaultPolicy() Policy {
	return Policy{
		Thresholds: []Threshold{
			{Days: 0, Level: LevelNotification},
			{Days: 5, Level: LevelBannerWarning},
			{Days: 7, Level: LevelFeatureRestriction},
			{Days: 10, Level: LevelFullLockout},
		},
		DueSoonDays: DefaultDueSoonDays,
	}
}

// Validate requires a non-empty table with strictly increasing days and
// strictly increasing severity.
func (p Policy) Validate() error {
	if len(p.Thresholds) == 0 {
		return fmt.Errorf("%w: no thresholds", ErrInvalidPolicy)
	}
	if p.DueSoonDays < 0 {
		return fmt.Errorf("%w: due_soon_days must be >= 0", ErrInvalidPolicy)
	}
	for i, t := range p.Thresholds {
		if !t.Level.Valid() || t.Level == LevelNoRestriction {
			return fmt.Errorf("%w: threshold %d has level %q", ErrInvalidPolicy, i, t.Level)
		}
		if t.Days < 0 {
			return fmt.Errorf("%w: threshold %d has negative days", ErrInvalidPolicy, i)
		}
		if i == 0 {
			continue
		}
		prev := p.Thresholds[i-1]
		if t.Days <= prev.Days {
			return fmt.Errorf("%w: days must be strictly increasing at threshold %d", ErrInvalidPolicy, i)
		}
		if !t.Level.MoreSevereThan(prev.Level) {
			return fmt.Errorf("%w: levels must be strictly increasing at threshold %d", ErrInvalidPolicy, i)
		}
	}
	return nil
}

// Normalize sorts thresholds by days. A DueSoonDays of 0 disables due-soon
// reminders; loaders fill DefaultDueSoonDays only when the key is absent.
func (p Policy) Normalize() Policy {
	out := Policy{
		Thresholds:  append([]Threshold(nil), p.Thresholds...),
		DueSoonDays: p.DueSoonDays,
	}
	sort.SliceStable(out.Thresholds, func(i, j int) bool {
		return out.Thresholds[i].Days < out.Thresholds[j].Days
	})
	return out
}

// Compute maps days overdue to the highest threshold crossed. Settled and
// cancelled invoices carry no restriction.
func (p Policy) Compute(daysOverdue int, status billingstatus.Status) Level {
	if status.IsTerminal() {
		return LevelNoRestriction
	}
	for i := len(p.Thresholds) - 1; i >= 0; i-- {
		if daysOverdue >= p.Thresholds[i].Days {
			return p.Thresholds[i].Level
		}
	}
	return LevelNoRestriction
}

// Next advances previous within a delinquency episode. Levels never move
// backward until the invoice is paid or cancelled, which resets to
// NO_RESTRICTION.
func (p Policy) Next(previous Level, daysOverdue int, status billingstatus.Status) Level {
	if status.IsTerminal() {
		return LevelNoRestriction
	}
	return Max(previous, p.Compute(daysOverdue, status))
}

// InDueSoonWindow reports whether an invoice due in daysUntilDue days should
// receive a DUE_SOON reminder.
func (p Policy) InDueSoonWindow(daysUntilDue int) bool {
	return p.DueSoonDays > 0 && daysUntilDue > 0 && daysUntilDue <= p.DueSoonDays
}
