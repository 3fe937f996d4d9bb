package domain

import (
	"errors"
	"testing"

	"github.com/smallbiznis/carebill/internal/billingstatus"
)

func TestComputeHighestThresholdFirst(t *testing.T) {
	p := DefaultPolicy()
	cases := []struct {
		days int
		want Level
	}{
		{-3, LevelNoRestriction},
		{0, LevelNotification},
		{4, LevelNotification},
		{5, LevelBannerWarning},
		{7, LevelFeatureRestriction},
		{9, LevelFeatureRestriction},
		{10, LevelFullLockout},
		{12, LevelFullLockout},
	}
	for _, tc := range cases {
		if got := p.Compute(tc.days, billingstatus.StatusOverdue); got != tc.want {
			t.Fatalf("days=%d: expected %s, got %s", tc.days, tc.want, got)
		}
	}
}

func TestComputeIsMonotonicInDaysOverdue(t *testing.T) {
	p := DefaultPolicy()
	prev := p.Compute(-30, billingstatus.StatusOverdue)
	for d := -29; d <= 60; d++ {
		cur := p.Compute(d, billingstatus.StatusOverdue)
		if prev.MoreSevereThan(cur) {
			t.Fatalf("level decreased between day %d (%s) and %d (%s)", d-1, prev, d, cur)
		}
		prev = cur
	}
}

func TestTerminalStatusResets(t *testing.T) {
	p := DefaultPolicy()
	for _, status := range []billingstatus.Status{billingstatus.StatusPaid, billingstatus.StatusCancelled} {
		if got := p.Compute(30, status); got != LevelNoRestriction {
			t.Fatalf("%s: expected NO_RESTRICTION, got %s", status, got)
		}
		if got := p.Next(LevelFullLockout, 30, status); got != LevelNoRestriction {
			t.Fatalf("%s: expected reset, got %s", status, got)
		}
	}
}

func TestNextNeverMovesBackwardWithinEpisode(t *testing.T) {
	p := DefaultPolicy()
	// A partial payment does not lift restrictions already reached.
	if got := p.Next(LevelFeatureRestriction, 2, billingstatus.StatusPartial); got != LevelFeatureRestriction {
		t.Fatalf("expected FEATURE_RESTRICTION, got %s", got)
	}
	if got := p.Next(LevelNotification, 11, billingstatus.StatusOverdue); got != LevelFullLockout {
		t.Fatalf("expected FULL_LOCKOUT, got %s", got)
	}
}

func TestValidate(t *testing.T) {
	if err := DefaultPolicy().Validate(); err != nil {
		t.Fatalf("default policy invalid: %v", err)
	}

	bad := []Policy{
		{},
		{Thresholds: []Threshold{{Days: 0, Level: LevelNotification}, {Days: 0, Level: LevelBannerWarning}}},
		{Thresholds: []Threshold{{Days: 0, Level: LevelBannerWarning}, {Days: 5, Level: LevelNotification}}},
		{Thresholds: []Threshold{{Days: 0, Level: Level("SUSPENDED")}}},
		{Thresholds: []Threshold{{Days: 0, Level: LevelNoRestriction}}},
		{Thresholds: []Threshold{{Days: -1, Level: LevelNotification}}},
	}
	for i, p := range bad {
		if err := p.Validate(); !errors.Is(err, ErrInvalidPolicy) {
			t.Fatalf("case %d: expected ErrInvalidPolicy, got %v", i, err)
		}
	}
}

func TestNormalizeSortsThresholds(t *testing.T) {
	p := Policy{Thresholds: []Threshold{
		{Days: 10, Level: LevelFullLockout},
		{Days: 0, Level: LevelNotification},
	}}.Normalize()
	if p.Thresholds[0].Days != 0 || p.Thresholds[1].Days != 10 {
		t.Fatalf("thresholds not sorted: %+v", p.Thresholds)
	}
	if p.DueSoonDays != 0 {
		t.Fatalf("due-soon days must be kept as given, got %d", p.DueSoonDays)
	}
	if err := p.Validate(); err != nil {
		t.Fatalf("normalized policy invalid: %v", err)
	}
}

func TestZeroDueSoonDaysDisablesWindow(t *testing.T) {
	p := DefaultPolicy()
	p.DueSoonDays = 0
	p = p.Normalize()
	for days := 0; days <= DefaultDueSoonDays+1; days++ {
		if p.InDueSoonWindow(days) {
			t.Fatalf("window must be closed at %d days with due_soon_days 0", days)
		}
	}
}

func TestRestrictions(t *testing.T) {
	if r := LevelNotification.Restrictions(); r.ShowBanner || r.RestrictFeatures || r.LockedOut {
		t.Fatalf("notification must not restrict: %+v", r)
	}
	if r := LevelBannerWarning.Restrictions(); !r.ShowBanner || r.RestrictFeatures {
		t.Fatalf("unexpected banner restrictions: %+v", r)
	}
	if r := LevelFullLockout.Restrictions(); !r.ShowBanner || !r.RestrictFeatures || !r.LockedOut {
		t.Fatalf("lockout must restrict everything: %+v", r)
	}
}

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel(" banner_warning ")
	if err != nil || lvl != LevelBannerWarning {
		t.Fatalf("expected BANNER_WARNING, got %s (%v)", lvl, err)
	}
	if _, err := ParseLevel("suspended"); !errors.Is(err, ErrInvalidLevel) {
		t.Fatalf("expected ErrInvalidLevel, got %v", err)
	}
}

func TestInDueSoonWindow(t *testing.T) {
	p := DefaultPolicy()
	if !p.InDueSoonWindow(3) || !p.InDueSoonWindow(1) {
		t.Fatal("expected days 1..3 in window")
	}
	if p.InDueSoonWindow(0) || p.InDueSoonWindow(4) {
		t.Fatal("due date and day 4 must be outside window")
	}
}
