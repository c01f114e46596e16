package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestPnLTracker_AddRealized(t *testing.T) {
	tracker := NewPnLTracker()

	tracker.AddRealizedPnL(decimal.NewFromInt(100))
	tracker.AddRealizedPnL(decimal.NewFromInt(200))

	if !tracker.RealizedPnL().Equal(decimal.NewFromInt(300)) {
		t.Errorf("expected 300, got %s", tracker.RealizedPnL())
	}
}

func TestPnLTracker_UpdateUnrealized(t *testing.T) {
	tracker := NewPnLTracker()

	tracker.UpdateUnrealizedPnL(decimal.NewFromInt(-500))

	if !tracker.UnrealizedPnL().Equal(decimal.NewFromInt(-500)) {
		t.Errorf("expected -500, got %s", tracker.UnrealizedPnL())
	}

	tracker.UpdateUnrealizedPnL(decimal.NewFromInt(-300))
	if !tracker.UnrealizedPnL().Equal(decimal.NewFromInt(-300)) {
		t.Errorf("expected -300 after update, got %s", tracker.UnrealizedPnL())
	}
}

func TestPnLTracker_TotalPnL(t *testing.T) {
	tracker := NewPnLTracker()

	tracker.AddRealizedPnL(decimal.NewFromInt(-5000))
	tracker.UpdateUnrealizedPnL(decimal.NewFromInt(-3000))

	total := tracker.TotalDailyPnL()
	expected := decimal.NewFromInt(-8000)

	if !total.Equal(expected) {
		t.Errorf("expected %s, got %s", expected, total)
	}
}

func TestPnLTracker_DailyReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	tracker := newPnLTrackerWithClock(func() time.Time { return now })

	tracker.AddRealizedPnL(decimal.NewFromInt(-400))
	if tracker.ClosedCount() != 1 {
		t.Errorf("expected 1 closed fill, got %d", tracker.ClosedCount())
	}

	now = now.Add(2 * time.Minute)
	if !tracker.TotalDailyPnL().IsZero() {
		t.Errorf("expected reset after midnight, got %s", tracker.TotalDailyPnL())
	}
	if tracker.ClosedCount() != 0 {
		t.Errorf("expected closed count reset, got %d", tracker.ClosedCount())
	}
}
