package risk

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

type stubCounter struct {
	open atomic.Int32
}

func (s *stubCounter) CountOpenPositions(ctx context.Context) (int, error) {
	return int(s.open.Load()), nil
}

func testLimits() Limits {
	return Limits{
		MaxLeverage:         20,
		MaxNotionalPerOrder: decimal.NewFromInt(5000),
		MaxOpenPositions:    3,
		DailyLossCap:        decimal.NewFromInt(1000),
		WarningThresholdPct: 80,
	}
}

func newTestManager(t *testing.T) (*Manager, *stubCounter) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	counter := &stubCounter{}
	path := filepath.Join(t.TempDir(), "killswitch.json")
	return NewManager(testLimits(), counter, path, nil, logger), counter
}

func TestValidate_Approved(t *testing.T) {
	mgr, _ := newTestManager(t)

	result := mgr.Validate(OrderCheck{
		Symbol:            "BTC",
		Leverage:          5,
		MarketMaxLeverage: 40,
		Notional:          decimal.NewFromInt(100),
	})
	if !result.Approved {
		t.Errorf("expected approval, got rejected: %s - %s", result.Reason, result.Details)
	}
}

func TestValidate_Ordering(t *testing.T) {
	mgr, _ := newTestManager(t)

	tests := []struct {
		name   string
		check  OrderCheck
		reason domain.RejectionReason
	}{
		{
			name:   "market ceiling below account ceiling",
			check:  OrderCheck{Symbol: "BTC", Leverage: 15, MarketMaxLeverage: 10, Notional: decimal.NewFromInt(100)},
			reason: domain.RejectMarketLeverage,
		},
		{
			name:   "account ceiling checked first",
			check:  OrderCheck{Symbol: "BTC", Leverage: 25, MarketMaxLeverage: 10, Notional: decimal.NewFromInt(100)},
			reason: domain.RejectAccountLeverage,
		},
		{
			name:   "leverage reported before notional",
			check:  OrderCheck{Symbol: "BTC", Leverage: 15, MarketMaxLeverage: 10, Notional: decimal.NewFromInt(999999)},
			reason: domain.RejectMarketLeverage,
		},
		{
			name:   "notional",
			check:  OrderCheck{Symbol: "BTC", Leverage: 5, MarketMaxLeverage: 10, Notional: decimal.NewFromInt(5001)},
			reason: domain.RejectNotional,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := mgr.Validate(tt.check)
			if result.Approved {
				t.Fatal("expected rejection")
			}
			if result.Reason != tt.reason {
				t.Errorf("expected %s, got %s (%s)", tt.reason, result.Reason, result.Details)
			}
		})
	}
}

func TestValidate_NoLeverageRequested(t *testing.T) {
	mgr, _ := newTestManager(t)

	result := mgr.Validate(OrderCheck{Symbol: "BTC", MarketMaxLeverage: 3, Notional: decimal.NewFromInt(10)})
	if !result.Approved {
		t.Errorf("leverage checks must be skipped without a request, got %s", result.Reason)
	}
}

func TestCheck_MaxOpenPositions(t *testing.T) {
	mgr, counter := newTestManager(t)
	ctx := context.Background()
	counter.open.Store(2)

	release, err := mgr.Check(ctx, OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(10), OpensPosition: true})
	if err != nil {
		t.Fatalf("expected reservation, got %v", err)
	}

	_, err = mgr.Check(ctx, OrderCheck{Symbol: "ETH", Notional: decimal.NewFromInt(10), OpensPosition: true})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) || ve.Reason != domain.RejectMaxOpenPositions {
		t.Fatalf("expected max open positions rejection while a slot is reserved, got %v", err)
	}

	if _, err := mgr.Check(ctx, OrderCheck{Symbol: "ETH", Notional: decimal.NewFromInt(10), ReduceOnly: true}); err != nil {
		t.Errorf("orders on existing positions skip the position limit, got %v", err)
	}

	release()
	release()
	if mgr.Reserved() != 0 {
		t.Errorf("expected release to be idempotent, reserved=%d", mgr.Reserved())
	}
}

func TestCheck_ConcurrentReservations(t *testing.T) {
	mgr, _ := newTestManager(t)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		approved atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.Check(ctx, OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(10), OpensPosition: true}); err == nil {
				approved.Add(1)
			}
		}()
	}
	wg.Wait()

	if approved.Load() != 3 {
		t.Errorf("expected exactly 3 reservations, got %d", approved.Load())
	}
}

func TestKillSwitch_BlocksEntriesNotExits(t *testing.T) {
	mgr, _ := newTestManager(t)
	mgr.ActivateKillSwitch("manual")

	result := mgr.Validate(OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(10)})
	if result.Approved || result.Reason != domain.RejectKillSwitch {
		t.Errorf("expected kill switch rejection, got %+v", result)
	}

	result = mgr.Validate(OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(10), ReduceOnly: true})
	if !result.Approved {
		t.Errorf("reduce-only orders must pass the kill switch, got %s", result.Reason)
	}
}

func TestKillSwitch_PersistsAcrossRestart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "ks.json")

	ks := NewKillSwitch(path, logger)
	ks.Activate("daily loss")

	reloaded := NewKillSwitch(path, logger)
	if !reloaded.IsActive() || reloaded.Reason() != "daily loss" {
		t.Errorf("expected persisted active kill switch, got active=%v reason=%q", reloaded.IsActive(), reloaded.Reason())
	}

	reloaded.Deactivate()
	if NewKillSwitch(path, logger).IsActive() {
		t.Error("expected deactivation to persist")
	}
}

func TestKillSwitchStatus_Resume(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	path := filepath.Join(t.TempDir(), "ks.json")
	mgr := NewManager(testLimits(), &stubCounter{}, path, nil, logger)

	if st := mgr.KillSwitchStatus(); st.Active || !st.ActivatedAt.IsZero() {
		t.Fatalf("expected inactive kill switch, got %+v", st)
	}

	before := time.Now()
	mgr.ActivateKillSwitch("operator halt")
	st := mgr.KillSwitchStatus()
	if !st.Active || st.Reason != "operator halt" || st.ActivatedAt.Before(before) {
		t.Errorf("unexpected status after activation %+v", st)
	}

	restarted := NewManager(testLimits(), &stubCounter{}, path, nil, logger)
	if got := restarted.KillSwitchStatus(); !got.Active || !got.ActivatedAt.Equal(st.ActivatedAt) {
		t.Errorf("expected status to survive restart, got %+v", got)
	}

	restarted.DeactivateKillSwitch()
	if restarted.IsKillSwitchActive() {
		t.Error("resume should clear the kill switch")
	}
	result := restarted.Validate(OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(10), Leverage: 1})
	if result.Reason == domain.RejectKillSwitch {
		t.Error("entries must pass once resumed")
	}
	if NewManager(testLimits(), &stubCounter{}, path, nil, logger).IsKillSwitchActive() {
		t.Error("resume should persist")
	}
}

func TestOnRealizedPnL_TripsKillSwitch(t *testing.T) {
	mgr, _ := newTestManager(t)

	fired := make(chan struct{}, 1)
	mgr.SetKillSwitchCallback(func() { fired <- struct{}{} })

	mgr.OnRealizedPnL(decimal.NewFromInt(-600))
	if mgr.IsKillSwitchActive() {
		t.Fatal("kill switch should not trip below the cap")
	}

	mgr.OnRealizedPnL(decimal.NewFromInt(-400))
	if !mgr.IsKillSwitchActive() {
		t.Fatal("expected kill switch after reaching the daily loss cap")
	}

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Error("expected kill switch callback")
	}
}

func TestSetLimits_HotReload(t *testing.T) {
	mgr, _ := newTestManager(t)

	l := testLimits()
	l.MaxNotionalPerOrder = decimal.NewFromInt(50)
	mgr.SetLimits(l)

	result := mgr.Validate(OrderCheck{Symbol: "BTC", Notional: decimal.NewFromInt(100)})
	if result.Reason != domain.RejectNotional {
		t.Errorf("expected reloaded notional limit to apply, got %+v", result)
	}
}
