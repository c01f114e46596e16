package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

type Limits struct {
	MaxLeverage         int
	MaxNotionalPerOrder decimal.Decimal
	MaxOpenPositions    int
	DailyLossCap        decimal.Decimal
	WarningThresholdPct int
}

type ValidationResult struct {
	Approved bool
	Reason   domain.RejectionReason
	Details  string
}

func (r ValidationResult) Err() error {
	if r.Approved {
		return nil
	}
	return &domain.ValidationError{Reason: r.Reason, Details: r.Details}
}

// OrderCheck is the pre-trade view of one placement.
type OrderCheck struct {
	Symbol            string
	Leverage          int
	MarketMaxLeverage int
	Notional          decimal.Decimal
	ReduceOnly        bool
	OpensPosition     bool
}

// PositionCounter reports positions that count against the open limit.
type PositionCounter interface {
	CountOpenPositions(ctx context.Context) (int, error)
}

type Manager struct {
	limits     atomic.Pointer[Limits]
	pnlTracker *PnLTracker
	killSwitch *KillSwitch
	counter    PositionCounter
	metrics    *monitor.Metrics
	logger     *slog.Logger

	resMu    sync.Mutex
	reserved int

	mu           sync.Mutex
	warned       bool
	onKillSwitch func()
}

func NewManager(limits Limits, counter PositionCounter, killSwitchPath string, metrics *monitor.Metrics, logger *slog.Logger) *Manager {
	m := &Manager{
		pnlTracker: NewPnLTracker(),
		killSwitch: NewKillSwitch(killSwitchPath, logger),
		counter:    counter,
		metrics:    metrics,
		logger:     logger,
	}
	m.limits.Store(&limits)
	metrics.SetKillSwitch(m.killSwitch.IsActive())
	return m
}

func (m *Manager) Limits() Limits {
	return *m.limits.Load()
}

// SetLimits swaps limits in place; used by config hot reload.
func (m *Manager) SetLimits(l Limits) {
	m.limits.Store(&l)
	m.logger.Info("risk limits updated",
		"max_leverage", l.MaxLeverage,
		"max_notional_per_order", l.MaxNotionalPerOrder.String(),
		"max_open_positions", l.MaxOpenPositions)
}

func (m *Manager) SetKillSwitchCallback(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onKillSwitch = fn
}

// Validate runs the stateless checks in order and stops at the first
// violation.
func (m *Manager) Validate(c OrderCheck) ValidationResult {
	l := m.limits.Load()

	if m.killSwitch.IsActive() && !c.ReduceOnly {
		return ValidationResult{Reason: domain.RejectKillSwitch, Details: m.killSwitch.Reason()}
	}

	if c.Leverage > 0 {
		if l.MaxLeverage > 0 && c.Leverage > l.MaxLeverage {
			return ValidationResult{
				Reason:  domain.RejectAccountLeverage,
				Details: fmt.Sprintf("leverage %d > account ceiling %d", c.Leverage, l.MaxLeverage),
			}
		}
		if c.MarketMaxLeverage > 0 && c.Leverage > c.MarketMaxLeverage {
			return ValidationResult{
				Reason:  domain.RejectMarketLeverage,
				Details: fmt.Sprintf("leverage %d > %s ceiling %d", c.Leverage, c.Symbol, c.MarketMaxLeverage),
			}
		}
	}

	if l.MaxNotionalPerOrder.IsPositive() && c.Notional.GreaterThan(l.MaxNotionalPerOrder) {
		return ValidationResult{
			Reason:  domain.RejectNotional,
			Details: fmt.Sprintf("notional %s > %s", c.Notional.StringFixed(2), l.MaxNotionalPerOrder.String()),
		}
	}

	return ValidationResult{Approved: true}
}

// Check validates c and, for orders that open a position, reserves a slot
// against the open-position limit. The caller must call release once the
// new position is persisted or the placement has failed.
func (m *Manager) Check(ctx context.Context, c OrderCheck) (func(), error) {
	if res := m.Validate(c); !res.Approved {
		m.metrics.OrderRejected(string(res.Reason))
		return noop, res.Err()
	}
	if !c.OpensPosition {
		return noop, nil
	}

	release, res, err := m.reservePosition(ctx)
	if err != nil {
		return noop, err
	}
	if !res.Approved {
		m.metrics.OrderRejected(string(res.Reason))
		return noop, res.Err()
	}
	return release, nil
}

func (m *Manager) reservePosition(ctx context.Context) (func(), ValidationResult, error) {
	limit := m.limits.Load().MaxOpenPositions
	if limit <= 0 {
		return noop, ValidationResult{Approved: true}, nil
	}

	m.resMu.Lock()
	defer m.resMu.Unlock()

	open, err := m.counter.CountOpenPositions(ctx)
	if err != nil {
		return noop, ValidationResult{}, fmt.Errorf("count open positions: %w", err)
	}
	m.metrics.SetOpenPositions(open)

	if open+m.reserved >= limit {
		return noop, ValidationResult{
			Reason:  domain.RejectMaxOpenPositions,
			Details: fmt.Sprintf("open %d + pending %d >= %d", open, m.reserved, limit),
		}, nil
	}

	m.reserved++
	var once sync.Once
	release := func() {
		once.Do(func() {
			m.resMu.Lock()
			m.reserved--
			m.resMu.Unlock()
		})
	}
	return release, ValidationResult{Approved: true}, nil
}

func (m *Manager) Reserved() int {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return m.reserved
}

// OnRealizedPnL records PnL from a closing fill and trips the kill switch
// when the daily loss cap is breached.
func (m *Manager) OnRealizedPnL(pnl decimal.Decimal) {
	m.pnlTracker.AddRealizedPnL(pnl)
	m.checkPnLLimits()
}

func (m *Manager) OnUnrealizedPnL(pnl decimal.Decimal) {
	m.pnlTracker.UpdateUnrealizedPnL(pnl)
	m.checkPnLLimits()
}

func (m *Manager) checkPnLLimits() {
	l := m.limits.Load()
	total := m.pnlTracker.TotalDailyPnL()
	m.metrics.SetDailyPnL(total.InexactFloat64())

	if !l.DailyLossCap.IsPositive() {
		return
	}
	lossCap := l.DailyLossCap.Neg()
	warningLevel := lossCap.Mul(decimal.NewFromInt(int64(l.WarningThresholdPct))).Div(decimal.NewFromInt(100))

	m.mu.Lock()
	defer m.mu.Unlock()

	if total.LessThanOrEqual(lossCap) {
		if m.killSwitch.IsActive() {
			return
		}
		m.killSwitch.Activate(fmt.Sprintf("daily PnL breach: %s", total.String()))
		m.metrics.SetKillSwitch(true)
		m.logger.Error("DAILY PNL BREACH - KILL SWITCH ACTIVATED",
			"total_pnl", total.String(),
			"cap", l.DailyLossCap.String())
		if m.onKillSwitch != nil {
			go m.onKillSwitch()
		}
		return
	}

	if l.WarningThresholdPct > 0 && total.LessThanOrEqual(warningLevel) && !m.warned {
		m.warned = true
		m.logger.Warn("PnL warning threshold reached",
			"total_pnl", total.String(),
			"warning_level", warningLevel.String())
	}
}

func (m *Manager) DailyPnL() decimal.Decimal {
	return m.pnlTracker.TotalDailyPnL()
}

func (m *Manager) IsKillSwitchActive() bool {
	return m.killSwitch.IsActive()
}

type KillSwitchStatus struct {
	Active      bool      `json:"active"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at,omitzero"`
}

func (m *Manager) KillSwitchStatus() KillSwitchStatus {
	return KillSwitchStatus{
		Active:      m.killSwitch.IsActive(),
		Reason:      m.killSwitch.Reason(),
		ActivatedAt: m.killSwitch.ActivatedAt(),
	}
}

func (m *Manager) ActivateKillSwitch(reason string) {
	m.killSwitch.Activate(reason)
	m.metrics.SetKillSwitch(true)
}

func (m *Manager) DeactivateKillSwitch() {
	m.killSwitch.Deactivate()
	m.metrics.SetKillSwitch(false)
	m.mu.Lock()
	m.warned = false
	m.mu.Unlock()
}

func noop() {}
