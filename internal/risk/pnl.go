package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type PnLTracker struct {
	mu sync.RWMutex

	dailyRealizedPnL   decimal.Decimal
	dailyUnrealizedPnL decimal.Decimal
	closedCount        int
	lastReset          time.Time
	now                func() time.Time
}

func NewPnLTracker() *PnLTracker {
	return newPnLTrackerWithClock(time.Now)
}

func newPnLTrackerWithClock(now func() time.Time) *PnLTracker {
	p := &PnLTracker{now: now}
	p.lastReset = p.today()
	return p
}

func (p *PnLTracker) today() time.Time {
	now := p.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

// checkDailyReset zeroes the day's figures at the first call after UTC
// midnight.
func (p *PnLTracker) checkDailyReset() {
	today := p.today()
	if today.After(p.lastReset) {
		p.dailyRealizedPnL = decimal.Zero
		p.dailyUnrealizedPnL = decimal.Zero
		p.closedCount = 0
		p.lastReset = today
	}
}

func (p *PnLTracker) AddRealizedPnL(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkDailyReset()
	p.dailyRealizedPnL = p.dailyRealizedPnL.Add(amount)
	p.closedCount++
}

func (p *PnLTracker) UpdateUnrealizedPnL(amount decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkDailyReset()
	p.dailyUnrealizedPnL = amount
}

func (p *PnLTracker) TotalDailyPnL() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkDailyReset()
	return p.dailyRealizedPnL.Add(p.dailyUnrealizedPnL)
}

// ClosedCount is the number of closing fills recorded today.
func (p *PnLTracker) ClosedCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closedCount
}

func (p *PnLTracker) RealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dailyRealizedPnL
}

func (p *PnLTracker) UnrealizedPnL() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dailyUnrealizedPnL
}
