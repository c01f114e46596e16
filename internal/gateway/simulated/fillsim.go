package simulated

import (
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/gateway"
)

var bpsDivisor = decimal.NewFromInt(10000)

type SimulatedFill struct {
	Price   decimal.Decimal
	Size    decimal.Decimal
	Fee     decimal.Decimal
	Matched bool
}

// FillSimulator decides how an order executes against the current mark.
type FillSimulator struct {
	feeBps   decimal.Decimal
	slippage *SlippageCurve
}

func NewFillSimulator(feeBps decimal.Decimal) *FillSimulator {
	return &FillSimulator{feeBps: feeBps}
}

// WithSlippage makes aggressive fills pay the curve's slippage on top of
// the mark. Limit prices still cap the fill.
func (s *FillSimulator) WithSlippage(curve *SlippageCurve) *FillSimulator {
	s.slippage = curve
	return s
}

// OnPlace simulates the moment of placement. IOC orders that cross the mark
// fill at the mark, worsened by slippage; everything else rests.
func (s *FillSimulator) OnPlace(req gateway.OrderAction, mark decimal.Decimal) SimulatedFill {
	if req.Trigger.Active() || req.TimeInForce != domain.TIFImmediateOrCancel {
		return SimulatedFill{}
	}
	if !crosses(req.IsBuy, req.LimitPrice, mark) {
		return SimulatedFill{}
	}
	taken := s.slippage.Apply(req.IsBuy, mark, req.Size)
	price := decimal.Min(req.LimitPrice, taken)
	if !req.IsBuy {
		price = decimal.Max(req.LimitPrice, taken)
	}
	return s.fill(price, req.Size)
}

// OnMark checks a resting order against a new mark.
func (s *FillSimulator) OnMark(req gateway.OrderAction, mark decimal.Decimal) SimulatedFill {
	if req.Trigger.Active() {
		if !triggered(req.IsBuy, req.Trigger, mark) {
			return SimulatedFill{}
		}
		if req.Trigger.IsMarket {
			return s.fill(s.slippage.Apply(req.IsBuy, mark, req.Size), req.Size)
		}
		return s.fill(req.LimitPrice, req.Size)
	}
	if !crosses(req.IsBuy, req.LimitPrice, mark) {
		return SimulatedFill{}
	}
	return s.fill(req.LimitPrice, req.Size)
}

func (s *FillSimulator) fill(price, size decimal.Decimal) SimulatedFill {
	return SimulatedFill{
		Price:   price,
		Size:    size,
		Fee:     price.Mul(size).Mul(s.feeBps).Div(bpsDivisor),
		Matched: true,
	}
}

func crosses(isBuy bool, limit, mark decimal.Decimal) bool {
	if isBuy {
		return limit.GreaterThanOrEqual(mark)
	}
	return limit.LessThanOrEqual(mark)
}

// triggered reports whether a stop or take-profit fires. A sell closes a
// long: its stop fires below the trigger and its take-profit above.
func triggered(isBuy bool, t *domain.Trigger, mark decimal.Decimal) bool {
	stop := t.Kind == domain.TriggerStopLoss
	if isBuy == stop {
		return mark.GreaterThanOrEqual(t.Price)
	}
	return mark.LessThanOrEqual(t.Price)
}

// positionBook tracks simulated net exposure per coin.
type positionBook struct {
	positions map[string]*simPosition
}

type simPosition struct {
	size  decimal.Decimal // signed, negative is short
	entry decimal.Decimal
}

func newPositionBook() *positionBook {
	return &positionBook{positions: make(map[string]*simPosition)}
}

func (b *positionBook) size(coin string) decimal.Decimal {
	if p, ok := b.positions[coin]; ok {
		return p.size
	}
	return decimal.Zero
}

// reduces reports whether an order on this side would shrink the position.
func (b *positionBook) reduces(coin string, isBuy bool) bool {
	sz := b.size(coin)
	if isBuy {
		return sz.IsNegative()
	}
	return sz.IsPositive()
}

// apply books a fill and returns the realized PnL when it reduced exposure.
func (b *positionBook) apply(coin string, isBuy bool, size, price decimal.Decimal) *decimal.Decimal {
	delta := size
	if !isBuy {
		delta = size.Neg()
	}
	p, ok := b.positions[coin]
	if !ok {
		p = &simPosition{}
		b.positions[coin] = p
	}

	if p.size.IsZero() || p.size.Sign() == delta.Sign() {
		total := p.size.Add(delta)
		p.entry = p.entry.Mul(p.size.Abs()).Add(price.Mul(size)).Div(total.Abs())
		p.size = total
		return nil
	}

	closing := decimal.Min(size, p.size.Abs())
	pnl := price.Sub(p.entry).Mul(closing)
	if p.size.IsNegative() {
		pnl = pnl.Neg()
	}
	p.size = p.size.Add(delta)
	switch {
	case p.size.IsZero():
		delete(b.positions, coin)
	case p.size.Sign() == delta.Sign():
		p.entry = price
	}
	return &pnl
}
