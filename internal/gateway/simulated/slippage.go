package simulated

import (
	"sort"

	"github.com/shopspring/decimal"
)

// SlippagePoint is the adverse price move, in basis points, expected for
// an aggressive order of the given notional.
type SlippagePoint struct {
	Notional    decimal.Decimal `mapstructure:"notional"`
	SlippageBps decimal.Decimal `mapstructure:"bps"`
}

// SlippageCurve interpolates linearly between points and clamps at both
// ends. A nil curve means no slippage.
type SlippageCurve struct {
	points []SlippagePoint
}

func NewSlippageCurve(points []SlippagePoint) *SlippageCurve {
	if len(points) == 0 {
		return nil
	}
	sorted := make([]SlippagePoint, len(points))
	copy(sorted, points)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Notional.LessThan(sorted[j].Notional)
	})
	return &SlippageCurve{points: sorted}
}

func (sc *SlippageCurve) EstimateBps(notional decimal.Decimal) decimal.Decimal {
	if sc == nil {
		return decimal.Zero
	}
	if notional.LessThanOrEqual(sc.points[0].Notional) {
		return sc.points[0].SlippageBps
	}
	last := sc.points[len(sc.points)-1]
	if notional.GreaterThanOrEqual(last.Notional) {
		return last.SlippageBps
	}

	for i := 1; i < len(sc.points); i++ {
		if notional.LessThanOrEqual(sc.points[i].Notional) {
			prev := sc.points[i-1]
			curr := sc.points[i]

			ratio := notional.Sub(prev.Notional).Div(curr.Notional.Sub(prev.Notional))
			return prev.SlippageBps.Add(ratio.Mul(curr.SlippageBps.Sub(prev.SlippageBps)))
		}
	}
	return last.SlippageBps
}

// Apply moves mark against the taker: up for buys, down for sells.
func (sc *SlippageCurve) Apply(isBuy bool, mark, size decimal.Decimal) decimal.Decimal {
	bps := sc.EstimateBps(mark.Mul(size))
	if bps.IsZero() {
		return mark
	}
	move := mark.Mul(bps).Div(bpsDivisor)
	if isBuy {
		return mark.Add(move)
	}
	return mark.Sub(move)
}
