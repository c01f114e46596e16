// Package gatewaytest provides an in-memory gateway.Transport for tests.
package gatewaytest

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/gateway"
)

// Transport records actions and serves canned query results. Exported
// fields are read by the methods under mu; set them before use or through
// the setters.
type Transport struct {
	mu sync.Mutex

	Addr     string
	Contexts []domain.MarketContext
	Open     []domain.OpenOrder
	Statuses map[string]*domain.VenueOrderState
	Fills    []domain.FillEvent
	State    *domain.AccountState

	PlaceResult *gateway.OrderResult
	PlaceErr    error
	CancelErr   error
	LeverageErr error
	QueryErr    error

	placed    []gateway.OrderAction
	cancelled []gateway.CancelAction
	leverage  []gateway.LeverageAction
	nextOid   int64
}

var _ gateway.Transport = (*Transport)(nil)

// NewMarket builds a market context with the venue's lot and price
// conventions for the given size decimals.
func NewMarket(symbol string, asset int, szDecimals int32, maxLeverage int, mark string) domain.MarketContext {
	return domain.MarketContext{
		Market: domain.Market{
			Symbol:        symbol,
			AssetIndex:    asset,
			LotStep:       decimal.New(1, -szDecimals),
			SizeDecimals:  szDecimals,
			PriceDecimals: 6 - szDecimals,
			MaxLeverage:   maxLeverage,
		},
		Ticker: domain.Ticker{Symbol: symbol, Mark: decimal.RequireFromString(mark)},
	}
}

func (t *Transport) SetMark(symbol, mark string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.Contexts {
		if t.Contexts[i].Market.Symbol == symbol {
			t.Contexts[i].Ticker.Mark = decimal.RequireFromString(mark)
		}
	}
}

func (t *Transport) SetStatus(oid string, st *domain.VenueOrderState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Statuses == nil {
		t.Statuses = make(map[string]*domain.VenueOrderState)
	}
	t.Statuses[oid] = st
}

func (t *Transport) Placed() []gateway.OrderAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]gateway.OrderAction(nil), t.placed...)
}

func (t *Transport) Cancelled() []gateway.CancelAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]gateway.CancelAction(nil), t.cancelled...)
}

func (t *Transport) LeverageUpdates() []gateway.LeverageAction {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]gateway.LeverageAction(nil), t.leverage...)
}

func (t *Transport) MarketContexts(ctx context.Context) ([]domain.MarketContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.QueryErr != nil {
		return nil, t.QueryErr
	}
	return append([]domain.MarketContext(nil), t.Contexts...), nil
}

func (t *Transport) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mids := make(map[string]decimal.Decimal, len(t.Contexts))
	for _, mc := range t.Contexts {
		mids[mc.Market.Symbol] = mc.Ticker.Mark
	}
	return mids, nil
}

func (t *Transport) AccountState(ctx context.Context, user string) (*domain.AccountState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State == nil {
		return &domain.AccountState{}, nil
	}
	st := *t.State
	return &st, nil
}

func (t *Transport) OrderBook(ctx context.Context, coin string) (*domain.OrderBookSnapshot, error) {
	return &domain.OrderBookSnapshot{Symbol: coin}, nil
}

func (t *Transport) FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]domain.FundingRate, error) {
	return nil, nil
}

func (t *Transport) OpenOrders(ctx context.Context, user string) ([]domain.OpenOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]domain.OpenOrder(nil), t.Open...), nil
}

func (t *Transport) OrderStatus(ctx context.Context, user, venueOrderID string) (*domain.VenueOrderState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.Statuses[venueOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (t *Transport) UserFills(ctx context.Context, user string, since time.Time) ([]domain.FillEvent, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []domain.FillEvent
	for _, f := range t.Fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *Transport) PlaceOrder(ctx context.Context, req gateway.OrderAction) (*gateway.OrderResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.placed = append(t.placed, req)
	if t.PlaceErr != nil {
		return nil, t.PlaceErr
	}
	if t.PlaceResult != nil {
		res := *t.PlaceResult
		return &res, nil
	}
	t.nextOid++
	return &gateway.OrderResult{Kind: gateway.OrderResting, VenueOrderID: strconv.FormatInt(1000+t.nextOid, 10)}, nil
}

func (t *Transport) Cancel(ctx context.Context, req gateway.CancelAction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelled = append(t.cancelled, req)
	return t.CancelErr
}

func (t *Transport) UpdateLeverage(ctx context.Context, req gateway.LeverageAction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leverage = append(t.leverage, req)
	return t.LeverageErr
}

func (t *Transport) Address() string {
	return t.Addr
}
