// Package simulated provides the dry-run transport: market queries go to
// the real venue while order actions are matched locally against the mark.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/gateway"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

type Config struct {
	Latency  time.Duration
	FeeBps   decimal.Decimal
	Slippage []SlippagePoint
}

type restingOrder struct {
	oid      string
	action   gateway.OrderAction
	placedAt time.Time
}

type Transport struct {
	mu sync.Mutex

	inner   gateway.Transport
	sim     *FillSimulator
	latency time.Duration
	bus     *eventbus.EventBus
	metrics *monitor.Metrics
	logger  *slog.Logger

	book     *positionBook
	resting  map[string]*restingOrder
	states   map[string]*domain.VenueOrderState
	fills    []domain.FillEvent
	pending  map[string][]domain.FillEvent
	leverage map[string]int
	nextOid  int64
	nextTid  int64
	now      func() time.Time
}

var _ gateway.Transport = (*Transport)(nil)

func New(inner gateway.Transport, cfg Config, metrics *monitor.Metrics, logger *slog.Logger) *Transport {
	return &Transport{
		inner:    inner,
		sim:      NewFillSimulator(cfg.FeeBps).WithSlippage(NewSlippageCurve(cfg.Slippage)),
		latency:  cfg.Latency,
		metrics:  metrics,
		logger:   logger,
		book:     newPositionBook(),
		resting:  make(map[string]*restingOrder),
		states:   make(map[string]*domain.VenueOrderState),
		pending:  make(map[string][]domain.FillEvent),
		leverage: make(map[string]int),
		nextOid:  time.Now().UnixMilli(),
		now:      time.Now,
	}
}

// Register attaches the transport to the bus. Fills for orders matched at
// placement are held until the order gateway has stored the order.
func (t *Transport) Register(bus *eventbus.EventBus) {
	t.mu.Lock()
	t.bus = bus
	t.mu.Unlock()
	bus.OnOrderState(t.releaseFills)
}

func (t *Transport) releaseFills(ctx context.Context, change domain.OrderStateChange) error {
	if change.PrevStatus != "" || change.NewStatus != domain.OrderStatusCreated {
		return nil
	}
	t.mu.Lock()
	fills := t.pending[change.Order.VenueOrderID]
	delete(t.pending, change.Order.VenueOrderID)
	bus := t.bus
	t.mu.Unlock()

	for _, f := range fills {
		bus.PublishFill(ctx, f)
	}
	return nil
}

func (t *Transport) MarketContexts(ctx context.Context) ([]domain.MarketContext, error) {
	return t.inner.MarketContexts(ctx)
}

func (t *Transport) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	return t.inner.AllMids(ctx)
}

func (t *Transport) OrderBook(ctx context.Context, coin string) (*domain.OrderBookSnapshot, error) {
	return t.inner.OrderBook(ctx, coin)
}

func (t *Transport) FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]domain.FundingRate, error) {
	return t.inner.FundingHistory(ctx, coin, start, end)
}

func (t *Transport) Address() string {
	return t.inner.Address()
}

// AccountState reports the simulated book valued at current mids.
func (t *Transport) AccountState(ctx context.Context, user string) (*domain.AccountState, error) {
	mids, err := t.inner.AllMids(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	state := &domain.AccountState{Timestamp: t.now()}
	for coin, p := range t.book.positions {
		vp := domain.VenuePosition{
			Symbol:     coin,
			Size:       p.size,
			EntryPrice: p.entry,
			Leverage:   t.leverage[coin],
		}
		if mid, ok := mids[coin]; ok {
			vp.UnrealizedPnL = mid.Sub(p.entry).Mul(p.size)
		}
		state.Positions = append(state.Positions, vp)
	}
	sort.Slice(state.Positions, func(i, j int) bool {
		return state.Positions[i].Symbol < state.Positions[j].Symbol
	})
	return state, nil
}

func (t *Transport) OpenOrders(ctx context.Context, user string) ([]domain.OpenOrder, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.OpenOrder, 0, len(t.resting))
	for _, r := range t.resting {
		out = append(out, domain.OpenOrder{
			VenueOrderID: r.oid,
			Symbol:       r.action.Coin,
			Side:         sideOf(r.action.IsBuy),
			LimitPrice:   r.action.LimitPrice,
			Size:         r.action.Size,
			Timestamp:    r.placedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VenueOrderID < out[j].VenueOrderID })
	return out, nil
}

func (t *Transport) OrderStatus(ctx context.Context, user, venueOrderID string) (*domain.VenueOrderState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.states[venueOrderID]
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
	for _, f := range t.fills {
		if !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (t *Transport) PlaceOrder(ctx context.Context, req gateway.OrderAction) (*gateway.OrderResult, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	mids, err := t.inner.AllMids(ctx)
	if err != nil {
		return nil, err
	}
	mark, ok := mids[req.Coin]
	if !ok {
		return nil, &domain.VenueError{Message: fmt.Sprintf("unknown asset %s", req.Coin)}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if req.ReduceOnly && !req.Trigger.Active() && !t.book.reduces(req.Coin, req.IsBuy) {
		return nil, &domain.VenueError{Message: "Reduce only order would increase position."}
	}

	t.nextOid++
	oid := strconv.FormatInt(t.nextOid, 10)
	now := t.now()
	state := &domain.VenueOrderState{
		VenueOrderID:  oid,
		Symbol:        req.Coin,
		Side:          sideOf(req.IsBuy),
		LimitPrice:    req.LimitPrice,
		RemainingSize: req.Size,
		OriginalSize:  req.Size,
		ClientOrderID: req.ClientOrderID,
		Status:        "open",
		Timestamp:     now,
	}

	fill := t.sim.OnPlace(req, mark)
	if !fill.Matched {
		if req.TimeInForce == domain.TIFImmediateOrCancel && !req.Trigger.Active() {
			return nil, &domain.VenueError{Message: "Order could not immediately match against any resting orders."}
		}
		t.resting[oid] = &restingOrder{oid: oid, action: req, placedAt: now}
		t.states[oid] = state
		t.logger.Info("dry-run order resting", "order_id", oid, "symbol", req.Coin, "price", req.LimitPrice.String())
		return &gateway.OrderResult{Kind: gateway.OrderResting, VenueOrderID: oid}, nil
	}

	evt := t.record(oid, req, fill, now)
	state.Status = "filled"
	state.RemainingSize = decimal.Zero
	t.states[oid] = state
	t.pending[oid] = append(t.pending[oid], evt)
	return &gateway.OrderResult{
		Kind:         gateway.OrderFilled,
		VenueOrderID: oid,
		FilledSize:   evt.Size,
		AvgPrice:     evt.Price,
	}, nil
}

func (t *Transport) Cancel(ctx context.Context, req gateway.CancelAction) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.resting[req.VenueOrderID]; !ok {
		return &domain.VenueError{Message: "Order was never placed, already canceled, or filled."}
	}
	delete(t.resting, req.VenueOrderID)
	t.states[req.VenueOrderID].Status = "canceled"
	t.logger.Info("dry-run order cancelled", "order_id", req.VenueOrderID, "symbol", req.Coin)
	return nil
}

func (t *Transport) UpdateLeverage(ctx context.Context, req gateway.LeverageAction) error {
	if err := t.wait(ctx); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leverage[req.Coin] = req.Leverage
	return nil
}

// Sweep matches resting orders against current mids and publishes their
// fills directly; the orders are already stored by then.
func (t *Transport) Sweep(ctx context.Context) error {
	mids, err := t.inner.AllMids(ctx)
	if err != nil {
		return fmt.Errorf("fetch mids: %w", err)
	}

	t.mu.Lock()
	var fills []domain.FillEvent
	now := t.now()
	for oid, r := range t.resting {
		mark, ok := mids[r.action.Coin]
		if !ok {
			continue
		}
		if r.action.ReduceOnly && !t.book.reduces(r.action.Coin, r.action.IsBuy) {
			continue
		}
		fill := t.sim.OnMark(r.action, mark)
		if !fill.Matched {
			continue
		}
		fills = append(fills, t.record(oid, r.action, fill, now))
		delete(t.resting, oid)
		t.states[oid].Status = "filled"
		t.states[oid].RemainingSize = decimal.Zero
	}
	bus := t.bus
	t.mu.Unlock()

	if bus == nil {
		return nil
	}
	sort.Slice(fills, func(i, j int) bool { return fills[i].VenueOrderID < fills[j].VenueOrderID })
	for _, f := range fills {
		bus.PublishFill(ctx, f)
	}
	return nil
}

// Run sweeps resting orders on interval until ctx is done.
func (t *Transport) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Sweep(ctx); err != nil {
				t.logger.Warn("dry-run sweep failed", "error", err)
			}
		}
	}
}

func (t *Transport) wait(ctx context.Context) error {
	if t.latency <= 0 {
		return nil
	}
	timer := time.NewTimer(t.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return domain.NewNetworkError("dry-run", ctx.Err(), true)
	case <-timer.C:
		return nil
	}
}

// record books a simulated execution and keeps its event. Reduce-only
// fills are capped at the open size. Caller holds t.mu.
func (t *Transport) record(oid string, req gateway.OrderAction, fill SimulatedFill, now time.Time) domain.FillEvent {
	size := fill.Size
	if req.ReduceOnly {
		size = decimal.Min(size, t.book.size(req.Coin).Abs())
	}
	closed := t.book.apply(req.Coin, req.IsBuy, size, fill.Price)

	t.nextTid++
	evt := domain.FillEvent{
		VenueOrderID: oid,
		TradeID:      strconv.FormatInt(t.nextTid, 10),
		Symbol:       req.Coin,
		Side:         sideOf(req.IsBuy),
		Size:         size,
		Price:        fill.Price,
		Fee:          fill.Fee,
		ClosedPnL:    closed,
		Timestamp:    now,
	}
	t.fills = append(t.fills, evt)
	t.metrics.SimulatedFill()
	t.logger.Info("dry-run fill",
		"order_id", oid,
		"symbol", req.Coin,
		"side", evt.Side,
		"size", size.String(),
		"price", fill.Price.String(),
		"exit", closed != nil)
	return evt
}

func sideOf(isBuy bool) domain.Side {
	if isBuy {
		return domain.SideBuy
	}
	return domain.SideSell
}
