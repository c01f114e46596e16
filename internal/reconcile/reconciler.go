package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

const (
	DefaultDedupEntries   = 100_000
	DefaultDedupTTL       = 24 * time.Hour
	DefaultResyncLookback = 24 * time.Hour
)

type Store interface {
	FindOrderByVenueID(ctx context.Context, venueOrderID string) (*domain.Order, error)
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	UpdateOrder(ctx context.Context, o *domain.Order) error
	ApplyFill(ctx context.Context, o *domain.Order, p *domain.Position) error
}

// Orders is the read side of the order gateway.
type Orders interface {
	PendingOrders(ctx context.Context) ([]domain.Order, error)
	OrderStatus(ctx context.Context, venueOrderID string) (*domain.VenueOrderState, error)
	RecentFills(ctx context.Context, since time.Time) ([]domain.FillEvent, error)
	Account(ctx context.Context) (*domain.AccountState, error)
}

type PnLSink interface {
	OnRealizedPnL(pnl decimal.Decimal)
	OnUnrealizedPnL(pnl decimal.Decimal)
}

type Config struct {
	DedupEntries   int64
	DedupTTL       time.Duration
	ResyncLookback time.Duration
}

// Reconciler applies venue fills and order updates to locally tracked
// orders and positions. Work is serialized per order and per position;
// unrelated orders proceed in parallel.
type Reconciler struct {
	store   Store
	orders  Orders
	pnl     PnLSink
	bus     *eventbus.EventBus
	cfg     Config
	locks   *keyedMutex
	seen    *ristretto.Cache
	metrics *monitor.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

func New(store Store, orders Orders, pnl PnLSink, bus *eventbus.EventBus, cfg Config, metrics *monitor.Metrics, logger *slog.Logger) (*Reconciler, error) {
	if cfg.DedupEntries <= 0 {
		cfg.DedupEntries = DefaultDedupEntries
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = DefaultDedupTTL
	}
	if cfg.ResyncLookback <= 0 {
		cfg.ResyncLookback = DefaultResyncLookback
	}
	seen, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.DedupEntries * 10,
		MaxCost:     cfg.DedupEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("create dedup cache: %w", err)
	}
	return &Reconciler{
		store:   store,
		orders:  orders,
		pnl:     pnl,
		bus:     bus,
		cfg:     cfg,
		locks:   newKeyedMutex(),
		seen:    seen,
		metrics: metrics,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Register subscribes the reconciler to feed events and resyncs on every
// (re)connect.
func (r *Reconciler) Register(bus *eventbus.EventBus) {
	bus.OnFill(r.HandleFill)
	bus.OnOrderUpdate(r.HandleOrderUpdate)
	bus.OnConnected(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		return r.Resync(ctx, "connect")
	})
}

func (r *Reconciler) Close() {
	r.seen.Close()
}

func fillKey(evt domain.FillEvent) string {
	return fmt.Sprintf("%s|%s|%d|%s", evt.VenueOrderID, evt.TradeID, evt.Timestamp.UnixMilli(), evt.Size.String())
}

func (r *Reconciler) remember(key string) {
	r.seen.SetWithTTL(key, struct{}{}, 1, r.cfg.DedupTTL)
	r.seen.Wait()
}

// HandleFill applies one fill. The first fill of a CREATED order executes
// it. An entry fill opens the order's position, an exit fill closes it.
// Fills for unknown orders are logged and ignored.
func (r *Reconciler) HandleFill(ctx context.Context, evt domain.FillEvent) error {
	key := fillKey(evt)
	if _, dup := r.seen.Get(key); dup {
		r.metrics.DuplicateFill()
		r.logger.Debug("skipping duplicate fill", "order_id", evt.VenueOrderID, "trade_id", evt.TradeID)
		return nil
	}

	unlock := r.locks.Lock("order:" + evt.VenueOrderID)
	defer unlock()

	o, err := r.store.FindOrderByVenueID(ctx, evt.VenueOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		r.metrics.UnknownOrder("fill")
		r.logger.Warn("fill for unknown order ignored",
			"order_id", evt.VenueOrderID, "symbol", evt.Symbol, "size", evt.Size.String())
		// Not remembered: the order may be persisted later and picked up by resync.
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", evt.VenueOrderID, err)
	}

	now := r.now()
	prevOrder := o.Status
	if o.Status == domain.OrderStatusCreated {
		ts := evt.Timestamp
		o.Status = domain.OrderStatusExecuted
		o.FilledSize = evt.Size
		o.FillPrice = evt.Price
		o.Fee = evt.Fee
		o.FilledAt = &ts
		o.UpdatedAt = now
	}

	var (
		pos     *domain.Position
		prevPos domain.PositionStatus
	)
	if o.PositionID != uuid.Nil {
		unlockPos := r.locks.Lock("position:" + o.PositionID.String())
		defer unlockPos()

		p, err := r.store.GetPosition(ctx, o.PositionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("load position %s: %w", o.PositionID, err)
		}
		if p != nil {
			prevPos = p.Status
			if applyFillToPosition(p, evt, now) {
				pos = p
			}
		} else {
			r.logger.Warn("order references missing position", "order_id", o.VenueOrderID, "position_id", o.PositionID)
		}
	}

	if prevOrder == o.Status && pos == nil {
		r.remember(key)
		r.logger.Debug("fill changed no state", "order_id", o.VenueOrderID, "order_status", o.Status)
		return nil
	}

	if err := r.store.ApplyFill(ctx, o, pos); err != nil {
		return fmt.Errorf("apply fill for order %s: %w", o.VenueOrderID, err)
	}
	r.remember(key)

	if prevOrder != o.Status {
		r.metrics.OrderTransition(string(prevOrder), string(o.Status))
		r.bus.PublishOrderState(ctx, domain.OrderStateChange{
			Order: *o, PrevStatus: prevOrder, NewStatus: o.Status, Timestamp: now,
		})
	}
	if pos != nil && pos.Status != prevPos {
		r.metrics.PositionTransition(string(prevPos), string(pos.Status))
		r.logger.Info("position transition",
			"position_id", pos.ID,
			"symbol", pos.Symbol,
			"from", prevPos,
			"to", pos.Status,
			"price", evt.Price.String())
		if pos.Status == domain.PositionStatusClosed && pos.RealizedPnL != nil {
			r.pnl.OnRealizedPnL(*pos.RealizedPnL)
		}
		r.bus.PublishPositionChange(ctx, domain.PositionChange{
			Position: *pos, PrevStatus: prevPos, NewStatus: pos.Status, Timestamp: now,
		})
	}
	return nil
}

// applyFillToPosition mutates p for evt and reports whether it changed.
// Presence of a realized PnL marks an exit regardless of its value.
func applyFillToPosition(p *domain.Position, evt domain.FillEvent, now time.Time) bool {
	ts := evt.Timestamp
	switch {
	case p.Status == domain.PositionStatusClosed:
		return false
	case evt.IsExit():
		pnl := *evt.ClosedPnL
		p.Status = domain.PositionStatusClosed
		p.RealizedPnL = &pnl
		p.CurrentPrice = evt.Price
		p.ClosedAt = &ts
	case p.Status == domain.PositionStatusOpen:
		if p.CurrentPrice.Equal(evt.Price) {
			return false
		}
		p.CurrentPrice = evt.Price
	default:
		p.Status = domain.PositionStatusOpen
		p.EntryPrice = evt.Price
		p.CurrentPrice = evt.Price
		p.OpenedAt = &ts
	}
	p.UpdatedAt = now
	return true
}

// HandleOrderUpdate refreshes sizes and limit price. It never changes the
// order's lifecycle status.
func (r *Reconciler) HandleOrderUpdate(ctx context.Context, evt domain.OrderUpdateEvent) error {
	unlock := r.locks.Lock("order:" + evt.VenueOrderID)
	defer unlock()

	o, err := r.store.FindOrderByVenueID(ctx, evt.VenueOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		r.metrics.UnknownOrder("order_update")
		r.logger.Warn("order update for unknown order ignored", "order_id", evt.VenueOrderID, "symbol", evt.Symbol)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load order %s: %w", evt.VenueOrderID, err)
	}

	o.RemainingSize = evt.RemainingSize
	if evt.OriginalSize.IsPositive() {
		o.OriginalSize = evt.OriginalSize
	}
	if evt.LimitPrice.IsPositive() {
		o.Price = evt.LimitPrice
	}
	if o.ClientOrderID == "" {
		o.ClientOrderID = evt.ClientOrderID
	}
	o.UpdatedAt = r.now()

	if err := r.store.UpdateOrder(ctx, o); err != nil {
		return fmt.Errorf("update order %s: %w", o.VenueOrderID, err)
	}
	return nil
}

// Resync catches up on anything the feed missed: it replays recent fills,
// settles pending orders the venue has cancelled or rejected, and pushes
// unrealized PnL into the risk tracker.
func (r *Reconciler) Resync(ctx context.Context, trigger string) error {
	r.metrics.Resync(trigger)
	start := time.Now()

	pending, err := r.orders.PendingOrders(ctx)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}

	since := r.now().Add(-r.cfg.ResyncLookback)
	for _, o := range pending {
		if o.CreatedAt.Before(since) {
			since = o.CreatedAt
		}
	}

	var errs []error
	fills, err := r.orders.RecentFills(ctx, since)
	if err != nil {
		errs = append(errs, fmt.Errorf("fetch fills: %w", err))
	}
	for _, f := range fills {
		if err := r.HandleFill(ctx, f); err != nil {
			errs = append(errs, err)
		}
	}

	settled := 0
	for _, o := range pending {
		ok, err := r.settle(ctx, o.VenueOrderID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			settled++
		}
	}

	if acct, err := r.orders.Account(ctx); err != nil {
		errs = append(errs, fmt.Errorf("fetch account state: %w", err))
	} else {
		unrealized := decimal.Zero
		for _, p := range acct.Positions {
			unrealized = unrealized.Add(p.UnrealizedPnL)
		}
		r.pnl.OnUnrealizedPnL(unrealized)
	}

	r.logger.Info("resync finished",
		"trigger", trigger,
		"fills", len(fills),
		"pending", len(pending),
		"settled", settled,
		"errors", len(errs),
		"elapsed", time.Since(start))
	return errors.Join(errs...)
}

// settle queries the venue for a CREATED order and marks it CANCELLED or
// FAILED when the venue says so. Filled orders are left to fill replay.
func (r *Reconciler) settle(ctx context.Context, venueOrderID string) (bool, error) {
	st, err := r.orders.OrderStatus(ctx, venueOrderID)
	if errors.Is(err, domain.ErrNotFound) {
		r.logger.Debug("venue does not know pending order", "order_id", venueOrderID)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("order status %s: %w", venueOrderID, err)
	}

	var next domain.OrderStatus
	switch {
	case isCancelled(st.Status):
		next = domain.OrderStatusCancelled
	case isRejected(st.Status):
		next = domain.OrderStatusFailed
	default:
		return false, nil
	}

	unlock := r.locks.Lock("order:" + venueOrderID)
	defer unlock()

	o, err := r.store.FindOrderByVenueID(ctx, venueOrderID)
	if err != nil {
		return false, fmt.Errorf("reload order %s: %w", venueOrderID, err)
	}
	if o.Status != domain.OrderStatusCreated {
		return false, nil
	}

	now := r.now()
	prev := o.Status
	o.Status = next
	o.RemainingSize = st.RemainingSize
	o.UpdatedAt = now

	// An entry order that never filled leaves its position without exposure.
	var pos *domain.Position
	if o.PositionID != uuid.Nil && !o.ReduceOnly {
		unlockPos := r.locks.Lock("position:" + o.PositionID.String())
		defer unlockPos()
		p, err := r.store.GetPosition(ctx, o.PositionID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return false, fmt.Errorf("load position %s: %w", o.PositionID, err)
		}
		if p != nil && p.Status == domain.PositionStatusCreated {
			p.Status = domain.PositionStatusClosed
			p.ClosedAt = &now
			p.UpdatedAt = now
			pos = p
		}
	}

	if err := r.store.ApplyFill(ctx, o, pos); err != nil {
		return false, fmt.Errorf("settle order %s: %w", venueOrderID, err)
	}

	r.metrics.OrderTransition(string(prev), string(next))
	r.logger.Info("pending order settled", "order_id", venueOrderID, "venue_status", st.Status, "status", next)
	r.bus.PublishOrderState(ctx, domain.OrderStateChange{Order: *o, PrevStatus: prev, NewStatus: next, Timestamp: now})
	if pos != nil {
		r.metrics.PositionTransition(string(domain.PositionStatusCreated), string(domain.PositionStatusClosed))
		r.bus.PublishPositionChange(ctx, domain.PositionChange{
			Position: *pos, PrevStatus: domain.PositionStatusCreated, NewStatus: domain.PositionStatusClosed, Timestamp: now,
		})
	}
	return true, nil
}

func isCancelled(status string) bool {
	return status == "canceled" || strings.HasSuffix(status, "Canceled")
}

func isRejected(status string) bool {
	return status == "rejected" || strings.HasSuffix(status, "Rejected")
}

// Run resyncs on interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Resync(ctx, "periodic"); err != nil {
				r.logger.Warn("periodic resync incomplete", "error", err)
			}
		}
	}
}
