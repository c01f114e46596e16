package order

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/gateway"
	"github.com/crypto-trading/perpvenue/internal/monitor"
	"github.com/crypto-trading/perpvenue/internal/risk"
)

const DefaultMarketSlippage = "0.05"

type Markets interface {
	Resolve(symbol string) string
	Market(ctx context.Context, symbol string) (domain.Market, error)
	Ticker(ctx context.Context, symbol string) (domain.Ticker, error)
}

type RiskChecker interface {
	Check(ctx context.Context, c risk.OrderCheck) (func(), error)
}

type Store interface {
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	// RecordPlacement stores an accepted order with the position it opens
	// (nil for exits) in one transaction.
	RecordPlacement(ctx context.Context, o *domain.Order, p *domain.Position) error
	FindOrderByVenueID(ctx context.Context, venueOrderID string) (*domain.Order, error)
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)
}

type Config struct {
	// MarketSlippage bounds the IOC limit of a price-less order as a
	// fraction of mark.
	MarketSlippage decimal.Decimal
	DefaultTIF     domain.TimeInForce
	MarginMode     domain.MarginMode
	SizeBasis      domain.SizeBasis
}

// PlaceRequest describes one placement. Direction is the direction of the
// position the order opens or protects; reduce-only and trigger orders
// trade against it.
type PlaceRequest struct {
	PositionID    uuid.UUID
	Symbol        string
	Direction     domain.Direction
	Notional      decimal.Decimal
	Size          *decimal.Decimal
	Price         *decimal.Decimal
	Trigger       *domain.Trigger
	Leverage      int
	ReduceOnly    bool
	ClientOrderID string
	TimeInForce   domain.TimeInForce
	SizeBasis     domain.SizeBasis
}

type PlaceResult struct {
	Order           *domain.Order
	Position        *domain.Position
	Filled          bool
	LeverageChanged bool
}

// Gateway validates, sizes and submits orders. It records what the venue
// accepted and leaves every later transition to the reconciler. Nothing
// here retries.
type Gateway struct {
	transport gateway.Transport
	markets   Markets
	risk      RiskChecker
	store     Store
	bus       *eventbus.EventBus
	cfg       Config
	metrics   *monitor.Metrics
	logger    *slog.Logger
	now       func() time.Time
}

func NewGateway(
	transport gateway.Transport,
	markets Markets,
	riskChecker RiskChecker,
	store Store,
	bus *eventbus.EventBus,
	cfg Config,
	metrics *monitor.Metrics,
	logger *slog.Logger,
) *Gateway {
	if cfg.MarketSlippage.IsZero() {
		cfg.MarketSlippage = decimal.RequireFromString(DefaultMarketSlippage)
	}
	if cfg.DefaultTIF == "" {
		cfg.DefaultTIF = domain.TIFGoodTilCancel
	}
	if cfg.MarginMode == "" {
		cfg.MarginMode = domain.MarginCross
	}
	if cfg.SizeBasis == "" {
		cfg.SizeBasis = domain.SizeBasisMark
	}
	return &Gateway{
		transport: transport,
		markets:   markets,
		risk:      riskChecker,
		store:     store,
		bus:       bus,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
	}
}

func (g *Gateway) Place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	ctx, span := monitor.Tracer().Start(ctx, "order.place")
	defer span.End()
	span.SetAttributes(
		attribute.String("order.symbol", req.Symbol),
		attribute.String("order.direction", string(req.Direction)),
		attribute.Bool("order.reduce_only", req.ReduceOnly),
	)

	start := time.Now()
	res, err := g.place(ctx, req)
	g.metrics.ObservePlacement(req.Symbol, start)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "placement failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("order.venue_id", res.Order.VenueOrderID))
	return res, nil
}

func (g *Gateway) place(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	if err := g.validateRequest(req); err != nil {
		return nil, err
	}

	market, err := g.markets.Market(ctx, req.Symbol)
	if err != nil {
		if errors.Is(err, domain.ErrMarketNotFound) {
			return nil, g.reject(domain.RejectMarketNotFound, req.Symbol, err)
		}
		return nil, fmt.Errorf("resolve market: %w", err)
	}
	ticker, err := g.markets.Ticker(ctx, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("fetch mark price: %w", err)
	}
	mark := ticker.Mark

	var position *domain.Position
	if req.PositionID != uuid.Nil {
		if position, err = g.store.GetPosition(ctx, req.PositionID); err != nil {
			return nil, fmt.Errorf("load position %s: %w", req.PositionID, err)
		}
	}

	trigger := req.Trigger.Active()
	reduceOnly := req.ReduceOnly || trigger
	side := req.Direction.EntrySide()
	if reduceOnly {
		side = side.Opposite()
	}

	size, err := g.size(req, market, mark, position, trigger)
	if err != nil {
		return nil, err
	}

	opens := !reduceOnly && req.PositionID == uuid.Nil
	release, err := g.risk.Check(ctx, risk.OrderCheck{
		Symbol:            market.Symbol,
		Leverage:          req.Leverage,
		MarketMaxLeverage: market.MaxLeverage,
		Notional:          size.Mul(mark),
		ReduceOnly:        reduceOnly,
		OpensPosition:     opens,
	})
	if err != nil {
		return nil, err
	}
	defer release()

	leverageChanged := false
	if req.Leverage > 0 {
		err := g.transport.UpdateLeverage(ctx, gateway.LeverageAction{
			Coin:       market.Symbol,
			AssetIndex: market.AssetIndex,
			IsCross:    g.cfg.MarginMode == domain.MarginCross && !market.OnlyIsolated,
			Leverage:   req.Leverage,
		})
		if err != nil {
			g.metrics.OrderPlaced(market.Symbol, string(side), "leverage_failed")
			return nil, fmt.Errorf("update leverage: %w", err)
		}
		leverageChanged = true
	}

	action := gateway.OrderAction{
		Coin:          market.Symbol,
		AssetIndex:    market.AssetIndex,
		IsBuy:         side.IsBuy(),
		Size:          size,
		ReduceOnly:    reduceOnly,
		ClientOrderID: req.ClientOrderID,
		TimeInForce:   req.TimeInForce,
	}
	if action.ClientOrderID == "" {
		action.ClientOrderID = NewClientOrderID()
	}
	g.price(&action, req, market, mark, side)

	result, err := g.transport.PlaceOrder(ctx, action)
	if err == nil && result.VenueOrderID == "" {
		err = domain.ErrNoOrderID
	}
	if err != nil {
		g.metrics.OrderPlaced(market.Symbol, string(side), "failed")
		if leverageChanged {
			g.metrics.LeverageLeftInPlace()
			g.logger.Warn("order failed after leverage update, new leverage stays in effect",
				"symbol", market.Symbol,
				"leverage", req.Leverage,
				"error", err)
			err = errors.Join(err, domain.ErrLeverageRetained)
		}
		return nil, fmt.Errorf("place order: %w", err)
	}
	g.metrics.OrderPlaced(market.Symbol, string(side), string(result.Kind))

	now := g.now()
	if opens {
		position = &domain.Position{
			ID:           NewOrderID(),
			Account:      g.transport.Address(),
			Symbol:       market.Symbol,
			Direction:    req.Direction,
			Size:         size,
			CurrentPrice: mark,
			Status:       domain.PositionStatusCreated,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
	}

	o := &domain.Order{
		ID:            NewOrderID(),
		VenueOrderID:  result.VenueOrderID,
		Symbol:        market.Symbol,
		Side:          side,
		Size:          size,
		Price:         action.LimitPrice,
		Status:        domain.OrderStatusCreated,
		ReduceOnly:    reduceOnly,
		TimeInForce:   action.TimeInForce,
		ClientOrderID: action.ClientOrderID,
		OriginalSize:  size,
		RemainingSize: size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if position != nil {
		o.PositionID = position.ID
	}
	if action.Trigger != nil {
		o.Trigger = *action.Trigger
	}
	if err := g.store.RecordPlacement(ctx, o, position); err != nil {
		g.logger.Error("venue accepted order but it was not recorded",
			"venue_order_id", result.VenueOrderID, "symbol", market.Symbol, "error", err)
		return nil, fmt.Errorf("persist order: %w", err)
	}

	g.logger.Info("order placed",
		"venue_order_id", o.VenueOrderID,
		"symbol", o.Symbol,
		"side", o.Side,
		"size", o.Size.String(),
		"price", o.Price.String(),
		"result", result.Kind)

	g.bus.PublishOrderState(ctx, domain.OrderStateChange{
		Order:     *o,
		NewStatus: domain.OrderStatusCreated,
		Timestamp: now,
	})

	return &PlaceResult{
		Order:           o,
		Position:        position,
		Filled:          result.Kind == gateway.OrderFilled,
		LeverageChanged: leverageChanged,
	}, nil
}

func (g *Gateway) validateRequest(req PlaceRequest) error {
	switch {
	case req.Symbol == "":
		return g.reject(domain.RejectInvalidRequest, "symbol is required", nil)
	case req.Direction != domain.DirectionLong && req.Direction != domain.DirectionShort:
		return g.reject(domain.RejectInvalidRequest, fmt.Sprintf("unknown direction %q", req.Direction), nil)
	case req.Size == nil && !req.Notional.IsPositive():
		return g.reject(domain.RejectInvalidRequest, "notional must be positive", nil)
	case req.Size != nil && !req.Size.IsPositive():
		return g.reject(domain.RejectInvalidRequest, "size must be positive", nil)
	case req.Price != nil && !req.Price.IsPositive():
		return g.reject(domain.RejectInvalidRequest, "price must be positive", nil)
	case req.Trigger.Active() && !req.Trigger.Price.IsPositive():
		return g.reject(domain.RejectInvalidRequest, "trigger price must be positive", nil)
	case req.Leverage < 0:
		return g.reject(domain.RejectInvalidRequest, "leverage must not be negative", nil)
	}
	return nil
}

// size converts the request into a base size rounded down to the lot step.
func (g *Gateway) size(req PlaceRequest, market domain.Market, mark decimal.Decimal, position *domain.Position, trigger bool) (decimal.Decimal, error) {
	var raw, size decimal.Decimal
	switch {
	case req.Size != nil:
		raw = *req.Size
		size = domain.RoundDownToStep(raw, market.LotStep)
	default:
		ref := mark
		basis := req.SizeBasis
		if basis == "" {
			basis = g.cfg.SizeBasis
		}
		if trigger && basis == domain.SizeBasisEntry {
			if position == nil || !position.EntryPrice.IsPositive() {
				return decimal.Zero, g.reject(domain.RejectInvalidRequest,
					"entry size basis needs a position with an entry price", nil)
			}
			ref = position.EntryPrice
		}
		raw = req.Notional.Div(ref)
		size = domain.SizeForNotional(req.Notional, ref, market.LotStep)
	}

	if !size.IsPositive() || size.LessThan(market.LotStep) {
		return decimal.Zero, g.reject(domain.RejectBelowMinimumSize,
			fmt.Sprintf("size %s below lot step %s", raw.String(), market.LotStep.String()),
			domain.ErrBelowMinimumSize)
	}
	return size, nil
}

// price fills in the limit price, time in force and trigger of action.
func (g *Gateway) price(action *gateway.OrderAction, req PlaceRequest, market domain.Market, mark decimal.Decimal, side domain.Side) {
	slipped := func(ref decimal.Decimal) decimal.Decimal {
		factor := decimal.NewFromInt(1).Add(g.cfg.MarketSlippage)
		if !side.IsBuy() {
			factor = decimal.NewFromInt(1).Sub(g.cfg.MarketSlippage)
		}
		return domain.RoundPrice(ref.Mul(factor), market.PriceDecimals)
	}

	if req.Trigger.Active() {
		t := *req.Trigger
		t.Price = domain.RoundPrice(t.Price, market.PriceDecimals)
		action.Trigger = &t
		if req.Price != nil {
			action.LimitPrice = domain.RoundPrice(*req.Price, market.PriceDecimals)
		} else {
			action.LimitPrice = slipped(t.Price)
		}
		action.TimeInForce = ""
		return
	}

	if req.Price != nil {
		action.LimitPrice = domain.RoundPrice(*req.Price, market.PriceDecimals)
		if action.TimeInForce == "" {
			action.TimeInForce = g.cfg.DefaultTIF
		}
		return
	}

	action.LimitPrice = slipped(mark)
	if action.TimeInForce == "" {
		action.TimeInForce = domain.TIFImmediateOrCancel
	}
}

func (g *Gateway) reject(reason domain.RejectionReason, details string, cause error) error {
	g.metrics.OrderRejected(string(reason))
	return &domain.ValidationError{Reason: reason, Details: details, Err: cause}
}

// Cancel cancels one order. The symbol may be empty when the order was
// placed through this gateway. The count reports venue acknowledgements;
// a fill may still have raced the cancel.
func (g *Gateway) Cancel(ctx context.Context, venueOrderID, symbol string) (int, error) {
	if symbol == "" {
		o, err := g.store.FindOrderByVenueID(ctx, venueOrderID)
		if err != nil {
			return 0, fmt.Errorf("resolve symbol for order %s: %w", venueOrderID, err)
		}
		symbol = o.Symbol
	}
	market, err := g.markets.Market(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("resolve market: %w", err)
	}

	err = g.transport.Cancel(ctx, gateway.CancelAction{
		Coin:         market.Symbol,
		AssetIndex:   market.AssetIndex,
		VenueOrderID: venueOrderID,
	})
	if err != nil {
		g.metrics.OrderCancelled(market.Symbol, "failed")
		return 0, fmt.Errorf("cancel order %s: %w", venueOrderID, err)
	}
	g.metrics.OrderCancelled(market.Symbol, "ok")
	g.logger.Info("order cancelled", "venue_order_id", venueOrderID, "symbol", market.Symbol)
	return 1, nil
}

// CancelAll cancels every open venue order, or only those on symbol. It
// keeps going past individual failures and returns them joined.
func (g *Gateway) CancelAll(ctx context.Context, symbol string) (int, error) {
	open, err := g.transport.OpenOrders(ctx, g.transport.Address())
	if err != nil {
		return 0, fmt.Errorf("list open orders: %w", err)
	}

	coin := ""
	if symbol != "" {
		coin = g.markets.Resolve(symbol)
	}

	var (
		cancelled int
		errs      []error
	)
	for _, o := range open {
		if coin != "" && o.Symbol != coin {
			continue
		}
		n, err := g.Cancel(ctx, o.VenueOrderID, o.Symbol)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		cancelled += n
	}

	g.logger.Info("cancel all finished", "symbol", symbol, "cancelled", cancelled, "failed", len(errs))
	return cancelled, errors.Join(errs...)
}

// PendingOrders returns locally recorded orders still awaiting a fill.
func (g *Gateway) PendingOrders(ctx context.Context) ([]domain.Order, error) {
	return g.store.ListOrdersByStatus(ctx, domain.OrderStatusCreated)
}

func (g *Gateway) OrderStatus(ctx context.Context, venueOrderID string) (*domain.VenueOrderState, error) {
	return g.transport.OrderStatus(ctx, g.transport.Address(), venueOrderID)
}

func (g *Gateway) RecentFills(ctx context.Context, since time.Time) ([]domain.FillEvent, error) {
	return g.transport.UserFills(ctx, g.transport.Address(), since)
}

func (g *Gateway) Account(ctx context.Context) (*domain.AccountState, error) {
	return g.transport.AccountState(ctx, g.transport.Address())
}
