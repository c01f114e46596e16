package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

// Store persists orders and positions. Lookups that miss return an error
// wrapping domain.ErrNotFound.
type Store interface {
	CreatePosition(ctx context.Context, p *domain.Position) error
	UpdatePosition(ctx context.Context, p *domain.Position) error
	GetPosition(ctx context.Context, id uuid.UUID) (*domain.Position, error)
	CountOpenPositions(ctx context.Context) (int, error)

	CreateOrder(ctx context.Context, o *domain.Order) error
	UpdateOrder(ctx context.Context, o *domain.Order) error
	FindOrderByVenueID(ctx context.Context, venueOrderID string) (*domain.Order, error)
	ListOrdersByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.Order, error)

	// RecordPlacement inserts an accepted order and the position it opens
	// (nil allowed) atomically.
	RecordPlacement(ctx context.Context, o *domain.Order, p *domain.Position) error
	// ApplyFill writes an order and its position (nil allowed) atomically.
	ApplyFill(ctx context.Context, o *domain.Order, p *domain.Position) error

	AppendEvents(ctx context.Context, entries []JournalEntry) error
	Close() error
}

type JournalEntry struct {
	Kind         string
	VenueOrderID string
	Payload      []byte
	ReceivedAt   time.Time
}

// positionRow and orderRow hold column values in driver-neutral form;
// decimals travel as text so neither backend rounds them.
type positionRow struct {
	id, account, symbol, direction string
	size, entryPrice, currentPrice string
	realizedPnL                    *string
	status                         string
	openedAt, closedAt             *time.Time
	createdAt, updatedAt           time.Time
}

func newPositionRow(p *domain.Position) positionRow {
	return positionRow{
		id:           p.ID.String(),
		account:      p.Account,
		symbol:       p.Symbol,
		direction:    string(p.Direction),
		size:         p.Size.String(),
		entryPrice:   p.EntryPrice.String(),
		currentPrice: p.CurrentPrice.String(),
		realizedPnL:  decimalPtrString(p.RealizedPnL),
		status:       string(p.Status),
		openedAt:     p.OpenedAt,
		closedAt:     p.ClosedAt,
		createdAt:    p.CreatedAt,
		updatedAt:    p.UpdatedAt,
	}
}

func (r positionRow) toDomain() (*domain.Position, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return nil, fmt.Errorf("parse position id: %w", err)
	}
	p := &domain.Position{
		ID:        id,
		Account:   r.account,
		Symbol:    r.symbol,
		Direction: domain.Direction(r.direction),
		Status:    domain.PositionStatus(r.status),
		OpenedAt:  r.openedAt,
		ClosedAt:  r.closedAt,
		CreatedAt: r.createdAt,
		UpdatedAt: r.updatedAt,
	}
	if p.Size, err = domain.ParseDecimal(r.size); err != nil {
		return nil, fmt.Errorf("parse size: %w", err)
	}
	if p.EntryPrice, err = domain.ParseDecimal(r.entryPrice); err != nil {
		return nil, fmt.Errorf("parse entry price: %w", err)
	}
	if p.CurrentPrice, err = domain.ParseDecimal(r.currentPrice); err != nil {
		return nil, fmt.Errorf("parse current price: %w", err)
	}
	if p.RealizedPnL, err = parseDecimalPtr(r.realizedPnL); err != nil {
		return nil, fmt.Errorf("parse realized pnl: %w", err)
	}
	return p, nil
}

type orderRow struct {
	id, venueOrderID, positionID, symbol, side string
	size, price, status                       string
	triggerKind, triggerPrice                 string
	triggerIsMarket, reduceOnly               bool
	timeInForce, clientOrderID                string
	filledSize, fillPrice, fee                string
	filledAt                                  *time.Time
	originalSize, remainingSize               string
	createdAt, updatedAt                      time.Time
}

func newOrderRow(o *domain.Order) orderRow {
	positionID := ""
	if o.PositionID != uuid.Nil {
		positionID = o.PositionID.String()
	}
	return orderRow{
		id:              o.ID.String(),
		venueOrderID:    o.VenueOrderID,
		positionID:      positionID,
		symbol:          o.Symbol,
		side:            string(o.Side),
		size:            o.Size.String(),
		price:           o.Price.String(),
		status:          string(o.Status),
		triggerKind:     string(o.Trigger.Kind),
		triggerPrice:    o.Trigger.Price.String(),
		triggerIsMarket: o.Trigger.IsMarket,
		reduceOnly:      o.ReduceOnly,
		timeInForce:     string(o.TimeInForce),
		clientOrderID:   o.ClientOrderID,
		filledSize:      o.FilledSize.String(),
		fillPrice:       o.FillPrice.String(),
		fee:             o.Fee.String(),
		filledAt:        o.FilledAt,
		originalSize:    o.OriginalSize.String(),
		remainingSize:   o.RemainingSize.String(),
		createdAt:       o.CreatedAt,
		updatedAt:       o.UpdatedAt,
	}
}

func (r orderRow) toDomain() (*domain.Order, error) {
	id, err := uuid.Parse(r.id)
	if err != nil {
		return nil, fmt.Errorf("parse order id: %w", err)
	}
	o := &domain.Order{
		ID:            id,
		VenueOrderID:  r.venueOrderID,
		Symbol:        r.symbol,
		Side:          domain.Side(r.side),
		Status:        domain.OrderStatus(r.status),
		ReduceOnly:    r.reduceOnly,
		TimeInForce:   domain.TimeInForce(r.timeInForce),
		ClientOrderID: r.clientOrderID,
		FilledAt:      r.filledAt,
		CreatedAt:     r.createdAt,
		UpdatedAt:     r.updatedAt,
	}
	if r.positionID != "" {
		if o.PositionID, err = uuid.Parse(r.positionID); err != nil {
			return nil, fmt.Errorf("parse position id: %w", err)
		}
	}
	o.Trigger.Kind = domain.TriggerKind(r.triggerKind)
	o.Trigger.IsMarket = r.triggerIsMarket

	fields := []struct {
		dst *decimal.Decimal
		src string
	}{
		{&o.Size, r.size},
		{&o.Price, r.price},
		{&o.Trigger.Price, r.triggerPrice},
		{&o.FilledSize, r.filledSize},
		{&o.FillPrice, r.fillPrice},
		{&o.Fee, r.fee},
		{&o.OriginalSize, r.originalSize},
		{&o.RemainingSize, r.remainingSize},
	}
	for _, f := range fields {
		if *f.dst, err = domain.ParseDecimal(f.src); err != nil {
			return nil, fmt.Errorf("parse order %s decimal: %w", r.id, err)
		}
	}
	return o, nil
}

func decimalPtrString(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
