package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) IsBuy() bool { return s == SideBuy }

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// EntrySide is the side that opens exposure in this direction.
func (d Direction) EntrySide() Side {
	if d == DirectionShort {
		return SideSell
	}
	return SideBuy
}

type OrderStatus string

const (
	OrderStatusCreated   OrderStatus = "CREATED"
	OrderStatusExecuted  OrderStatus = "EXECUTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusFailed    OrderStatus = "FAILED"
)

func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusExecuted || s == OrderStatusCancelled || s == OrderStatusFailed
}

type PositionStatus string

const (
	PositionStatusCreated PositionStatus = "CREATED"
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

type TriggerKind string

const (
	TriggerNone       TriggerKind = ""
	TriggerStopLoss   TriggerKind = "sl"
	TriggerTakeProfit TriggerKind = "tp"
)

type TimeInForce string

const (
	TIFGoodTilCancel     TimeInForce = "Gtc"
	TIFImmediateOrCancel TimeInForce = "Ioc"
	TIFAddLiquidityOnly  TimeInForce = "Alo"
)

type MarginMode string

const (
	MarginCross    MarginMode = "cross"
	MarginIsolated MarginMode = "isolated"
)

// SizeBasis selects the reference price used to convert a trigger order's
// notional into base size.
type SizeBasis string

const (
	SizeBasisMark  SizeBasis = "mark"
	SizeBasisEntry SizeBasis = "entry"
)

type TradingMode string

const (
	TradingModeLive   TradingMode = "live"
	TradingModeDryRun TradingMode = "dry_run"
)

type EndpointCategory string

const (
	EndpointInfo        EndpointCategory = "info"
	EndpointOrderPlace  EndpointCategory = "order_place"
	EndpointOrderCancel EndpointCategory = "order_cancel"
	EndpointAccount     EndpointCategory = "account"
)

type Market struct {
	Symbol        string
	AssetIndex    int
	LotStep       decimal.Decimal
	SizeDecimals  int32
	PriceDecimals int32
	MaxLeverage   int
	OnlyIsolated  bool
}

type Ticker struct {
	Symbol       string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	Mark         decimal.Decimal
	Volume24h    decimal.Decimal
	OpenInterest decimal.Decimal
	FundingRate  decimal.Decimal
	Timestamp    time.Time
}

type MarketContext struct {
	Market Market
	Ticker Ticker
}

type PriceLevel struct {
	Price  decimal.Decimal
	Size   decimal.Decimal
	Orders int
}

type OrderBookSnapshot struct {
	Symbol    string
	Bids      []PriceLevel
	Asks      []PriceLevel
	Timestamp time.Time
}

func (ob *OrderBookSnapshot) BestBid() (PriceLevel, bool) {
	if len(ob.Bids) == 0 {
		return PriceLevel{}, false
	}
	return ob.Bids[0], true
}

func (ob *OrderBookSnapshot) BestAsk() (PriceLevel, bool) {
	if len(ob.Asks) == 0 {
		return PriceLevel{}, false
	}
	return ob.Asks[0], true
}

func (ob *OrderBookSnapshot) MidPrice() (decimal.Decimal, bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	if !hasBid || !hasAsk {
		return decimal.Zero, false
	}
	return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
}

type FundingRate struct {
	Symbol    string
	Rate      decimal.Decimal
	Premium   decimal.Decimal
	Timestamp time.Time
}

type VenuePosition struct {
	Symbol        string
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
	MarginUsed    decimal.Decimal
}

type AccountState struct {
	AccountValue    decimal.Decimal
	TotalMarginUsed decimal.Decimal
	Withdrawable    decimal.Decimal
	Positions       []VenuePosition
	Timestamp       time.Time
}

type Trigger struct {
	Kind     TriggerKind
	Price    decimal.Decimal
	IsMarket bool
}

func (t *Trigger) Active() bool {
	return t != nil && t.Kind != TriggerNone
}

type Order struct {
	ID            uuid.UUID
	VenueOrderID  string
	PositionID    uuid.UUID
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	Price         decimal.Decimal
	Status        OrderStatus
	Trigger       Trigger
	ReduceOnly    bool
	TimeInForce   TimeInForce
	ClientOrderID string
	FilledSize    decimal.Decimal
	FillPrice     decimal.Decimal
	Fee           decimal.Decimal
	FilledAt      *time.Time
	OriginalSize  decimal.Decimal
	RemainingSize decimal.Decimal
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Position struct {
	ID           uuid.UUID
	Account      string
	Symbol       string
	Direction    Direction
	Size         decimal.Decimal
	EntryPrice   decimal.Decimal
	CurrentPrice decimal.Decimal
	RealizedPnL  *decimal.Decimal
	Status       PositionStatus
	OpenedAt     *time.Time
	ClosedAt     *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// FillEvent is a single execution reported by the venue. ClosedPnL is nil
// when the venue did not send the field; a non-nil zero still marks an exit.
type FillEvent struct {
	VenueOrderID string
	TradeID      string
	Symbol       string
	Side         Side
	Size         decimal.Decimal
	Price        decimal.Decimal
	Fee          decimal.Decimal
	ClosedPnL    *decimal.Decimal
	Timestamp    time.Time
}

func (f FillEvent) IsExit() bool { return f.ClosedPnL != nil }

type OrderUpdateEvent struct {
	VenueOrderID  string
	Symbol        string
	Side          Side
	LimitPrice    decimal.Decimal
	RemainingSize decimal.Decimal
	OriginalSize  decimal.Decimal
	ClientOrderID string
	Status        string
	Timestamp     time.Time
}

// VenueOrderState is the venue's view of an order returned by a status query.
type VenueOrderState struct {
	VenueOrderID  string
	Symbol        string
	Side          Side
	LimitPrice    decimal.Decimal
	RemainingSize decimal.Decimal
	OriginalSize  decimal.Decimal
	ClientOrderID string
	Status        string
	Timestamp     time.Time
}

type OpenOrder struct {
	VenueOrderID string
	Symbol       string
	Side         Side
	LimitPrice   decimal.Decimal
	Size         decimal.Decimal
	Timestamp    time.Time
}

type PositionChange struct {
	Position   Position
	PrevStatus PositionStatus
	NewStatus  PositionStatus
	Timestamp  time.Time
}

type OrderStateChange struct {
	Order      Order
	PrevStatus OrderStatus
	NewStatus  OrderStatus
	Timestamp  time.Time
}

type AlertSeverity string

const (
	AlertP1 AlertSeverity = "P1"
	AlertP2 AlertSeverity = "P2"
)
