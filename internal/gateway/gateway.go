package gateway

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

// Transport is the typed call surface of the venue. Queries are unsigned;
// actions require a signing key and fail with domain.ErrUnauthenticated
// without one. Implementations never retry.
type Transport interface {
	MarketContexts(ctx context.Context) ([]domain.MarketContext, error)
	AllMids(ctx context.Context) (map[string]decimal.Decimal, error)
	AccountState(ctx context.Context, user string) (*domain.AccountState, error)
	OrderBook(ctx context.Context, coin string) (*domain.OrderBookSnapshot, error)
	FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]domain.FundingRate, error)
	OpenOrders(ctx context.Context, user string) ([]domain.OpenOrder, error)
	OrderStatus(ctx context.Context, user, venueOrderID string) (*domain.VenueOrderState, error)
	UserFills(ctx context.Context, user string, since time.Time) ([]domain.FillEvent, error)

	PlaceOrder(ctx context.Context, req OrderAction) (*OrderResult, error)
	Cancel(ctx context.Context, req CancelAction) error
	UpdateLeverage(ctx context.Context, req LeverageAction) error

	// Address is the account this transport signs for, empty when unsigned.
	Address() string
}

type OrderAction struct {
	Coin          string
	AssetIndex    int
	IsBuy         bool
	Size          decimal.Decimal
	LimitPrice    decimal.Decimal
	TimeInForce   domain.TimeInForce
	Trigger       *domain.Trigger
	ReduceOnly    bool
	ClientOrderID string
}

type CancelAction struct {
	Coin         string
	AssetIndex   int
	VenueOrderID string
}

type LeverageAction struct {
	Coin       string
	AssetIndex int
	IsCross    bool
	Leverage   int
}

type OrderResultKind string

const (
	OrderResting OrderResultKind = "resting"
	OrderFilled  OrderResultKind = "filled"
)

type OrderResult struct {
	Kind         OrderResultKind
	VenueOrderID string
	FilledSize   decimal.Decimal
	AvgPrice     decimal.Decimal
}
