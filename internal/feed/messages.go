package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

const (
	channelFills        = "userFills"
	channelOrderUpdates = "orderUpdates"
)

type subscribeFrame struct {
	Method       string       `json:"method"`
	Subscription subscription `json:"subscription"`
}

type subscription struct {
	Type string `json:"type"`
	User string `json:"user"`
}

type pingFrame struct {
	Method string `json:"method"`
}

type inboundFrame struct {
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data"`
}

// Elements stay raw so one bad fill does not drop the rest of the frame.
type fillsData struct {
	IsSnapshot bool              `json:"isSnapshot"`
	Fills      []json.RawMessage `json:"fills"`
}

// wsFill carries closedPnl as a pointer: an absent or null field is an
// entry fill, any present value (zero included) is an exit.
type wsFill struct {
	Coin      string      `json:"coin"`
	Side      string      `json:"side"`
	Sz        string      `json:"sz"`
	Px        string      `json:"px"`
	Fee       string      `json:"fee"`
	Oid       json.Number `json:"oid"`
	Tid       json.Number `json:"tid"`
	Time      int64       `json:"time"`
	ClosedPnl *string     `json:"closedPnl"`
}

type orderUpdatesData struct {
	Orders []json.RawMessage `json:"orders"`
}

type wsOrder struct {
	Coin      string      `json:"coin"`
	Side      string      `json:"side"`
	LimitPx   string      `json:"limitPx"`
	Sz        string      `json:"sz"`
	Oid       json.Number `json:"oid"`
	Timestamp int64       `json:"timestamp"`
	OrigSz    string      `json:"origSz"`
	Cloid     *string     `json:"cloid"`
	Status    string      `json:"status"`
}

func parseSide(s string) domain.Side {
	if s == "B" || s == "buy" || s == "BUY" {
		return domain.SideBuy
	}
	return domain.SideSell
}

func (f wsFill) toEvent() (domain.FillEvent, error) {
	if f.Oid == "" || f.Coin == "" {
		return domain.FillEvent{}, fmt.Errorf("fill missing coin or oid")
	}
	evt := domain.FillEvent{
		VenueOrderID: f.Oid.String(),
		TradeID:      f.Tid.String(),
		Symbol:       f.Coin,
		Side:         parseSide(f.Side),
		Timestamp:    time.UnixMilli(f.Time).UTC(),
	}
	var err error
	if evt.Size, err = domain.ParseDecimal(f.Sz); err != nil {
		return evt, fmt.Errorf("sz: %w", err)
	}
	if evt.Price, err = domain.ParseDecimal(f.Px); err != nil {
		return evt, fmt.Errorf("px: %w", err)
	}
	if evt.Fee, err = domain.ParseDecimal(f.Fee); err != nil {
		return evt, fmt.Errorf("fee: %w", err)
	}
	if f.ClosedPnl != nil {
		pnl, err := decimal.NewFromString(*f.ClosedPnl)
		if err != nil {
			return evt, fmt.Errorf("closedPnl: %w", err)
		}
		evt.ClosedPnL = &pnl
	}
	return evt, nil
}

func (o wsOrder) toEvent() (domain.OrderUpdateEvent, error) {
	if o.Oid == "" || o.Coin == "" {
		return domain.OrderUpdateEvent{}, fmt.Errorf("order update missing coin or oid")
	}
	evt := domain.OrderUpdateEvent{
		VenueOrderID: o.Oid.String(),
		Symbol:       o.Coin,
		Side:         parseSide(o.Side),
		Status:       o.Status,
		Timestamp:    time.UnixMilli(o.Timestamp).UTC(),
	}
	if o.Cloid != nil {
		evt.ClientOrderID = *o.Cloid
	}
	var err error
	if evt.LimitPrice, err = domain.ParseDecimal(o.LimitPx); err != nil {
		return evt, fmt.Errorf("limitPx: %w", err)
	}
	if evt.RemainingSize, err = domain.ParseDecimal(o.Sz); err != nil {
		return evt, fmt.Errorf("sz: %w", err)
	}
	if evt.OriginalSize, err = domain.ParseDecimal(o.OrigSz); err != nil {
		return evt, fmt.Errorf("origSz: %w", err)
	}
	return evt, nil
}
