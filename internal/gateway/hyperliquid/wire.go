package hyperliquid

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

type assetMeta struct {
	Name         string `json:"name"`
	SzDecimals   int32  `json:"szDecimals"`
	MaxLeverage  int    `json:"maxLeverage"`
	OnlyIsolated bool   `json:"onlyIsolated"`
	IsDelisted   bool   `json:"isDelisted"`
}

type universe struct {
	Universe []assetMeta `json:"universe"`
}

type assetCtx struct {
	Funding      decimal.Decimal   `json:"funding"`
	OpenInterest decimal.Decimal   `json:"openInterest"`
	PrevDayPx    decimal.Decimal   `json:"prevDayPx"`
	DayNtlVlm    decimal.Decimal   `json:"dayNtlVlm"`
	Premium      *decimal.Decimal  `json:"premium"`
	OraclePx     decimal.Decimal   `json:"oraclePx"`
	MarkPx       decimal.Decimal   `json:"markPx"`
	MidPx        *decimal.Decimal  `json:"midPx"`
	ImpactPxs    []decimal.Decimal `json:"impactPxs"`
}

type clearinghouseState struct {
	MarginSummary struct {
		AccountValue    decimal.Decimal `json:"accountValue"`
		TotalMarginUsed decimal.Decimal `json:"totalMarginUsed"`
	} `json:"marginSummary"`
	Withdrawable   decimal.Decimal `json:"withdrawable"`
	AssetPositions []struct {
		Position struct {
			Coin          string          `json:"coin"`
			Szi           decimal.Decimal `json:"szi"`
			EntryPx       decimal.Decimal `json:"entryPx"`
			UnrealizedPnl decimal.Decimal `json:"unrealizedPnl"`
			MarginUsed    decimal.Decimal `json:"marginUsed"`
			Leverage      struct {
				Type  string `json:"type"`
				Value int    `json:"value"`
			} `json:"leverage"`
		} `json:"position"`
	} `json:"assetPositions"`
	Time int64 `json:"time"`
}

type bookLevel struct {
	Px decimal.Decimal `json:"px"`
	Sz decimal.Decimal `json:"sz"`
	N  int             `json:"n"`
}

type l2Book struct {
	Coin   string        `json:"coin"`
	Time   int64         `json:"time"`
	Levels [][]bookLevel `json:"levels"`
}

type fundingEntry struct {
	Coin        string          `json:"coin"`
	FundingRate decimal.Decimal `json:"fundingRate"`
	Premium     decimal.Decimal `json:"premium"`
	Time        int64           `json:"time"`
}

// OrderInfo is the venue's order shape shared by open-order, status and
// feed payloads.
type OrderInfo struct {
	Coin      string          `json:"coin"`
	Side      string          `json:"side"`
	LimitPx   decimal.Decimal `json:"limitPx"`
	Sz        decimal.Decimal `json:"sz"`
	Oid       int64           `json:"oid"`
	Timestamp int64           `json:"timestamp"`
	OrigSz    decimal.Decimal `json:"origSz"`
	Cloid     *string         `json:"cloid,omitempty"`
}

type orderStatusResponse struct {
	Status string `json:"status"`
	Order  *struct {
		Order           OrderInfo `json:"order"`
		Status          string    `json:"status"`
		StatusTimestamp int64     `json:"statusTimestamp"`
	} `json:"order"`
}

type userFill struct {
	Coin      string           `json:"coin"`
	Px        decimal.Decimal  `json:"px"`
	Sz        decimal.Decimal  `json:"sz"`
	Side      string           `json:"side"`
	Time      int64            `json:"time"`
	ClosedPnl *decimal.Decimal `json:"closedPnl"`
	Dir       string           `json:"dir"`
	Oid       int64            `json:"oid"`
	Tid       int64            `json:"tid"`
	Fee       decimal.Decimal  `json:"fee"`
}

type limitType struct {
	Tif string `json:"tif"`
}

type triggerType struct {
	IsMarket  bool   `json:"isMarket"`
	TriggerPx string `json:"triggerPx"`
	Tpsl      string `json:"tpsl"`
}

type orderType struct {
	Limit   *limitType   `json:"limit,omitempty"`
	Trigger *triggerType `json:"trigger,omitempty"`
}

type orderWire struct {
	Coin       string    `json:"coin"`
	Asset      int       `json:"asset"`
	IsBuy      bool      `json:"isBuy"`
	Sz         string    `json:"sz"`
	LimitPx    string    `json:"limitPx"`
	OrderType  orderType `json:"orderType"`
	ReduceOnly bool      `json:"reduceOnly"`
	Cloid      string    `json:"cloid,omitempty"`
}

type orderActionWire struct {
	Type     string      `json:"type"`
	Orders   []orderWire `json:"orders"`
	Grouping string      `json:"grouping"`
}

type cancelWire struct {
	Coin  string `json:"coin"`
	Asset int    `json:"asset"`
	Oid   int64  `json:"oid"`
}

type cancelActionWire struct {
	Type    string       `json:"type"`
	Cancels []cancelWire `json:"cancels"`
}

type leverageActionWire struct {
	Type     string `json:"type"`
	Coin     string `json:"coin"`
	Asset    int    `json:"asset"`
	IsCross  bool   `json:"isCross"`
	Leverage int    `json:"leverage"`
}

type exchangeRequest struct {
	Action any   `json:"action"`
	Nonce  int64 `json:"nonce"`
}

// exchangeResponse carries either a typed payload (status "ok") or an
// error string (status "err") in Response.
type exchangeResponse struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type statusesPayload struct {
	Type string `json:"type"`
	Data struct {
		Statuses []json.RawMessage `json:"statuses"`
	} `json:"data"`
}

type orderStatusEntry struct {
	Resting *struct {
		Oid int64 `json:"oid"`
	} `json:"resting"`
	Filled *struct {
		Oid     int64           `json:"oid"`
		TotalSz decimal.Decimal `json:"totalSz"`
		AvgPx   decimal.Decimal `json:"avgPx"`
	} `json:"filled"`
	Error *string `json:"error"`
}

func ParseSide(s string) domain.Side {
	switch strings.ToUpper(s) {
	case "B", "BUY", "BID":
		return domain.SideBuy
	default:
		return domain.SideSell
	}
}

func FormatOid(oid int64) string {
	return strconv.FormatInt(oid, 10)
}

func msTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func (o OrderInfo) toState(status string) *domain.VenueOrderState {
	st := &domain.VenueOrderState{
		VenueOrderID:  FormatOid(o.Oid),
		Symbol:        o.Coin,
		Side:          ParseSide(o.Side),
		LimitPrice:    o.LimitPx,
		RemainingSize: o.Sz,
		OriginalSize:  o.OrigSz,
		Status:        status,
		Timestamp:     msTime(o.Timestamp),
	}
	if o.Cloid != nil {
		st.ClientOrderID = *o.Cloid
	}
	return st
}

// toEvent maps a REST fill. closedPnl is passed through as is: its
// presence, not dir, marks a closing fill, the same as on the feed.
func (f userFill) toEvent() domain.FillEvent {
	return domain.FillEvent{
		VenueOrderID: FormatOid(f.Oid),
		TradeID:      strconv.FormatInt(f.Tid, 10),
		Symbol:       f.Coin,
		Side:         ParseSide(f.Side),
		Size:         f.Sz,
		Price:        f.Px,
		Fee:          f.Fee,
		ClosedPnL:    f.ClosedPnl,
		Timestamp:    msTime(f.Time),
	}
}
