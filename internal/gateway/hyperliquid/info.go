package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

// perpMaxDecimals bounds price precision: a market's price decimals are
// perpMaxDecimals minus its size decimals.
const perpMaxDecimals = 6

func (c *Client) MarketContexts(ctx context.Context) ([]domain.MarketContext, error) {
	var raw []json.RawMessage
	if err := c.query(ctx, "metaAndAssetCtxs", nil, &raw); err != nil {
		return nil, err
	}
	if len(raw) != 2 {
		return nil, &domain.ProtocolError{Op: "decode metaAndAssetCtxs", Err: fmt.Errorf("expected 2 elements, got %d", len(raw))}
	}

	var meta universe
	if err := json.Unmarshal(raw[0], &meta); err != nil {
		return nil, &domain.ProtocolError{Op: "decode universe", Err: err}
	}
	var ctxs []assetCtx
	if err := json.Unmarshal(raw[1], &ctxs); err != nil {
		return nil, &domain.ProtocolError{Op: "decode asset contexts", Err: err}
	}

	now := c.now()
	result := make([]domain.MarketContext, 0, len(meta.Universe))
	for i, m := range meta.Universe {
		if m.IsDelisted {
			continue
		}
		mc := domain.MarketContext{
			Market: domain.Market{
				Symbol:        m.Name,
				AssetIndex:    i,
				LotStep:       decimal.New(1, -m.SzDecimals),
				SizeDecimals:  m.SzDecimals,
				PriceDecimals: perpMaxDecimals - m.SzDecimals,
				MaxLeverage:   m.MaxLeverage,
				OnlyIsolated:  m.OnlyIsolated,
			},
			Ticker: domain.Ticker{Symbol: m.Name, Timestamp: now},
		}
		if i < len(ctxs) {
			ac := ctxs[i]
			mc.Ticker.Mark = ac.MarkPx
			mc.Ticker.Last = ac.MarkPx
			if ac.MidPx != nil {
				mc.Ticker.Last = *ac.MidPx
			}
			if len(ac.ImpactPxs) == 2 {
				mc.Ticker.Bid = ac.ImpactPxs[0]
				mc.Ticker.Ask = ac.ImpactPxs[1]
			}
			mc.Ticker.Volume24h = ac.DayNtlVlm
			mc.Ticker.OpenInterest = ac.OpenInterest
			mc.Ticker.FundingRate = ac.Funding
		}
		result = append(result, mc)
	}
	return result, nil
}

func (c *Client) AllMids(ctx context.Context) (map[string]decimal.Decimal, error) {
	var mids map[string]decimal.Decimal
	if err := c.query(ctx, "allMids", nil, &mids); err != nil {
		return nil, err
	}
	return mids, nil
}

func (c *Client) AccountState(ctx context.Context, user string) (*domain.AccountState, error) {
	var st clearinghouseState
	if err := c.query(ctx, "clearinghouseState", map[string]any{"user": user}, &st); err != nil {
		return nil, err
	}

	state := &domain.AccountState{
		AccountValue:    st.MarginSummary.AccountValue,
		TotalMarginUsed: st.MarginSummary.TotalMarginUsed,
		Withdrawable:    st.Withdrawable,
		Timestamp:       msTime(st.Time),
	}
	for _, ap := range st.AssetPositions {
		p := ap.Position
		state.Positions = append(state.Positions, domain.VenuePosition{
			Symbol:        p.Coin,
			Size:          p.Szi,
			EntryPrice:    p.EntryPx,
			UnrealizedPnL: p.UnrealizedPnl,
			Leverage:      p.Leverage.Value,
			MarginUsed:    p.MarginUsed,
		})
	}
	return state, nil
}

func (c *Client) OrderBook(ctx context.Context, coin string) (*domain.OrderBookSnapshot, error) {
	var book l2Book
	if err := c.query(ctx, "l2Book", map[string]any{"coin": coin}, &book); err != nil {
		return nil, err
	}

	snap := &domain.OrderBookSnapshot{Symbol: book.Coin, Timestamp: msTime(book.Time)}
	if len(book.Levels) > 0 {
		snap.Bids = toLevels(book.Levels[0])
	}
	if len(book.Levels) > 1 {
		snap.Asks = toLevels(book.Levels[1])
	}
	return snap, nil
}

func toLevels(levels []bookLevel) []domain.PriceLevel {
	out := make([]domain.PriceLevel, 0, len(levels))
	for _, l := range levels {
		out = append(out, domain.PriceLevel{Price: l.Px, Size: l.Sz, Orders: l.N})
	}
	return out
}

func (c *Client) FundingHistory(ctx context.Context, coin string, start, end time.Time) ([]domain.FundingRate, error) {
	payload := map[string]any{"coin": coin, "startTime": start.UnixMilli()}
	if !end.IsZero() {
		payload["endTime"] = end.UnixMilli()
	}
	var entries []fundingEntry
	if err := c.query(ctx, "fundingHistory", payload, &entries); err != nil {
		return nil, err
	}

	rates := make([]domain.FundingRate, 0, len(entries))
	for _, e := range entries {
		rates = append(rates, domain.FundingRate{
			Symbol:    e.Coin,
			Rate:      e.FundingRate,
			Premium:   e.Premium,
			Timestamp: msTime(e.Time),
		})
	}
	return rates, nil
}

func (c *Client) OpenOrders(ctx context.Context, user string) ([]domain.OpenOrder, error) {
	var orders []OrderInfo
	if err := c.query(ctx, "openOrders", map[string]any{"user": user}, &orders); err != nil {
		return nil, err
	}

	out := make([]domain.OpenOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, domain.OpenOrder{
			VenueOrderID: FormatOid(o.Oid),
			Symbol:       o.Coin,
			Side:         ParseSide(o.Side),
			LimitPrice:   o.LimitPx,
			Size:         o.Sz,
			Timestamp:    msTime(o.Timestamp),
		})
	}
	return out, nil
}

func (c *Client) OrderStatus(ctx context.Context, user, venueOrderID string) (*domain.VenueOrderState, error) {
	oid, err := strconv.ParseInt(venueOrderID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parse order id %q: %w", venueOrderID, err)
	}

	var resp orderStatusResponse
	if err := c.query(ctx, "orderStatus", map[string]any{"user": user, "oid": oid}, &resp); err != nil {
		return nil, err
	}
	if resp.Status != "order" || resp.Order == nil {
		return nil, fmt.Errorf("order %s: %w", venueOrderID, domain.ErrNotFound)
	}
	return resp.Order.Order.toState(resp.Order.Status), nil
}

func (c *Client) UserFills(ctx context.Context, user string, since time.Time) ([]domain.FillEvent, error) {
	var fills []userFill
	payload := map[string]any{"user": user, "startTime": since.UnixMilli()}
	if err := c.query(ctx, "userFillsByTime", payload, &fills); err != nil {
		return nil, err
	}

	out := make([]domain.FillEvent, 0, len(fills))
	for _, f := range fills {
		out = append(out, f.toEvent())
	}
	return out, nil
}
