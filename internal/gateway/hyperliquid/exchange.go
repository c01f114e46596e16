package hyperliquid

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/gateway"
)

func (c *Client) PlaceOrder(ctx context.Context, req gateway.OrderAction) (*gateway.OrderResult, error) {
	wire := orderWire{
		Coin:       req.Coin,
		Asset:      req.AssetIndex,
		IsBuy:      req.IsBuy,
		Sz:         domain.FormatDecimal(req.Size),
		LimitPx:    domain.FormatDecimal(req.LimitPrice),
		ReduceOnly: req.ReduceOnly,
		Cloid:      req.ClientOrderID,
	}
	if req.Trigger.Active() {
		wire.OrderType.Trigger = &triggerType{
			IsMarket:  req.Trigger.IsMarket,
			TriggerPx: domain.FormatDecimal(req.Trigger.Price),
			Tpsl:      string(req.Trigger.Kind),
		}
	} else {
		tif := req.TimeInForce
		if tif == "" {
			tif = domain.TIFGoodTilCancel
		}
		wire.OrderType.Limit = &limitType{Tif: string(tif)}
	}

	act := orderActionWire{Type: "order", Orders: []orderWire{wire}, Grouping: "na"}
	raw, err := c.action(ctx, "order", act, domain.EndpointOrderPlace)
	if err != nil {
		return nil, err
	}

	statuses, err := decodeStatuses("order", raw)
	if err != nil {
		return nil, err
	}
	if len(statuses) == 0 {
		return nil, domain.ErrNoOrderID
	}

	var st orderStatusEntry
	if err := json.Unmarshal(statuses[0], &st); err != nil {
		return nil, &domain.ProtocolError{Op: "decode order status", Err: err}
	}
	switch {
	case st.Error != nil:
		return nil, &domain.VenueError{Message: *st.Error}
	case st.Resting != nil:
		return &gateway.OrderResult{Kind: gateway.OrderResting, VenueOrderID: FormatOid(st.Resting.Oid)}, nil
	case st.Filled != nil:
		return &gateway.OrderResult{
			Kind:         gateway.OrderFilled,
			VenueOrderID: FormatOid(st.Filled.Oid),
			FilledSize:   st.Filled.TotalSz,
			AvgPrice:     st.Filled.AvgPx,
		}, nil
	default:
		return nil, domain.ErrNoOrderID
	}
}

func (c *Client) Cancel(ctx context.Context, req gateway.CancelAction) error {
	oid, err := strconv.ParseInt(req.VenueOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("parse order id %q: %w", req.VenueOrderID, err)
	}

	act := cancelActionWire{
		Type:    "cancel",
		Cancels: []cancelWire{{Coin: req.Coin, Asset: req.AssetIndex, Oid: oid}},
	}
	raw, err := c.action(ctx, "cancel", act, domain.EndpointOrderCancel)
	if err != nil {
		return err
	}

	statuses, err := decodeStatuses("cancel", raw)
	if err != nil {
		return err
	}
	for _, s := range statuses {
		var ok string
		if json.Unmarshal(s, &ok) == nil {
			continue
		}
		var failed struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(s, &failed); err != nil {
			return &domain.ProtocolError{Op: "decode cancel status", Err: err}
		}
		if failed.Error != "" {
			return &domain.VenueError{Message: failed.Error}
		}
	}
	return nil
}

func (c *Client) UpdateLeverage(ctx context.Context, req gateway.LeverageAction) error {
	act := leverageActionWire{
		Type:     "updateLeverage",
		Coin:     req.Coin,
		Asset:    req.AssetIndex,
		IsCross:  req.IsCross,
		Leverage: req.Leverage,
	}
	_, err := c.action(ctx, "updateLeverage", act, domain.EndpointAccount)
	return err
}

func decodeStatuses(kind string, raw json.RawMessage) ([]json.RawMessage, error) {
	var payload statusesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, &domain.ProtocolError{Op: "decode " + kind + " response", Err: err}
	}
	return payload.Data.Statuses, nil
}
