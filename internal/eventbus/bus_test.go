package eventbus

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

func TestEventBusFill(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(nil, logger)

	var got []domain.FillEvent
	bus.OnFill(func(_ context.Context, evt domain.FillEvent) error {
		got = append(got, evt)
		return nil
	})

	bus.PublishFill(context.Background(), domain.FillEvent{
		VenueOrderID: "42",
		Symbol:       "BTC",
		Size:         decimal.RequireFromString("0.002"),
	})

	if len(got) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(got))
	}
	if got[0].VenueOrderID != "42" {
		t.Errorf("expected order id 42, got %s", got[0].VenueOrderID)
	}
}

func TestEventBusFailingListenerDoesNotBlockOthers(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(nil, logger)

	calls := 0
	bus.OnOrderUpdate(func(context.Context, domain.OrderUpdateEvent) error {
		return errors.New("boom")
	})
	bus.OnOrderUpdate(func(context.Context, domain.OrderUpdateEvent) error {
		panic("listener bug")
	})
	bus.OnOrderUpdate(func(context.Context, domain.OrderUpdateEvent) error {
		calls++
		return nil
	})

	bus.PublishOrderUpdate(context.Background(), domain.OrderUpdateEvent{VenueOrderID: "7"})

	if calls != 1 {
		t.Errorf("expected third listener to run once, ran %d times", calls)
	}
}

func TestEventBusRegistrationOrder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(nil, logger)

	var order []int
	for i := 0; i < 3; i++ {
		bus.OnConnected(func(context.Context) error {
			order = append(order, i)
			return nil
		})
	}
	bus.PublishConnected(context.Background())

	if len(order) != 3 || order[0] != 0 || order[2] != 2 {
		t.Errorf("expected listeners in registration order, got %v", order)
	}
}

func TestEventBusNoListeners(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := New(nil, logger)

	bus.PublishPositionChange(context.Background(), domain.PositionChange{NewStatus: domain.PositionStatusOpen})
	bus.PublishOrderState(context.Background(), domain.OrderStateChange{NewStatus: domain.OrderStatusCreated})
}
