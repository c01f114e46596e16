package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

type (
	FillListener        func(ctx context.Context, evt domain.FillEvent) error
	OrderUpdateListener func(ctx context.Context, evt domain.OrderUpdateEvent) error
	OrderStateListener  func(ctx context.Context, change domain.OrderStateChange) error
	PositionListener    func(ctx context.Context, change domain.PositionChange) error
	ConnectedListener   func(ctx context.Context) error
)

// EventBus fans events out to registered listeners synchronously, in
// registration order. A listener that errors or panics is logged and the
// remaining listeners still run.
type EventBus struct {
	mu sync.RWMutex

	fillSubs       []FillListener
	orderUpdateSub []OrderUpdateListener
	orderStateSubs []OrderStateListener
	positionSubs   []PositionListener
	connectedSubs  []ConnectedListener

	metrics *monitor.Metrics
	logger  *slog.Logger
}

func New(metrics *monitor.Metrics, logger *slog.Logger) *EventBus {
	return &EventBus{
		metrics: metrics,
		logger:  logger,
	}
}

func (eb *EventBus) OnFill(l FillListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.fillSubs = append(eb.fillSubs, l)
}

func (eb *EventBus) PublishFill(ctx context.Context, evt domain.FillEvent) {
	eb.mu.RLock()
	subs := eb.fillSubs
	eb.mu.RUnlock()
	for i, l := range subs {
		eb.invoke("fill", i, func() error { return l(ctx, evt) },
			"order_id", evt.VenueOrderID, "symbol", evt.Symbol)
	}
}

func (eb *EventBus) OnOrderUpdate(l OrderUpdateListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.orderUpdateSub = append(eb.orderUpdateSub, l)
}

func (eb *EventBus) PublishOrderUpdate(ctx context.Context, evt domain.OrderUpdateEvent) {
	eb.mu.RLock()
	subs := eb.orderUpdateSub
	eb.mu.RUnlock()
	for i, l := range subs {
		eb.invoke("order_update", i, func() error { return l(ctx, evt) },
			"order_id", evt.VenueOrderID, "symbol", evt.Symbol)
	}
}

func (eb *EventBus) OnOrderState(l OrderStateListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.orderStateSubs = append(eb.orderStateSubs, l)
}

func (eb *EventBus) PublishOrderState(ctx context.Context, change domain.OrderStateChange) {
	eb.mu.RLock()
	subs := eb.orderStateSubs
	eb.mu.RUnlock()
	for i, l := range subs {
		eb.invoke("order_state", i, func() error { return l(ctx, change) },
			"order_id", change.Order.VenueOrderID, "status", string(change.NewStatus))
	}
}

func (eb *EventBus) OnPositionChange(l PositionListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.positionSubs = append(eb.positionSubs, l)
}

func (eb *EventBus) PublishPositionChange(ctx context.Context, change domain.PositionChange) {
	eb.mu.RLock()
	subs := eb.positionSubs
	eb.mu.RUnlock()
	for i, l := range subs {
		eb.invoke("position_change", i, func() error { return l(ctx, change) },
			"position_id", change.Position.ID, "status", string(change.NewStatus))
	}
}

func (eb *EventBus) OnConnected(l ConnectedListener) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.connectedSubs = append(eb.connectedSubs, l)
}

func (eb *EventBus) PublishConnected(ctx context.Context) {
	eb.mu.RLock()
	subs := eb.connectedSubs
	eb.mu.RUnlock()
	for i, l := range subs {
		eb.invoke("connected", i, func() error { return l(ctx) })
	}
}

func (eb *EventBus) invoke(event string, idx int, fn func() error, attrs ...any) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panic: %v", r)
			}
		}()
		return fn()
	}()
	if err == nil {
		return
	}
	eb.metrics.ListenerFailed(event)
	eb.logger.Error("event listener failed",
		append([]any{"event", event, "listener", idx, "error", err}, attrs...)...)
}
