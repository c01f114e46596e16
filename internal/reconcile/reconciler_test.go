package reconcile

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/persistence"
)

type fakeOrders struct {
	store    *persistence.SQLiteStore
	statuses map[string]*domain.VenueOrderState
	fills    []domain.FillEvent
	account  *domain.AccountState
}

func (f *fakeOrders) PendingOrders(ctx context.Context) ([]domain.Order, error) {
	return f.store.ListOrdersByStatus(ctx, domain.OrderStatusCreated)
}

func (f *fakeOrders) OrderStatus(ctx context.Context, venueOrderID string) (*domain.VenueOrderState, error) {
	st, ok := f.statuses[venueOrderID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return st, nil
}

func (f *fakeOrders) RecentFills(ctx context.Context, since time.Time) ([]domain.FillEvent, error) {
	return f.fills, nil
}

func (f *fakeOrders) Account(ctx context.Context) (*domain.AccountState, error) {
	if f.account == nil {
		return &domain.AccountState{}, nil
	}
	return f.account, nil
}

type pnlSink struct {
	mu         sync.Mutex
	realized   []decimal.Decimal
	unrealized decimal.Decimal
}

func (p *pnlSink) OnRealizedPnL(v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.realized = append(p.realized, v)
}

func (p *pnlSink) OnUnrealizedPnL(v decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unrealized = v
}

type testEnv struct {
	rec       *Reconciler
	store     *persistence.SQLiteStore
	orders    *fakeOrders
	pnl       *pnlSink
	positions []domain.PositionChange
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	store, err := persistence.NewSQLiteStore(filepath.Join(t.TempDir(), "rec.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		store:  store,
		orders: &fakeOrders{store: store, statuses: make(map[string]*domain.VenueOrderState)},
		pnl:    &pnlSink{},
	}
	bus := eventbus.New(nil, logger)
	bus.OnPositionChange(func(_ context.Context, c domain.PositionChange) error {
		env.positions = append(env.positions, c)
		return nil
	})
	rec, err := New(store, env.orders, env.pnl, bus, Config{DedupEntries: 1000}, nil, logger)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	t.Cleanup(rec.Close)
	env.rec = rec
	return env
}

var t0 = time.UnixMilli(1700000000000).UTC()

// seed stores a CREATED position with one order per venue id.
func (env *testEnv) seed(t *testing.T, status domain.PositionStatus, entry string, orders ...*domain.Order) *domain.Position {
	t.Helper()
	ctx := context.Background()
	pos := &domain.Position{
		ID:         uuid.Must(uuid.NewV7()),
		Symbol:     "BTC",
		Direction:  domain.DirectionLong,
		Size:       decimal.RequireFromString("0.002"),
		EntryPrice: decimal.RequireFromString(entry),
		Status:     status,
		CreatedAt:  t0,
		UpdatedAt:  t0,
	}
	if err := env.store.CreatePosition(ctx, pos); err != nil {
		t.Fatalf("create position: %v", err)
	}
	for _, o := range orders {
		o.PositionID = pos.ID
		if err := env.store.CreateOrder(ctx, o); err != nil {
			t.Fatalf("create order: %v", err)
		}
	}
	return pos
}

func newOrder(venueID string, side domain.Side, reduceOnly bool) *domain.Order {
	return &domain.Order{
		ID:           uuid.Must(uuid.NewV7()),
		VenueOrderID: venueID,
		Symbol:       "BTC",
		Side:         side,
		Size:         decimal.RequireFromString("0.002"),
		Price:        decimal.NewFromInt(52500),
		Status:       domain.OrderStatusCreated,
		ReduceOnly:   reduceOnly,
		OriginalSize: decimal.RequireFromString("0.002"),
		CreatedAt:    t0,
		UpdatedAt:    t0,
	}
}

func fill(oid, tid, px string, closedPnl *string) domain.FillEvent {
	evt := domain.FillEvent{
		VenueOrderID: oid,
		TradeID:      tid,
		Symbol:       "BTC",
		Size:         decimal.RequireFromString("0.002"),
		Price:        decimal.RequireFromString(px),
		Fee:          decimal.RequireFromString("0.05"),
		Timestamp:    t0.Add(time.Minute),
	}
	if closedPnl != nil {
		v := decimal.RequireFromString(*closedPnl)
		evt.ClosedPnL = &v
	}
	return evt
}

func strPtr(s string) *string { return &s }

func (env *testEnv) position(t *testing.T, id uuid.UUID) *domain.Position {
	t.Helper()
	p, err := env.store.GetPosition(context.Background(), id)
	if err != nil {
		t.Fatalf("get position: %v", err)
	}
	return p
}

func (env *testEnv) order(t *testing.T, venueID string) *domain.Order {
	t.Helper()
	o, err := env.store.FindOrderByVenueID(context.Background(), venueID)
	if err != nil {
		t.Fatalf("find order: %v", err)
	}
	return o
}

func TestHandleFill_EntryIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pos := env.seed(t, domain.PositionStatusCreated, "0", newOrder("100", domain.SideBuy, false))

	if err := env.rec.HandleFill(ctx, fill("100", "1", "50000", nil)); err != nil {
		t.Fatalf("first fill: %v", err)
	}
	o := env.order(t, "100")
	if o.Status != domain.OrderStatusExecuted || !o.FillPrice.Equal(decimal.NewFromInt(50000)) || o.FilledAt == nil {
		t.Errorf("expected EXECUTED order with fill details, got %+v", o)
	}
	p := env.position(t, pos.ID)
	if p.Status != domain.PositionStatusOpen || !p.EntryPrice.Equal(decimal.NewFromInt(50000)) || p.OpenedAt == nil {
		t.Fatalf("expected OPEN position at 50000, got %+v", p)
	}

	if err := env.rec.HandleFill(ctx, fill("100", "2", "50100", nil)); err != nil {
		t.Fatalf("second fill: %v", err)
	}
	p = env.position(t, pos.ID)
	if p.Status != domain.PositionStatusOpen {
		t.Errorf("second entry fill moved position to %s", p.Status)
	}
	if !p.Size.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("size double counted: %s", p.Size)
	}
	if !p.EntryPrice.Equal(decimal.NewFromInt(50000)) || !p.CurrentPrice.Equal(decimal.NewFromInt(50100)) {
		t.Errorf("expected entry 50000 and current 50100, got %s / %s", p.EntryPrice, p.CurrentPrice)
	}
	if len(env.positions) != 1 {
		t.Errorf("expected a single CREATED->OPEN change, got %d", len(env.positions))
	}
}

func TestHandleFill_ExitClosesPosition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pos := env.seed(t, domain.PositionStatusOpen, "50000", newOrder("200", domain.SideSell, true))

	if err := env.rec.HandleFill(ctx, fill("200", "9", "51000", strPtr("200"))); err != nil {
		t.Fatalf("fill: %v", err)
	}
	p := env.position(t, pos.ID)
	if p.Status != domain.PositionStatusClosed {
		t.Fatalf("expected CLOSED, got %s", p.Status)
	}
	if p.RealizedPnL == nil || !p.RealizedPnL.Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected realized pnl 200, got %v", p.RealizedPnL)
	}
	if !p.CurrentPrice.Equal(decimal.NewFromInt(51000)) || p.ClosedAt == nil {
		t.Errorf("expected current price and close time, got %+v", p)
	}
	if len(env.pnl.realized) != 1 || !env.pnl.realized[0].Equal(decimal.NewFromInt(200)) {
		t.Errorf("expected realized pnl reported to risk, got %v", env.pnl.realized)
	}
}

func TestHandleFill_PresenceNotValue(t *testing.T) {
	tests := []struct {
		name      string
		closedPnl *string
		want      domain.PositionStatus
	}{
		{"explicit zero closes", strPtr("0"), domain.PositionStatusClosed},
		{"absent field keeps open", nil, domain.PositionStatusOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			pos := env.seed(t, domain.PositionStatusOpen, "50000", newOrder("300", domain.SideSell, true))

			if err := env.rec.HandleFill(context.Background(), fill("300", "1", "50000", tt.closedPnl)); err != nil {
				t.Fatalf("fill: %v", err)
			}
			p := env.position(t, pos.ID)
			if p.Status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, p.Status)
			}
			if tt.closedPnl != nil && (p.RealizedPnL == nil || !p.RealizedPnL.IsZero()) {
				t.Errorf("expected zero realized pnl, got %v", p.RealizedPnL)
			}
		})
	}
}

func TestHandleFill_UnknownOrderIsInert(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pos := env.seed(t, domain.PositionStatusCreated, "0", newOrder("400", domain.SideBuy, false))

	if err := env.rec.HandleFill(ctx, fill("does-not-exist", "1", "50000", strPtr("10"))); err != nil {
		t.Errorf("unknown order must not error, got %v", err)
	}
	if err := env.rec.HandleOrderUpdate(ctx, domain.OrderUpdateEvent{VenueOrderID: "does-not-exist"}); err != nil {
		t.Errorf("unknown order update must not error, got %v", err)
	}

	if env.order(t, "400").Status != domain.OrderStatusCreated {
		t.Error("unrelated order changed")
	}
	if env.position(t, pos.ID).Status != domain.PositionStatusCreated {
		t.Error("unrelated position changed")
	}
	if len(env.pnl.realized) != 0 {
		t.Error("unknown fill reported pnl")
	}
}

func TestHandleFill_DuplicateSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, domain.PositionStatusOpen, "50000", newOrder("500", domain.SideSell, true))

	evt := fill("500", "7", "49000", strPtr("-20"))
	for i := 0; i < 3; i++ {
		if err := env.rec.HandleFill(ctx, evt); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	if len(env.pnl.realized) != 1 {
		t.Errorf("expected pnl reported once, got %d", len(env.pnl.realized))
	}
}

func TestHandleOrderUpdate_KeepsStatus(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seed(t, domain.PositionStatusCreated, "0", newOrder("600", domain.SideBuy, false))

	err := env.rec.HandleOrderUpdate(ctx, domain.OrderUpdateEvent{
		VenueOrderID:  "600",
		LimitPrice:    decimal.NewFromInt(51000),
		RemainingSize: decimal.RequireFromString("0.001"),
		OriginalSize:  decimal.RequireFromString("0.002"),
		ClientOrderID: "0xfeed",
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	o := env.order(t, "600")
	if o.Status != domain.OrderStatusCreated {
		t.Errorf("order update changed status to %s", o.Status)
	}
	if !o.RemainingSize.Equal(decimal.RequireFromString("0.001")) || !o.Price.Equal(decimal.NewFromInt(51000)) {
		t.Errorf("unexpected sizes/price %+v", o)
	}
	if o.ClientOrderID != "0xfeed" {
		t.Errorf("expected cloid echoed, got %q", o.ClientOrderID)
	}
}

func TestConcurrentFillAndUpdate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	pos := env.seed(t, domain.PositionStatusCreated, "0", newOrder("700", domain.SideBuy, false))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := env.rec.HandleFill(ctx, fill("700", "1", "50000", nil)); err != nil {
				t.Errorf("fill: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if err := env.rec.HandleOrderUpdate(ctx, domain.OrderUpdateEvent{VenueOrderID: "700", RemainingSize: decimal.Zero}); err != nil {
				t.Errorf("update: %v", err)
			}
		}()
	}
	wg.Wait()

	if env.order(t, "700").Status != domain.OrderStatusExecuted {
		t.Error("concurrent updates lost the fill")
	}
	if env.position(t, pos.ID).Status != domain.PositionStatusOpen {
		t.Error("expected OPEN position")
	}
	if n := env.rec.locks.size(); n != 0 {
		t.Errorf("keyed locks leaked: %d", n)
	}
}

func TestResync(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cancelledPos := env.seed(t, domain.PositionStatusCreated, "0", newOrder("801", domain.SideBuy, false))
	filledPos := env.seed(t, domain.PositionStatusCreated, "0", newOrder("802", domain.SideBuy, false))
	env.seed(t, domain.PositionStatusCreated, "0", newOrder("803", domain.SideBuy, false))
	env.seed(t, domain.PositionStatusCreated, "0", newOrder("804", domain.SideBuy, false))

	env.orders.statuses["801"] = &domain.VenueOrderState{VenueOrderID: "801", Status: "canceled"}
	env.orders.statuses["802"] = &domain.VenueOrderState{VenueOrderID: "802", Status: "filled"}
	env.orders.statuses["803"] = &domain.VenueOrderState{VenueOrderID: "803", Status: "rejected"}
	env.orders.statuses["804"] = &domain.VenueOrderState{VenueOrderID: "804", Status: "open"}
	env.orders.fills = []domain.FillEvent{
		fill("802", "1", "50000", nil),
		fill("unknown", "2", "50000", nil),
	}
	env.orders.account = &domain.AccountState{Positions: []domain.VenuePosition{
		{Symbol: "BTC", UnrealizedPnL: decimal.NewFromInt(-15)},
		{Symbol: "ETH", UnrealizedPnL: decimal.NewFromInt(5)},
	}}

	if err := env.rec.Resync(ctx, "test"); err != nil {
		t.Fatalf("resync: %v", err)
	}

	want := map[string]domain.OrderStatus{
		"801": domain.OrderStatusCancelled,
		"802": domain.OrderStatusExecuted,
		"803": domain.OrderStatusFailed,
		"804": domain.OrderStatusCreated,
	}
	for oid, status := range want {
		if got := env.order(t, oid).Status; got != status {
			t.Errorf("order %s: expected %s, got %s", oid, status, got)
		}
	}
	if env.position(t, cancelledPos.ID).Status != domain.PositionStatusClosed {
		t.Error("position of a cancelled entry order should be closed")
	}
	if env.position(t, filledPos.ID).Status != domain.PositionStatusOpen {
		t.Error("replayed fill should open its position")
	}
	if !env.pnl.unrealized.Equal(decimal.NewFromInt(-10)) {
		t.Errorf("expected unrealized -10, got %s", env.pnl.unrealized)
	}

	if err := env.rec.Resync(ctx, "test"); err != nil {
		t.Fatalf("second resync: %v", err)
	}
	if env.position(t, filledPos.ID).Status != domain.PositionStatusOpen {
		t.Error("resync replay must be idempotent")
	}
}

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		active  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.Lock("order:1")
			mu.Lock()
			active++
			if active > maxSeen {
				maxSeen = active
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Errorf("expected exclusive access, saw %d holders", maxSeen)
	}
	if k.size() != 0 {
		t.Errorf("expected no retained keys, got %d", k.size())
	}
}
