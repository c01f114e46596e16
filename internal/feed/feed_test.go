package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
)

const testAddress = "0xF39Fd6e51aad88F6F4ce6aB8827279cffFb92266"

type wsServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	frames   chan map[string]any
	accepted atomic.Int32
}

func newWSServer(t *testing.T) *wsServer {
	t.Helper()
	s := &wsServer{
		conns:  make(chan *websocket.Conn, 8),
		frames: make(chan map[string]any, 64),
	}
	upgrader := websocket.Upgrader{}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.accepted.Add(1)
		s.conns <- conn
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			s.frames <- frame
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *wsServer) nextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for connection")
		return nil
	}
}

func (s *wsServer) nextFrame(t *testing.T) map[string]any {
	t.Helper()
	select {
	case f := <-s.frames:
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

// awaitSubscribed consumes the two subscribe frames of one connection.
func (s *wsServer) awaitSubscribed(t *testing.T) []string {
	t.Helper()
	var types []string
	for i := 0; i < 2; i++ {
		f := s.nextFrame(t)
		sub, _ := f["subscription"].(map[string]any)
		types = append(types, sub["type"].(string))
	}
	return types
}

type listeners struct {
	fills     chan domain.FillEvent
	updates   chan domain.OrderUpdateEvent
	connected chan struct{}
}

func newTestFeed(t *testing.T, cfg Config) (*Feed, *listeners) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	bus := eventbus.New(nil, logger)
	l := &listeners{
		fills:     make(chan domain.FillEvent, 16),
		updates:   make(chan domain.OrderUpdateEvent, 16),
		connected: make(chan struct{}, 16),
	}
	bus.OnFill(func(_ context.Context, evt domain.FillEvent) error {
		l.fills <- evt
		return nil
	})
	bus.OnOrderUpdate(func(_ context.Context, evt domain.OrderUpdateEvent) error {
		l.updates <- evt
		return nil
	})
	bus.OnConnected(func(context.Context) error {
		l.connected <- struct{}{}
		return nil
	})
	f := New(cfg, bus, nil, nil, logger)
	t.Cleanup(f.Disconnect)
	return f, l
}

func send(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func TestConnect_RequiresAddress(t *testing.T) {
	f, _ := newTestFeed(t, Config{URL: "ws://127.0.0.1:1"})

	err := f.Connect(context.Background())
	var cerr *domain.ConfigurationError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected ConfigurationError, got %v", err)
	}
	if f.State() != StateDisconnected {
		t.Errorf("expected disconnected, got %s", f.State())
	}
}

func TestConnect_SubscribesOnce(t *testing.T) {
	srv := newWSServer(t)
	f, l := newTestFeed(t, Config{URL: srv.url(), Address: testAddress})

	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.nextConn(t)

	first := srv.nextFrame(t)
	if first["method"] != "subscribe" {
		t.Errorf("expected subscribe frame, got %v", first)
	}
	sub := first["subscription"].(map[string]any)
	if sub["type"] != "userFills" || sub["user"] != strings.ToLower(testAddress) {
		t.Errorf("unexpected first subscription %v", sub)
	}
	second := srv.nextFrame(t)["subscription"].(map[string]any)
	if second["type"] != "orderUpdates" {
		t.Errorf("expected orderUpdates subscription, got %v", second)
	}

	if err := f.Connect(context.Background()); err != nil {
		t.Errorf("second connect should be a no-op, got %v", err)
	}
	select {
	case <-l.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected listeners not invoked")
	}
	time.Sleep(50 * time.Millisecond)
	if n := srv.accepted.Load(); n != 1 {
		t.Errorf("expected a single connection, got %d", n)
	}
	if f.State() != StateConnected {
		t.Errorf("expected connected, got %s", f.State())
	}
}

func TestFills_SnapshotDroppedAndPnLPresence(t *testing.T) {
	srv := newWSServer(t)
	f, l := newTestFeed(t, Config{URL: srv.url(), Address: testAddress})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.nextConn(t)
	srv.awaitSubscribed(t)

	send(t, conn, `{"channel":"userFills","data":{"isSnapshot":true,"fills":[
		{"coin":"BTC","side":"B","sz":"0.002","px":"50000","fee":"0.01","oid":1,"time":1700000000000}]}}`)
	send(t, conn, `{"channel":"userFills","data":{"fills":[
		{"coin":"BTC","side":"A","sz":"0.002","px":"50100","fee":"0.01","oid":2,"time":1700000001000,"closedPnl":"0"},
		{"coin":"BTC","side":"B","sz":"0.002","px":"50000","fee":"0.01","oid":3,"time":1700000002000},
		{"coin":"BTC","side":"B","sz":"0.002","px":"50000","fee":"0.01","oid":4,"time":1700000003000,"closedPnl":null}]}}`)

	var got []domain.FillEvent
	for i := 0; i < 3; i++ {
		select {
		case evt := <-l.fills:
			got = append(got, evt)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout waiting for fill %d", i)
		}
	}
	select {
	case evt := <-l.fills:
		t.Fatalf("unexpected extra fill %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}

	if got[0].VenueOrderID != "2" || !got[0].IsExit() || !got[0].ClosedPnL.IsZero() {
		t.Errorf("explicit zero pnl must mark an exit, got %+v", got[0])
	}
	if got[0].Side != domain.SideSell {
		t.Errorf("expected sell side, got %s", got[0].Side)
	}
	if got[1].IsExit() {
		t.Error("absent closedPnl must be an entry")
	}
	if got[2].IsExit() {
		t.Error("null closedPnl must be an entry")
	}
	if !got[1].Timestamp.Equal(time.UnixMilli(1700000002000)) {
		t.Errorf("unexpected timestamp %v", got[1].Timestamp)
	}
}

func TestMalformedMessagesDropped(t *testing.T) {
	srv := newWSServer(t)
	f, l := newTestFeed(t, Config{URL: srv.url(), Address: testAddress})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.nextConn(t)
	srv.awaitSubscribed(t)

	send(t, conn, `not json`)
	send(t, conn, `{"data":{"orders":[]}}`)
	send(t, conn, `{"channel":"userFills"}`)
	send(t, conn, `{"channel":"orderUpdates","data":"garbage"}`)
	send(t, conn, `{"channel":"userFills","data":{"fills":[{"coin":"BTC","side":"B","sz":"x","px":"1","oid":9,"time":1}]}}`)
	send(t, conn, `{"channel":"subscriptionResponse","data":{"method":"subscribe"}}`)
	send(t, conn, `{"channel":"orderUpdates","data":{"orders":[
		{"coin":"ETH","side":"B","limitPx":"3000.5","sz":"0.5","oid":"55","timestamp":1700000000000,"origSz":"1.0","cloid":"0xabc"}]}}`)

	select {
	case evt := <-l.updates:
		if evt.VenueOrderID != "55" || evt.ClientOrderID != "0xabc" {
			t.Errorf("unexpected update %+v", evt)
		}
		if evt.RemainingSize.String() != "0.5" || evt.OriginalSize.String() != "1" {
			t.Errorf("unexpected sizes remaining=%s original=%s", evt.RemainingSize, evt.OriginalSize)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid update after malformed frames was not delivered")
	}
	select {
	case evt := <-l.fills:
		t.Errorf("malformed fill must be dropped, got %+v", evt)
	default:
	}
	if f.State() != StateConnected {
		t.Errorf("bad messages must not tear down the feed, state %s", f.State())
	}
}

func TestReconnectAfterServerClose(t *testing.T) {
	srv := newWSServer(t)
	f, l := newTestFeed(t, Config{URL: srv.url(), Address: testAddress, ReconnectDelay: 50 * time.Millisecond})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.nextConn(t)
	srv.awaitSubscribed(t)
	<-l.connected

	conn.Close()

	srv.nextConn(t)
	types := srv.awaitSubscribed(t)
	if types[0] != "userFills" || types[1] != "orderUpdates" {
		t.Errorf("expected resubscription, got %v", types)
	}
	select {
	case <-l.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("connected listeners not invoked after reconnect")
	}
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	srv := newWSServer(t)
	f, _ := newTestFeed(t, Config{URL: srv.url(), Address: testAddress, ReconnectDelay: 200 * time.Millisecond})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.nextConn(t)
	srv.awaitSubscribed(t)

	conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for f.State() != StateDisconnected {
		if time.Now().After(deadline) {
			t.Fatal("feed never noticed the closed connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	f.Disconnect()
	time.Sleep(400 * time.Millisecond)

	select {
	case frame := <-srv.frames:
		t.Errorf("no frame expected after disconnect, got %v", frame)
	default:
	}
	if n := srv.accepted.Load(); n != 1 {
		t.Errorf("expected no reconnection, saw %d connections", n)
	}
}

func TestKeepalivePing(t *testing.T) {
	srv := newWSServer(t)
	f, _ := newTestFeed(t, Config{URL: srv.url(), Address: testAddress, PingInterval: 30 * time.Millisecond})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	srv.nextConn(t)
	srv.awaitSubscribed(t)

	frame := srv.nextFrame(t)
	if frame["method"] != "ping" {
		t.Errorf("expected ping frame, got %v", frame)
	}
}

func TestConnect_DialFailureIsNetworkError(t *testing.T) {
	srv := newWSServer(t)
	url := srv.url()
	srv.srv.Close()

	f, _ := newTestFeed(t, Config{URL: url, Address: testAddress, ReconnectDelay: time.Hour})
	err := f.Connect(context.Background())
	var nerr *domain.NetworkError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected NetworkError, got %v", err)
	}
	if !domain.IsRetryable(err) {
		t.Error("dial failure should be retryable")
	}
}

func TestWsFillDecoding(t *testing.T) {
	var data fillsData
	raw := `{"fills":[{"coin":"SOL","side":"B","sz":"1.5","px":"100.25","fee":"0.02","oid":"12","tid":99,"time":1700000000000,"closedPnl":"-3.5"}]}`
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var wf wsFill
	if err := json.Unmarshal(data.Fills[0], &wf); err != nil {
		t.Fatalf("unmarshal fill: %v", err)
	}
	evt, err := wf.toEvent()
	if err != nil {
		t.Fatalf("toEvent: %v", err)
	}
	if evt.VenueOrderID != "12" || evt.TradeID != "99" || evt.ClosedPnL == nil || evt.ClosedPnL.String() != "-3.5" {
		t.Errorf("unexpected event %+v", evt)
	}
}

func TestBadElementDoesNotDropFrame(t *testing.T) {
	srv := newWSServer(t)
	f, l := newTestFeed(t, Config{URL: srv.url(), Address: testAddress})
	if err := f.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	conn := srv.nextConn(t)
	srv.awaitSubscribed(t)

	send(t, conn, `{"channel":"userFills","data":{"fills":[
		{"coin":"BTC","side":"B","sz":"0.001","px":"50000","fee":"0.01","oid":"X","time":1700000000000},
		{"coin":"BTC","side":"B","sz":"0.002","px":"50000","fee":"0.01","oid":7,"tid":70,"time":1700000001000},
		{"coin":"BTC","side":"B","sz":"0.003","px":"50000","fee":"0.01","oid":8,"time":"late"}]}}`)
	send(t, conn, `{"channel":"orderUpdates","data":{"orders":[
		{"coin":"ETH","side":"B","limitPx":"3000","sz":"1","oid":{},"timestamp":1700000000000,"origSz":"1"},
		{"coin":"ETH","side":"A","limitPx":"3001","sz":"0","oid":56,"timestamp":1700000000000,"origSz":"1","status":"filled"}]}}`)

	select {
	case evt := <-l.fills:
		if evt.VenueOrderID != "7" || evt.TradeID != "70" {
			t.Errorf("unexpected fill %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid fill next to a malformed one was not delivered")
	}
	select {
	case evt := <-l.updates:
		if evt.VenueOrderID != "56" {
			t.Errorf("unexpected update %+v", evt)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid update next to a malformed one was not delivered")
	}
	select {
	case evt := <-l.fills:
		t.Errorf("malformed fills must be dropped, got %+v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
