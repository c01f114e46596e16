package feed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

const (
	DefaultReconnectDelay   = 5 * time.Second
	DefaultPingInterval     = 50 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second

	readLimit = 4 << 20
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	URL              string
	Address          string
	ReconnectDelay   time.Duration
	PingInterval     time.Duration
	HandshakeTimeout time.Duration
}

// Journal receives every normalized event for offline replay.
type Journal interface {
	Record(kind, venueOrderID string, payload any)
}

// Feed keeps one websocket subscribed to the account's fills and order
// updates and dispatches them on the event bus.
type Feed struct {
	cfg     Config
	dialer  *websocket.Dialer
	bus     *eventbus.EventBus
	journal Journal
	metrics *monitor.Metrics
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	timer   *time.Timer
	stopped bool

	writeMu sync.Mutex
}

func New(cfg Config, bus *eventbus.EventBus, journal Journal, metrics *monitor.Metrics, logger *slog.Logger) *Feed {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	cfg.Address = strings.ToLower(cfg.Address)
	return &Feed{
		cfg:     cfg,
		dialer:  &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		bus:     bus,
		journal: journal,
		metrics: metrics,
		logger:  logger,
	}
}

func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Connect dials and subscribes. It is a no-op unless the feed is
// disconnected. A failed dial schedules a reconnect and returns the error.
func (f *Feed) Connect(ctx context.Context) error {
	if f.cfg.Address == "" {
		return &domain.ConfigurationError{Field: "venue.account_address", Reason: "feed subscriptions need an account address"}
	}
	if f.cfg.URL == "" {
		return &domain.ConfigurationError{Field: "venue.ws_url", Reason: "required"}
	}

	f.mu.Lock()
	if f.state != StateDisconnected {
		f.mu.Unlock()
		return nil
	}
	f.state = StateConnecting
	f.stopped = false
	f.mu.Unlock()

	return f.dial(ctx)
}

func (f *Feed) dial(ctx context.Context) error {
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		f.mu.Lock()
		f.state = StateDisconnected
		f.scheduleReconnectLocked()
		f.mu.Unlock()
		return domain.NewNetworkError("feed dial", err, errors.Is(err, context.DeadlineExceeded))
	}
	conn.SetReadLimit(readLimit)

	f.mu.Lock()
	if f.stopped {
		f.state = StateDisconnected
		f.mu.Unlock()
		conn.Close()
		return nil
	}
	f.conn = conn
	f.state = StateConnected
	f.mu.Unlock()

	for _, channel := range []string{channelFills, channelOrderUpdates} {
		frame := subscribeFrame{Method: "subscribe", Subscription: subscription{Type: channel, User: f.cfg.Address}}
		if err := f.write(conn, frame); err != nil {
			conn.Close()
			f.handleClose(conn, err)
			return domain.NewNetworkError("feed subscribe", err, false)
		}
	}

	f.metrics.SetFeedConnected(true)
	f.logger.Info("feed connected", "url", f.cfg.URL, "user", f.cfg.Address)

	done := make(chan struct{})
	go f.readLoop(conn, done)
	go f.pingLoop(conn, done)
	go f.bus.PublishConnected(context.Background())
	return nil
}

// Disconnect closes the connection, cancels a pending reconnect and
// suppresses further reconnects until the next Connect.
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.stopped = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	conn := f.conn
	f.conn = nil
	f.state = StateDisconnected
	f.mu.Unlock()

	if conn != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		f.writeMu.Unlock()
		conn.Close()
		f.metrics.SetFeedConnected(false)
		f.logger.Info("feed disconnected")
	}
}

func (f *Feed) write(conn *websocket.Conn, v any) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (f *Feed) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.handleClose(conn, err)
			return
		}
		f.handleMessage(data)
	}
}

func (f *Feed) pingLoop(conn *websocket.Conn, done chan struct{}) {
	ticker := time.NewTicker(f.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := f.write(conn, pingFrame{Method: "ping"}); err != nil {
				f.logger.Warn("feed ping failed", "error", err)
				conn.Close()
				return
			}
		}
	}
}

func (f *Feed) handleClose(conn *websocket.Conn, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn != conn {
		return
	}
	f.conn = nil
	f.state = StateDisconnected
	f.metrics.SetFeedConnected(false)
	if f.stopped {
		return
	}
	f.logger.Warn("feed connection lost", "error", err, "retry_in", f.cfg.ReconnectDelay)
	f.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the single reconnect timer. f.mu must be held.
func (f *Feed) scheduleReconnectLocked() {
	if f.stopped || f.timer != nil {
		return
	}
	f.timer = time.AfterFunc(f.cfg.ReconnectDelay, f.reconnect)
}

func (f *Feed) reconnect() {
	f.mu.Lock()
	f.timer = nil
	if f.stopped || f.state != StateDisconnected {
		f.mu.Unlock()
		return
	}
	f.state = StateConnecting
	f.mu.Unlock()

	f.metrics.FeedReconnecting()
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.HandshakeTimeout)
	defer cancel()
	if err := f.dial(ctx); err != nil {
		f.logger.Warn("feed reconnect failed", "error", err)
	}
}

func (f *Feed) handleMessage(data []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		f.drop("undecodable", err, data)
		return
	}

	switch frame.Channel {
	case channelFills:
		f.metrics.FeedMessage(frame.Channel)
		f.handleFills(frame.Data)
	case channelOrderUpdates:
		f.metrics.FeedMessage(frame.Channel)
		f.handleOrderUpdates(frame.Data)
	case "subscriptionResponse", "pong":
	case "":
		f.drop("missing_channel", errors.New("frame has no channel"), data)
	default:
		f.logger.Debug("ignoring feed channel", "channel", frame.Channel)
	}
}

func (f *Feed) handleFills(raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		f.drop("missing_data", errors.New("fills frame has no data"), nil)
		return
	}
	var data fillsData
	if err := json.Unmarshal(raw, &data); err != nil {
		f.drop("undecodable", err, raw)
		return
	}
	if data.IsSnapshot {
		f.metrics.FeedDrop("snapshot")
		f.logger.Debug("dropping fills snapshot", "fills", len(data.Fills))
		return
	}

	ctx := context.Background()
	for _, rawFill := range data.Fills {
		var wf wsFill
		if err := json.Unmarshal(rawFill, &wf); err != nil {
			f.drop("malformed_fill", err, rawFill)
			continue
		}
		evt, err := wf.toEvent()
		if err != nil {
			f.drop("malformed_fill", err, rawFill)
			continue
		}
		if f.journal != nil {
			f.journal.Record(channelFills, evt.VenueOrderID, wf)
		}
		f.bus.PublishFill(ctx, evt)
	}
}

func (f *Feed) handleOrderUpdates(raw json.RawMessage) {
	if len(raw) == 0 || string(raw) == "null" {
		f.drop("missing_data", errors.New("order updates frame has no data"), nil)
		return
	}
	var data orderUpdatesData
	if err := json.Unmarshal(raw, &data); err != nil {
		f.drop("undecodable", err, raw)
		return
	}

	ctx := context.Background()
	for _, rawOrder := range data.Orders {
		var wo wsOrder
		if err := json.Unmarshal(rawOrder, &wo); err != nil {
			f.drop("malformed_order", err, rawOrder)
			continue
		}
		evt, err := wo.toEvent()
		if err != nil {
			f.drop("malformed_order", err, rawOrder)
			continue
		}
		if f.journal != nil {
			f.journal.Record(channelOrderUpdates, evt.VenueOrderID, wo)
		}
		f.bus.PublishOrderUpdate(ctx, evt)
	}
}

func (f *Feed) drop(reason string, err error, payload []byte) {
	f.metrics.FeedDrop(reason)
	perr := &domain.ProtocolError{Op: "feed " + reason, Err: err}
	if len(payload) > 256 {
		payload = payload[:256]
	}
	f.logger.Warn("dropping feed message", "reason", reason, "error", perr, "payload", string(payload))
}
