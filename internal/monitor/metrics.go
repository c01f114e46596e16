package monitor

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	VenueRequestLatency *prometheus.HistogramVec
	VenueAPIError       *prometheus.CounterVec
	OrderPlacedTotal    *prometheus.CounterVec
	OrderRejectTotal    *prometheus.CounterVec
	OrderCancelTotal    *prometheus.CounterVec
	PlacementLatency    *prometheus.HistogramVec
	LeverageRetained    prometheus.Counter

	FeedReconnect    prometheus.Counter
	FeedMessages     *prometheus.CounterVec
	FeedDropped      *prometheus.CounterVec
	FeedConnected    prometheus.Gauge
	ListenerFailures *prometheus.CounterVec
	JournalDropped   prometheus.Counter

	UnknownOrderEvents  *prometheus.CounterVec
	DuplicateFills      prometheus.Counter
	PositionTransitions *prometheus.CounterVec
	OrderTransitions    *prometheus.CounterVec
	OpenPositions       prometheus.Gauge
	ResyncTotal         *prometheus.CounterVec

	CatalogRefresh   *prometheus.CounterVec
	CatalogMarkets   prometheus.Gauge
	DailyRealizedPnL prometheus.Gauge
	KillSwitchActive prometheus.Gauge

	DryRunSimulatedFills prometheus.Counter
	AlertsFired          *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VenueRequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "venue_request_latency_ms",
			Help:    "Latency of venue query and action calls",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"endpoint", "kind"}),

		VenueAPIError: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "venue_api_error_total",
			Help: "Total venue API errors by class",
		}, []string{"endpoint", "kind", "class"}),

		OrderPlacedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_placed_total",
			Help: "Orders accepted by the venue",
		}, []string{"symbol", "side", "result"}),

		OrderRejectTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_reject_total",
			Help: "Orders rejected before or by the venue",
		}, []string{"reason"}),

		OrderCancelTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_cancel_total",
			Help: "Cancellation requests sent",
		}, []string{"symbol", "result"}),

		PlacementLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "order_placement_latency_ms",
			Help:    "End-to-end latency of a placement call",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12),
		}, []string{"symbol"}),

		LeverageRetained: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "order_leverage_retained_total",
			Help: "Leverage updates left in place after a failed order action",
		}),

		FeedReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feed_reconnect_total",
			Help: "Event feed reconnection attempts",
		}),

		FeedMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_messages_total",
			Help: "Inbound feed messages by channel",
		}, []string{"channel"}),

		FeedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feed_dropped_total",
			Help: "Inbound feed messages dropped",
		}, []string{"reason"}),

		FeedConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "feed_connected",
			Help: "1 while the event feed is subscribed",
		}),

		ListenerFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "event_listener_failure_total",
			Help: "Listener errors and panics",
		}, []string{"event"}),

		JournalDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "event_journal_dropped_total",
			Help: "Journal writes dropped on a full buffer",
		}),

		UnknownOrderEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_unknown_order_total",
			Help: "Feed events referencing an order not in the store",
		}, []string{"event"}),

		DuplicateFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconcile_duplicate_fill_total",
			Help: "Fill events suppressed as duplicates",
		}),

		PositionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "position_transition_total",
			Help: "Position lifecycle transitions",
		}, []string{"from", "to"}),

		OrderTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_transition_total",
			Help: "Order lifecycle transitions",
		}, []string{"from", "to"}),

		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "open_positions",
			Help: "Positions currently counted against the open limit",
		}),

		ResyncTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconcile_resync_total",
			Help: "Resync passes by trigger",
		}, []string{"trigger"}),

		CatalogRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "catalog_refresh_total",
			Help: "Market catalog refreshes",
		}, []string{"result"}),

		CatalogMarkets: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "catalog_markets",
			Help: "Markets in the catalog",
		}),

		DailyRealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "daily_realized_pnl_usdc",
			Help: "Realized PnL since the last daily reset",
		}),

		KillSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "kill_switch_active",
			Help: "1 while the kill switch blocks new exposure",
		}),

		DryRunSimulatedFills: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dry_run_simulated_fills_total",
			Help: "Fills produced by the dry-run transport",
		}),

		AlertsFired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alerts_fired_total",
			Help: "Operational alerts by severity and name",
		}, []string{"severity", "name"}),
	}

	reg.MustRegister(
		m.VenueRequestLatency,
		m.VenueAPIError,
		m.OrderPlacedTotal,
		m.OrderRejectTotal,
		m.OrderCancelTotal,
		m.PlacementLatency,
		m.LeverageRetained,
		m.FeedReconnect,
		m.FeedMessages,
		m.FeedDropped,
		m.FeedConnected,
		m.ListenerFailures,
		m.JournalDropped,
		m.UnknownOrderEvents,
		m.DuplicateFills,
		m.PositionTransitions,
		m.OrderTransitions,
		m.OpenPositions,
		m.ResyncTotal,
		m.CatalogRefresh,
		m.CatalogMarkets,
		m.DailyRealizedPnL,
		m.KillSwitchActive,
		m.DryRunSimulatedFills,
		m.AlertsFired,
	)

	return m
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// The helpers below accept a nil receiver so components can run without
// a registry in tests.

func (m *Metrics) ObserveVenueCall(endpoint, kind string, start time.Time, class string) {
	if m == nil {
		return
	}
	m.VenueRequestLatency.WithLabelValues(endpoint, kind).Observe(float64(time.Since(start).Milliseconds()))
	if class != "" {
		m.VenueAPIError.WithLabelValues(endpoint, kind, class).Inc()
	}
}

func (m *Metrics) OrderPlaced(symbol, side, result string) {
	if m == nil {
		return
	}
	m.OrderPlacedTotal.WithLabelValues(symbol, side, result).Inc()
}

func (m *Metrics) OrderRejected(reason string) {
	if m == nil {
		return
	}
	m.OrderRejectTotal.WithLabelValues(reason).Inc()
}

func (m *Metrics) OrderCancelled(symbol, result string) {
	if m == nil {
		return
	}
	m.OrderCancelTotal.WithLabelValues(symbol, result).Inc()
}

func (m *Metrics) ObservePlacement(symbol string, start time.Time) {
	if m == nil {
		return
	}
	m.PlacementLatency.WithLabelValues(symbol).Observe(float64(time.Since(start).Milliseconds()))
}

func (m *Metrics) LeverageLeftInPlace() {
	if m == nil {
		return
	}
	m.LeverageRetained.Inc()
}

func (m *Metrics) FeedReconnecting() {
	if m == nil {
		return
	}
	m.FeedReconnect.Inc()
}

func (m *Metrics) FeedMessage(channel string) {
	if m == nil {
		return
	}
	m.FeedMessages.WithLabelValues(channel).Inc()
}

func (m *Metrics) FeedDrop(reason string) {
	if m == nil {
		return
	}
	m.FeedDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) SetFeedConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.FeedConnected.Set(1)
	} else {
		m.FeedConnected.Set(0)
	}
}

func (m *Metrics) ListenerFailed(event string) {
	if m == nil {
		return
	}
	m.ListenerFailures.WithLabelValues(event).Inc()
}

func (m *Metrics) JournalDrop() {
	if m == nil {
		return
	}
	m.JournalDropped.Inc()
}

func (m *Metrics) UnknownOrder(event string) {
	if m == nil {
		return
	}
	m.UnknownOrderEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) DuplicateFill() {
	if m == nil {
		return
	}
	m.DuplicateFills.Inc()
}

func (m *Metrics) PositionTransition(from, to string) {
	if m == nil {
		return
	}
	m.PositionTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) OrderTransition(from, to string) {
	if m == nil {
		return
	}
	m.OrderTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetOpenPositions(n int) {
	if m == nil {
		return
	}
	m.OpenPositions.Set(float64(n))
}

func (m *Metrics) Resync(trigger string) {
	if m == nil {
		return
	}
	m.ResyncTotal.WithLabelValues(trigger).Inc()
}

func (m *Metrics) CatalogRefreshed(result string, markets int) {
	if m == nil {
		return
	}
	m.CatalogRefresh.WithLabelValues(result).Inc()
	if result == "ok" {
		m.CatalogMarkets.Set(float64(markets))
	}
}

func (m *Metrics) SetDailyPnL(v float64) {
	if m == nil {
		return
	}
	m.DailyRealizedPnL.Set(v)
}

func (m *Metrics) SetKillSwitch(active bool) {
	if m == nil {
		return
	}
	if active {
		m.KillSwitchActive.Set(1)
	} else {
		m.KillSwitchActive.Set(0)
	}
}

func (m *Metrics) SimulatedFill() {
	if m == nil {
		return
	}
	m.DryRunSimulatedFills.Inc()
}

func (m *Metrics) AlertFired(severity, name string) {
	if m == nil {
		return
	}
	m.AlertsFired.WithLabelValues(severity, name).Inc()
}
