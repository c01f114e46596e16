package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/crypto-trading/perpvenue/internal/config"
	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/eventbus"
	"github.com/crypto-trading/perpvenue/internal/feed"
	"github.com/crypto-trading/perpvenue/internal/gateway"
	"github.com/crypto-trading/perpvenue/internal/gateway/hyperliquid"
	"github.com/crypto-trading/perpvenue/internal/gateway/simulated"
	"github.com/crypto-trading/perpvenue/internal/marketdata"
	"github.com/crypto-trading/perpvenue/internal/monitor"
	"github.com/crypto-trading/perpvenue/internal/order"
	"github.com/crypto-trading/perpvenue/internal/persistence"
	"github.com/crypto-trading/perpvenue/internal/reconcile"
	"github.com/crypto-trading/perpvenue/internal/risk"
	"github.com/crypto-trading/perpvenue/internal/signer"
)

// app holds the wired components shared by all commands.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *monitor.Metrics
	alerts  *monitor.AlertManager

	transport  gateway.Transport
	sim        *simulated.Transport
	catalog    *marketdata.Catalog
	store      persistence.Store
	journal    *persistence.AsyncWriter
	risk       *risk.Manager
	bus        *eventbus.EventBus
	orders     *order.Gateway
	reconciler *reconcile.Reconciler
	feed       *feed.Feed
}

func buildApp(ctx context.Context, cfg *config.Config, metrics *monitor.Metrics, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		alerts:  monitor.NewAlertManager(metrics, logger),
	}

	var s *signer.Signer
	if cfg.Venue.PrivateKey != "" {
		var err error
		s, err = signer.New(cfg.Venue.PrivateKey)
		if err != nil {
			return nil, err
		}
		if err := cfg.Venue.CheckAccount(s.Address()); err != nil {
			return nil, err
		}
		logger.Info("signing key loaded", "address", s.Address())
	}

	rl := gateway.NewRateLimiter()
	for name, lim := range cfg.Venue.RateLimits {
		rl.AddBucket(domain.EndpointCategory(name), lim.Capacity, lim.RefillPerSecond)
	}
	client := hyperliquid.NewClient(hyperliquid.Config{
		BaseURL:        cfg.Venue.RestURL,
		RequestTimeout: cfg.Venue.RequestTimeout(),
	}, s, rl, metrics, logger)
	a.transport = client

	if cfg.System.Mode() == domain.TradingModeDryRun {
		a.sim = simulated.New(client, simulated.Config{
			Latency:  cfg.DryRun.SimulatedLatency(),
			FeeBps:   cfg.DryRun.FeeBps,
			Slippage: cfg.DryRun.Slippage,
		}, metrics, logger)
		a.transport = a.sim
	}

	a.catalog = marketdata.NewCatalog(a.transport, marketdata.Config{
		TTL:       cfg.Catalog.TTL(),
		Overrides: cfg.Venue.SymbolOverrides(),
	}, metrics, logger)

	store, err := openStore(ctx, cfg.Persistence, logger)
	if err != nil {
		return nil, err
	}
	a.store = store
	a.journal = persistence.NewAsyncWriter(store, cfg.Persistence.JournalBuffer, metrics, logger)

	a.risk = risk.NewManager(riskLimits(cfg.Risk), store, cfg.Risk.KillSwitchPath, metrics, logger)
	a.bus = eventbus.New(metrics, logger)

	a.orders = order.NewGateway(a.transport, a.catalog, a.risk, store, a.bus, order.Config{
		MarketSlippage: cfg.Orders.MarketSlippagePct,
		DefaultTIF:     domain.TimeInForce(cfg.Orders.DefaultTIF),
		MarginMode:     domain.MarginMode(cfg.Orders.MarginMode),
		SizeBasis:      domain.SizeBasis(cfg.Orders.TriggerSizeBasis),
	}, metrics, logger)

	a.reconciler, err = reconcile.New(store, a.orders, a.risk, a.bus, reconcile.Config{
		DedupEntries:   cfg.Reconciler.DedupCacheEntries,
		DedupTTL:       cfg.Reconciler.DedupTTL(),
		ResyncLookback: cfg.Reconciler.ResyncLookback(),
	}, metrics, logger)
	if err != nil {
		store.Close()
		return nil, err
	}
	a.reconciler.Register(a.bus)
	if a.sim != nil {
		a.sim.Register(a.bus)
	}

	address := a.transport.Address()
	if address == "" {
		address = cfg.Venue.AccountAddress
	}
	a.feed = feed.New(feed.Config{
		URL:              cfg.Venue.WsURL,
		Address:          address,
		ReconnectDelay:   cfg.Feed.ReconnectDelay(),
		PingInterval:     cfg.Feed.PingInterval(),
		HandshakeTimeout: cfg.Feed.HandshakeTimeout(),
	}, a.bus, a.journal, metrics, logger)

	return a, nil
}

func openStore(ctx context.Context, cfg config.PersistenceConfig, logger *slog.Logger) (persistence.Store, error) {
	switch cfg.Driver {
	case "postgres":
		pg, err := persistence.NewPostgresStore(ctx, cfg.PostgresDSN, cfg.PoolSize, logger)
		if err != nil {
			return nil, err
		}
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return nil, fmt.Errorf("run postgres migrations: %w", err)
		}
		return pg, nil
	default:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create data dir: %w", err)
			}
		}
		return persistence.NewSQLiteStore(cfg.SQLitePath, logger)
	}
}

func riskLimits(cfg config.RiskConfig) risk.Limits {
	return risk.Limits{
		MaxLeverage:         cfg.MaxLeverage,
		MaxNotionalPerOrder: cfg.MaxNotionalPerOrder,
		MaxOpenPositions:    cfg.MaxOpenPositions,
		DailyLossCap:        cfg.DailyLossCap,
		WarningThresholdPct: cfg.WarningThresholdPct,
	}
}

// close releases storage. The journal must be stopped before the store.
func (a *app) close() {
	a.journal.Stop()
	a.reconciler.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Error("failed to close store", "error", err)
	}
}

// onKillSwitch alerts and pulls every resting order.
func (a *app) onKillSwitch() {
	a.alerts.Fire(domain.AlertP1, "kill_switch", "daily loss cap breached, new exposure blocked")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	n, err := a.orders.CancelAll(ctx, "")
	if err != nil {
		a.logger.Error("cancel all after kill switch incomplete", "cancelled", n, "error", err)
		return
	}
	a.logger.Warn("orders cancelled after kill switch", "cancelled", n)
}
