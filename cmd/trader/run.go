package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/crypto-trading/perpvenue/internal/config"
	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/feed"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

const feedAlertAfter = time.Minute

func newRunCmd(opts *rootOptions) *cobra.Command {
	var confirmLive bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the venue integration: feed, reconciler and order gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()
			return run(cmd.Context(), opts.configPath, cfg, confirmLive)
		},
	}
	cmd.Flags().BoolVar(&confirmLive, "confirm-live", false, "Confirm live trading mode")
	return cmd
}

func run(parent context.Context, configPath string, cfg *config.Config, confirmLive bool) error {
	logger := slog.Default()

	if cfg.System.Mode() == domain.TradingModeLive {
		if !confirmLive {
			logger.Error("LIVE TRADING requires --confirm-live flag")
			return errors.New("live trading not confirmed")
		}
		logger.Warn("=== LIVE TRADING ACTIVE ===")
	} else {
		logger.Info("running in mode", "mode", cfg.System.TradingMode)
	}

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := monitor.NewMetrics(prometheus.DefaultRegisterer)

	var tracerShutdown func(context.Context) error
	if cfg.Monitoring.TracingEnabled {
		shutdown, err := monitor.InitTracer(cfg.System.InstanceID, logger)
		if err != nil {
			logger.Warn("failed to initialize tracer", "error", err)
		} else {
			tracerShutdown = shutdown
		}
	}

	a, err := buildApp(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("failed to build components", "error", err)
		return err
	}
	a.journal.Run()
	a.risk.SetKillSwitchCallback(a.onKillSwitch)
	if a.risk.IsKillSwitchActive() {
		logger.Warn("KILL SWITCH IS ACTIVE - new exposure blocked until resumed (POST /killswitch/resume)")
	}

	if err := a.catalog.Refresh(ctx); err != nil {
		logger.Warn("initial market catalog load failed", "error", err)
	}
	go a.catalog.Run(ctx, cfg.Catalog.RefreshInterval())
	go a.reconciler.Run(ctx, cfg.Reconciler.ResyncInterval())
	if a.sim != nil {
		go a.sim.Run(ctx, cfg.DryRun.SweepInterval())
	}

	if err := a.feed.Connect(ctx); err != nil {
		var ce *domain.ConfigurationError
		if !errors.As(err, &ce) {
			logger.Warn("event feed not connected, retrying in background", "error", err)
		} else {
			logger.Warn("event feed disabled, relying on periodic resync", "error", err)
			if err := a.reconciler.Resync(ctx, "startup"); err != nil {
				logger.Error("startup resync failed", "error", err)
			}
		}
	}
	go watchFeed(ctx, a, feedAlertAfter)

	srv := startMetricsServer(cfg.Monitoring.MetricsAddr, a, logger)

	if err := config.WatchAndReload(configPath, func(newCfg *config.Config) {
		a.risk.SetLimits(riskLimits(newCfg.Risk))
	}); err != nil {
		logger.Warn("config hot-reload setup failed", "error", err)
	}

	logger.Info("system started successfully",
		"instance_id", cfg.System.InstanceID,
		"trading_mode", cfg.System.TradingMode,
		"account", a.transport.Address(),
	)

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	a.feed.Disconnect()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to stop metrics server", "error", err)
		}
	}
	a.close()

	if tracerShutdown != nil {
		if err := tracerShutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracer", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// watchFeed raises a P2 alert once the feed has been down for longer
// than after, and clears it when the feed is back.
func watchFeed(ctx context.Context, a *app, after time.Duration) {
	ticker := time.NewTicker(after / 4)
	defer ticker.Stop()

	var downSince time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if a.feed.State() == feed.StateConnected {
				if !downSince.IsZero() {
					a.alerts.Acknowledge("feed_disconnected")
				}
				downSince = time.Time{}
				continue
			}
			if downSince.IsZero() {
				downSince = now
				continue
			}
			if now.Sub(downSince) >= after {
				a.alerts.Fire(domain.AlertP2, "feed_disconnected",
					fmt.Sprintf("event feed down since %s", downSince.UTC().Format(time.RFC3339)))
			}
		}
	}
}

func startMetricsServer(addr string, a *app, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", monitor.MetricsHandler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if a.feed.State() != feed.StateConnected {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(a.feed.State().String()))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	killSwitchRoutes(mux, a.risk, logger)

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		logger.Info("metrics server starting", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()
	return server
}
