package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/crypto-trading/perpvenue/internal/domain"
)

var globalConfig atomic.Pointer[Config]

func Get() *Config {
	return globalConfig.Load()
}

// LoadDotEnv exports variables from the given .env files. Missing files
// are skipped; variables already set in the environment win.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	_ = v.BindEnv("venue.private_key", "VENUE_PRIVATE_KEY")
	_ = v.BindEnv("venue.account_address", "VENUE_ACCOUNT_ADDRESS")

	v.SetDefault("system.log_level", "INFO")
	v.SetDefault("system.trading_mode", "dry_run")
	v.SetDefault("system.log_max_size_mb", 100)
	v.SetDefault("system.log_max_backups", 5)
	v.SetDefault("venue.request_timeout_ms", 10000)
	v.SetDefault("feed.reconnect_delay_ms", 5000)
	v.SetDefault("feed.ping_interval_seconds", 50)
	v.SetDefault("feed.handshake_timeout_ms", 10000)
	v.SetDefault("catalog.ttl_seconds", 60)
	v.SetDefault("catalog.refresh_interval_seconds", 0)
	v.SetDefault("orders.market_slippage_pct", "0.05")
	v.SetDefault("orders.default_tif", "Gtc")
	v.SetDefault("orders.margin_mode", "cross")
	v.SetDefault("orders.trigger_size_basis", "mark")
	v.SetDefault("risk.warning_threshold_pct", 80)
	v.SetDefault("reconciler.resync_interval_seconds", 60)
	v.SetDefault("reconciler.dedup_cache_entries", 100000)
	v.SetDefault("reconciler.dedup_ttl_seconds", 86400)
	v.SetDefault("reconciler.resync_lookback_hours", 24)
	v.SetDefault("persistence.driver", "sqlite")
	v.SetDefault("persistence.pool_size", 10)
	v.SetDefault("persistence.journal_buffer", 4096)
	v.SetDefault("monitoring.metrics_addr", ":9090")
	v.SetDefault("dry_run.simulated_latency_ms", 50)
	v.SetDefault("dry_run.fee_bps", "4.5")
	v.SetDefault("dry_run.sweep_interval_ms", 1000)
	return v
}

func Load(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	globalConfig.Store(cfg)
	return cfg, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		decimalHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	validate := validator.New()
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	if err := cfg.check(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// check covers rules the struct tags cannot express.
func (c *Config) check() error {
	if c.System.Mode() == domain.TradingModeLive && c.Venue.PrivateKey == "" {
		return &domain.ConfigurationError{Field: "venue.private_key", Reason: "required in live mode"}
	}
	if c.Orders.MarketSlippagePct.IsNegative() || c.Orders.MarketSlippagePct.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return &domain.ConfigurationError{Field: "orders.market_slippage_pct", Reason: "must be in [0, 1)"}
	}
	if c.Risk.MaxNotionalPerOrder.IsNegative() {
		return &domain.ConfigurationError{Field: "risk.max_notional_per_order", Reason: "must not be negative"}
	}
	if c.Risk.DailyLossCap.IsNegative() {
		return &domain.ConfigurationError{Field: "risk.daily_loss_cap", Reason: "must not be negative"}
	}
	return nil
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

func decimalHook(from, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(v)
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	case float64:
		return decimal.NewFromFloat(v), nil
	}
	return data, nil
}

// WatchAndReload re-reads the file on change and calls onChange with the
// validated result. An invalid file keeps the previous configuration.
func WatchAndReload(configPath string, onChange func(*Config)) error {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config for watch: %w", err)
	}

	v.OnConfigChange(func(_ fsnotify.Event) {
		newCfg, err := decode(v)
		if err != nil {
			slog.Error("reloaded config rejected", "error", err)
			return
		}

		old := globalConfig.Load()
		globalConfig.Store(newCfg)
		slog.Info("configuration reloaded successfully")

		if onChange != nil {
			onChange(newCfg)
		}

		logConfigChanges(old, newCfg)
	})
	v.WatchConfig()

	return nil
}

func logConfigChanges(old, new *Config) {
	if old == nil || new == nil {
		return
	}
	if old.System.TradingMode != new.System.TradingMode {
		slog.Warn("trading mode change ignored until restart",
			"old", old.System.TradingMode,
			"new", new.System.TradingMode,
		)
	}
	if old.Risk.MaxLeverage != new.Risk.MaxLeverage ||
		!old.Risk.MaxNotionalPerOrder.Equal(new.Risk.MaxNotionalPerOrder) ||
		old.Risk.MaxOpenPositions != new.Risk.MaxOpenPositions ||
		!old.Risk.DailyLossCap.Equal(new.Risk.DailyLossCap) {
		slog.Info("risk limits changed",
			"max_leverage", new.Risk.MaxLeverage,
			"max_notional_per_order", new.Risk.MaxNotionalPerOrder.String(),
			"max_open_positions", new.Risk.MaxOpenPositions,
			"daily_loss_cap", new.Risk.DailyLossCap.String(),
		)
	}
}
