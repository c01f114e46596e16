package config

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/gateway/simulated"
)

type Config struct {
	System      SystemConfig      `mapstructure:"system" validate:"required"`
	Venue       VenueConfig       `mapstructure:"venue" validate:"required"`
	Feed        FeedConfig        `mapstructure:"feed"`
	Catalog     CatalogConfig     `mapstructure:"catalog"`
	Orders      OrdersConfig      `mapstructure:"orders"`
	Risk        RiskConfig        `mapstructure:"risk" validate:"required"`
	Reconciler  ReconcilerConfig  `mapstructure:"reconciler"`
	Persistence PersistenceConfig `mapstructure:"persistence" validate:"required"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring"`
	DryRun      DryRunConfig      `mapstructure:"dry_run"`
}

type SystemConfig struct {
	InstanceID    string `mapstructure:"instance_id" validate:"required"`
	TradingMode   string `mapstructure:"trading_mode" validate:"required,oneof=live dry_run"`
	LogLevel      string `mapstructure:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSizeMB  int    `mapstructure:"log_max_size_mb" validate:"gte=0"`
	LogMaxBackups int    `mapstructure:"log_max_backups" validate:"gte=0"`
}

func (c SystemConfig) Mode() domain.TradingMode {
	return domain.TradingMode(c.TradingMode)
}

type VenueConfig struct {
	RestURL          string                     `mapstructure:"rest_url" validate:"required,url"`
	WsURL            string                     `mapstructure:"ws_url" validate:"required,url"`
	RequestTimeoutMs int                        `mapstructure:"request_timeout_ms" validate:"gt=0"`
	AccountAddress   string                     `mapstructure:"account_address" validate:"omitempty,eth_addr"`
	PrivateKey       string                     `mapstructure:"private_key"`
	RateLimits       map[string]RateLimitConfig `mapstructure:"rate_limits" validate:"dive"`
	SymbolMap        map[string]string          `mapstructure:"symbol_map"`
}

func (c VenueConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

// SymbolOverrides returns the symbol map keyed by upper-case internal
// symbol. Viper lower-cases map keys on load.
func (c VenueConfig) SymbolOverrides() map[string]string {
	out := make(map[string]string, len(c.SymbolMap))
	for k, v := range c.SymbolMap {
		out[strings.ToUpper(k)] = v
	}
	return out
}

// CheckAccount rejects a configured account address that differs from the
// address derived from the signing key.
func (c VenueConfig) CheckAccount(signerAddress string) error {
	if c.AccountAddress == "" || signerAddress == "" {
		return nil
	}
	if !strings.EqualFold(c.AccountAddress, signerAddress) {
		return &domain.ConfigurationError{
			Field:  "venue.account_address",
			Reason: "does not match the address of the signing key " + signerAddress,
		}
	}
	return nil
}

type RateLimitConfig struct {
	Capacity        int `mapstructure:"capacity" validate:"required,gt=0"`
	RefillPerSecond int `mapstructure:"refill_per_second" validate:"required,gt=0"`
}

type FeedConfig struct {
	ReconnectDelayMs   int `mapstructure:"reconnect_delay_ms" validate:"gt=0"`
	PingIntervalS      int `mapstructure:"ping_interval_seconds" validate:"gt=0"`
	HandshakeTimeoutMs int `mapstructure:"handshake_timeout_ms" validate:"gt=0"`
}

func (c FeedConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.ReconnectDelayMs) * time.Millisecond
}

func (c FeedConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalS) * time.Second
}

func (c FeedConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}

type CatalogConfig struct {
	TTLSeconds       int `mapstructure:"ttl_seconds" validate:"gt=0"`
	RefreshIntervalS int `mapstructure:"refresh_interval_seconds" validate:"gte=0"`
}

func (c CatalogConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c CatalogConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalS) * time.Second
}

type OrdersConfig struct {
	MarketSlippagePct decimal.Decimal `mapstructure:"market_slippage_pct"`
	DefaultTIF        string          `mapstructure:"default_tif" validate:"oneof=Gtc Ioc Alo"`
	MarginMode        string          `mapstructure:"margin_mode" validate:"oneof=cross isolated"`
	TriggerSizeBasis  string          `mapstructure:"trigger_size_basis" validate:"oneof=mark entry"`
}

type RiskConfig struct {
	MaxLeverage         int             `mapstructure:"max_leverage" validate:"required,gt=0"`
	MaxNotionalPerOrder decimal.Decimal `mapstructure:"max_notional_per_order"`
	MaxOpenPositions    int             `mapstructure:"max_open_positions" validate:"gte=0"`
	DailyLossCap        decimal.Decimal `mapstructure:"daily_loss_cap"`
	WarningThresholdPct int             `mapstructure:"warning_threshold_pct" validate:"gt=0,lte=100"`
	KillSwitchPath      string          `mapstructure:"kill_switch_path"`
}

type ReconcilerConfig struct {
	ResyncIntervalS     int   `mapstructure:"resync_interval_seconds" validate:"gte=0"`
	DedupCacheEntries   int64 `mapstructure:"dedup_cache_entries" validate:"gt=0"`
	DedupTTLSeconds     int   `mapstructure:"dedup_ttl_seconds" validate:"gt=0"`
	ResyncLookbackHours int   `mapstructure:"resync_lookback_hours" validate:"gt=0"`
}

func (c ReconcilerConfig) ResyncInterval() time.Duration {
	return time.Duration(c.ResyncIntervalS) * time.Second
}

func (c ReconcilerConfig) DedupTTL() time.Duration {
	return time.Duration(c.DedupTTLSeconds) * time.Second
}

func (c ReconcilerConfig) ResyncLookback() time.Duration {
	return time.Duration(c.ResyncLookbackHours) * time.Hour
}

type PersistenceConfig struct {
	Driver        string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	SQLitePath    string `mapstructure:"sqlite_path" validate:"required_if=Driver sqlite"`
	PostgresDSN   string `mapstructure:"postgres_dsn" validate:"required_if=Driver postgres"`
	PoolSize      int    `mapstructure:"pool_size" validate:"gt=0"`
	JournalBuffer int    `mapstructure:"journal_buffer" validate:"gt=0"`
}

type MonitoringConfig struct {
	MetricsAddr    string `mapstructure:"metrics_addr"`
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
}

type DryRunConfig struct {
	SimulatedLatencyMs int             `mapstructure:"simulated_latency_ms" validate:"gte=0"`
	FeeBps             decimal.Decimal `mapstructure:"fee_bps"`
	SweepIntervalMs    int             `mapstructure:"sweep_interval_ms" validate:"gt=0"`
	// Slippage is a notional to basis-points curve applied to aggressive
	// simulated fills. Empty means fills at the mark.
	Slippage []simulated.SlippagePoint `mapstructure:"slippage_curve"`
}

func (c DryRunConfig) SimulatedLatency() time.Duration {
	return time.Duration(c.SimulatedLatencyMs) * time.Millisecond
}

func (c DryRunConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMs) * time.Millisecond
}
