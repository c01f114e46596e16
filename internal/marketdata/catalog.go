package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/crypto-trading/perpvenue/internal/domain"
	"github.com/crypto-trading/perpvenue/internal/monitor"
)

const DefaultTTL = 60 * time.Second

type Source interface {
	MarketContexts(ctx context.Context) ([]domain.MarketContext, error)
}

type Config struct {
	TTL       time.Duration
	Overrides map[string]string
	Now       func() time.Time
}

// Catalog caches venue market metadata for a TTL. Tickers are always
// fetched fresh and refresh the metadata as a side effect.
type Catalog struct {
	source    Source
	ttl       time.Duration
	overrides map[string]string
	now       func() time.Time

	mu        sync.RWMutex
	markets   map[string]domain.Market
	tickers   map[string]domain.Ticker
	fetchedAt time.Time

	group   singleflight.Group
	metrics *monitor.Metrics
	logger  *slog.Logger
}

func NewCatalog(source Source, cfg Config, metrics *monitor.Metrics, logger *slog.Logger) *Catalog {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Catalog{
		source:    source,
		ttl:       cfg.TTL,
		overrides: cfg.Overrides,
		now:       cfg.Now,
		markets:   make(map[string]domain.Market),
		tickers:   make(map[string]domain.Ticker),
		metrics:   metrics,
		logger:    logger,
	}
}

// Resolve maps an internal symbol to the venue coin name.
func (c *Catalog) Resolve(symbol string) string {
	return domain.VenueSymbol(symbol, c.overrides)
}

func (c *Catalog) Market(ctx context.Context, symbol string) (domain.Market, error) {
	coin := c.Resolve(symbol)

	if c.fresh() {
		if m, ok := c.lookup(coin); ok {
			return m, nil
		}
		return domain.Market{}, fmt.Errorf("%s: %w", symbol, domain.ErrMarketNotFound)
	}

	if err := c.Refresh(ctx); err != nil {
		if m, ok := c.lookup(coin); ok {
			c.logger.Warn("serving stale market metadata", "symbol", coin, "error", err)
			return m, nil
		}
		return domain.Market{}, err
	}

	m, ok := c.lookup(coin)
	if !ok {
		return domain.Market{}, fmt.Errorf("%s: %w", symbol, domain.ErrMarketNotFound)
	}
	return m, nil
}

func (c *Catalog) Ticker(ctx context.Context, symbol string) (domain.Ticker, error) {
	coin := c.Resolve(symbol)
	if err := c.Refresh(ctx); err != nil {
		return domain.Ticker{}, err
	}

	c.mu.RLock()
	t, ok := c.tickers[coin]
	c.mu.RUnlock()
	if !ok {
		return domain.Ticker{}, fmt.Errorf("%s: %w", symbol, domain.ErrMarketNotFound)
	}
	if !t.Mark.IsPositive() {
		return domain.Ticker{}, &domain.ProtocolError{Op: "ticker " + coin, Err: fmt.Errorf("non-positive mark price %s", t.Mark)}
	}
	return t, nil
}

func (c *Catalog) Markets() []domain.Market {
	c.mu.RLock()
	out := make([]domain.Market, 0, len(c.markets))
	for _, m := range c.markets {
		out = append(out, m)
	}
	c.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Refresh reloads the catalog. Concurrent callers share one venue call.
func (c *Catalog) Refresh(ctx context.Context) error {
	_, err, _ := c.group.Do("refresh", func() (any, error) {
		ctxs, err := c.source.MarketContexts(ctx)
		if err != nil {
			c.metrics.CatalogRefreshed("error", 0)
			return nil, fmt.Errorf("refresh markets: %w", err)
		}

		markets := make(map[string]domain.Market, len(ctxs))
		tickers := make(map[string]domain.Ticker, len(ctxs))
		for _, mc := range ctxs {
			markets[mc.Market.Symbol] = mc.Market
			tickers[mc.Market.Symbol] = mc.Ticker
		}

		c.mu.Lock()
		c.markets = markets
		c.tickers = tickers
		c.fetchedAt = c.now()
		c.mu.Unlock()

		c.metrics.CatalogRefreshed("ok", len(markets))
		return nil, nil
	})
	return err
}

func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
}

func (c *Catalog) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Warn("market catalog refresh failed", "error", err)
			}
		}
	}
}

func (c *Catalog) fresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return !c.fetchedAt.IsZero() && c.now().Sub(c.fetchedAt) < c.ttl
}

func (c *Catalog) lookup(coin string) (domain.Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[coin]
	return m, ok
}
