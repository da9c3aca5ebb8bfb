// Package market serves mark prices and the tradable symbol universe.
package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"algotrader/internal/logger"
	"algotrader/pkg/cache"
	"algotrader/pkg/exchanges/common"
)

var ErrPriceUnavailable = errors.New("price unavailable")

// TickerSource is the venue's ticker endpoint.
type TickerSource interface {
	Ticker(ctx context.Context, symbol string) (common.Ticker, error)
	Tickers(ctx context.Context) ([]common.Ticker, error)
}

// Prices answers LastPrice from a short-lived cache, falling back to the
// venue. The websocket Feed keeps the cache warm when it runs.
type Prices struct {
	src   TickerSource
	cache *cache.ShardedPriceCache
	ttl   time.Duration
}

// NewPrices builds a price source. ttl <= 0 defaults to five seconds.
func NewPrices(src TickerSource, c *cache.ShardedPriceCache, ttl time.Duration) *Prices {
	if c == nil {
		c = cache.NewShardedPriceCache()
	}
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &Prices{src: src, cache: c, ttl: ttl}
}

// LastPrice returns the latest traded price of symbol.
func (p *Prices) LastPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if v, ok := p.cache.Fresh(symbol, p.ttl); ok {
		return v, nil
	}
	if p.src == nil {
		return decimal.Zero, fmt.Errorf("%w: %s not cached", ErrPriceUnavailable, symbol)
	}
	t, err := p.src.Ticker(ctx, symbol)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, symbol, err)
	}
	price := t.LastPrice
	if !price.IsPositive() {
		price = t.MarkPrice
	}
	if !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s ticker has no price", ErrPriceUnavailable, symbol)
	}
	p.cache.Set(symbol, price)
	return price, nil
}

// Set records an externally observed price.
func (p *Prices) Set(symbol string, price decimal.Decimal) {
	p.cache.Set(strings.ToUpper(symbol), price)
}

// Refresh loads every ticker in one call.
func (p *Prices) Refresh(ctx context.Context) (int, error) {
	if p.src == nil {
		return 0, nil
	}
	ts, err := p.src.Tickers(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range ts {
		if t.LastPrice.IsPositive() {
			p.cache.Set(t.Symbol, t.LastPrice)
			n++
		}
	}
	logger.Debugf("[market] refreshed %d prices", n)
	return n, nil
}

// Run refreshes every ticker each interval and drops prices that have not
// been updated for ten intervals, e.g. delisted symbols.
func (p *Prices) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Refresh(ctx); err != nil && ctx.Err() == nil {
				logger.Warnf("[market] refresh prices: %v", err)
			}
			if n := p.cache.Cleanup(10 * every); n > 0 {
				logger.Debugf("[market] evicted %d stale prices", n)
			}
		}
	}
}
