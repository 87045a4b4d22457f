// Package marketdata holds the latest quote per symbol.
//
// The cache is shared-read, single-writer: the feed (or the HTTP push
// endpoint) writes, everything else reads. An optional Sink mirrors every
// accepted quote to an external store.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/atmx/execution-engine/internal/model"
)

var (
	// ErrInvalidQuote is returned for quotes without a symbol or with a
	// non-positive price, or with bid above ask.
	ErrInvalidQuote = errors.New("marketdata: invalid quote")

	// ErrStaleQuote is returned when a quote is older than the cached one.
	ErrStaleQuote = errors.New("marketdata: quote older than cached snapshot")
)

// Sink receives every quote the cache accepts.
type Sink interface {
	PublishQuote(ctx context.Context, md model.MarketData) error
}

// Source can supply a previously mirrored quote.
type Source interface {
	Quote(ctx context.Context, symbol string) (model.MarketData, error)
}

// Cache is the latest-quote store.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]model.MarketData
	sink   Sink // optional
	logger *slog.Logger
}

// NewCache creates an empty cache. Pass nil for sink if quotes need not be
// mirrored.
func NewCache(sink Sink, logger *slog.Logger) *Cache {
	return &Cache{
		quotes: make(map[string]model.MarketData),
		sink:   sink,
		logger: logger.With(slog.String("component", "marketdata")),
	}
}

// Update stores md as the latest quote for its symbol.
func (c *Cache) Update(ctx context.Context, md model.MarketData) error {
	if err := validate(md); err != nil {
		return err
	}

	c.mu.Lock()
	if prev, ok := c.quotes[md.Symbol]; ok && md.Timestamp.Before(prev.Timestamp) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s at %s", ErrStaleQuote, md.Symbol, md.Timestamp)
	}
	c.quotes[md.Symbol] = md
	c.mu.Unlock()

	if c.sink != nil {
		if err := c.sink.PublishQuote(ctx, md); err != nil {
			c.logger.Warn("quote mirror failed", "symbol", md.Symbol, "err", err)
		}
	}
	return nil
}

// Get returns the latest quote for symbol.
func (c *Cache) Get(symbol string) (model.MarketData, error) {
	c.mu.RLock()
	md, ok := c.quotes[symbol]
	c.mu.RUnlock()
	if !ok {
		return model.MarketData{}, fmt.Errorf("%w: %s", model.ErrMarketDataNotAvailable, symbol)
	}
	return md, nil
}

// Snapshot returns a copy of every cached quote.
func (c *Cache) Snapshot() map[string]model.MarketData {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]model.MarketData, len(c.quotes))
	for k, v := range c.quotes {
		out[k] = v
	}
	return out
}

// Symbols returns the cached symbols in sorted order.
func (c *Cache) Symbols() []string {
	c.mu.RLock()
	out := make([]string, 0, len(c.quotes))
	for k := range c.quotes {
		out = append(out, k)
	}
	c.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Warm seeds the cache from src for the given symbols. Symbols src does not
// know are skipped. Returns the number of quotes loaded.
func (c *Cache) Warm(ctx context.Context, src Source, symbols []string) int {
	loaded := 0
	for _, s := range symbols {
		md, err := src.Quote(ctx, s)
		if err != nil {
			c.logger.Debug("no mirrored quote", "symbol", s, "err", err)
			continue
		}
		c.mu.Lock()
		if _, ok := c.quotes[s]; !ok {
			c.quotes[s] = md
			loaded++
		}
		c.mu.Unlock()
	}
	return loaded
}

func validate(md model.MarketData) error {
	if md.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidQuote)
	}
	if !md.Price.IsPositive() {
		return fmt.Errorf("%w: %s price must be positive", ErrInvalidQuote, md.Symbol)
	}
	if md.Bid.IsPositive() && md.Ask.IsPositive() && md.Bid.GreaterThan(md.Ask) {
		return fmt.Errorf("%w: %s bid %s above ask %s", ErrInvalidQuote, md.Symbol, md.Bid, md.Ask)
	}
	return nil
}
