// Package pricing provides current USD prices for assets through an
// explicitly refreshed, timestamped snapshot over an external oracle.
//
// Callers wait for readiness on a channel rather than polling a shared
// flag; there is no lazily initialized global state.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Oracle is the external price feed. Out of the ledger's scope; an
// unavailable or zero price is a valid (degenerate) answer.
type Oracle interface {
	// TokenPrices returns current USD prices for the given assets.
	// Assets the oracle does not know may be absent from the result.
	TokenPrices(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)
}

// Snapshot is an immutable view of prices taken at one instant.
type Snapshot struct {
	prices  map[string]decimal.Decimal
	TakenAt time.Time
}

// Price returns the snapshot price for an asset, if present.
func (s Snapshot) Price(asset string) (decimal.Decimal, bool) {
	p, ok := s.prices[asset]
	return p, ok
}

// Cache holds the latest price snapshot and refreshes it explicitly,
// either on a timer (Run) or on demand (Refresh).
type Cache struct {
	oracle Oracle

	mu       sync.RWMutex
	snapshot Snapshot
	assets   map[string]struct{}

	readyOnce sync.Once
	ready     chan struct{}
}

// NewCache creates a price cache over the oracle. The cache is not ready
// until the first successful Refresh.
func NewCache(oracle Oracle) *Cache {
	return &Cache{
		oracle: oracle,
		assets: make(map[string]struct{}),
		ready:  make(chan struct{}),
	}
}

// Ready is closed after the first successful refresh. Callers that need
// a price before serving should select on it with their context.
func (c *Cache) Ready() <-chan struct{} {
	return c.ready
}

// Track adds assets to the refresh set. Unknown assets cost one map key;
// the oracle decides what it can actually price.
func (c *Cache) Track(assets ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range assets {
		if a != "" {
			c.assets[a] = struct{}{}
		}
	}
}

// Snapshot returns the current price snapshot. The zero snapshot (no
// prices, zero TakenAt) is returned before the first refresh.
func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Refresh fetches prices for all tracked assets and swaps in a new
// snapshot. The previous snapshot stays visible until the swap.
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.RLock()
	assets := make([]string, 0, len(c.assets))
	for a := range c.assets {
		assets = append(assets, a)
	}
	c.mu.RUnlock()

	prices, err := c.oracle.TokenPrices(ctx, assets)
	if err != nil {
		return fmt.Errorf("pricing: refresh: %w", err)
	}

	c.mu.Lock()
	c.snapshot = Snapshot{prices: prices, TakenAt: time.Now().UTC()}
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })
	return nil
}

// Run refreshes on the given interval until ctx is cancelled. A failed
// refresh keeps the previous snapshot and logs; the next tick retries.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := c.Refresh(ctx); err != nil {
		slog.Warn("initial price refresh failed", "err", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				slog.Warn("price refresh failed", "err", err)
			}
		}
	}
}
