package marketdata

import (
	"context"
	"strings"
	"sync"
	"time"

	"strategylab/internal/domain"
)

// Compile-time interface check.
var _ Provider = (*CachedProvider)(nil)

type cacheEntry struct {
	from, to time.Time
	bars     []domain.Bar
}

// CachedProvider memoises an upstream Provider per symbol. A request inside
// an already-fetched range is served from memory; anything else fetches the
// union of the cached and requested ranges and replaces the entry. Daily
// lookback windows overlap almost entirely, so a backtest touches the
// upstream only a handful of times.
type CachedProvider struct {
	upstream Provider

	mu      sync.Mutex
	entries map[string]*cacheEntry

	hits, misses int64
}

// NewCachedProvider wraps upstream with an in-memory cache.
func NewCachedProvider(upstream Provider) *CachedProvider {
	return &CachedProvider{upstream: upstream, entries: make(map[string]*cacheEntry)}
}

// Bars implements Provider. Errors are not cached.
func (c *CachedProvider) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	key := strings.ToUpper(symbol)

	c.mu.Lock()
	e := c.entries[key]
	if e != nil && !start.Before(e.from) && !end.After(e.to) {
		c.hits++
		bars := filterRange(e.bars, start, end)
		c.mu.Unlock()
		return bars, nil
	}
	c.misses++
	from, to := start, end
	if e != nil {
		if e.from.Before(from) {
			from = e.from
		}
		if e.to.After(to) {
			to = e.to
		}
	}
	c.mu.Unlock()

	bars, err := c.upstream.Bars(ctx, symbol, from, to)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.entries[key] = &cacheEntry{from: from, to: to, bars: bars}
	c.mu.Unlock()

	return filterRange(bars, start, end), nil
}

// Stats returns the number of cache hits and misses so far.
func (c *CachedProvider) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Reset drops every cached entry.
func (c *CachedProvider) Reset() {
	c.mu.Lock()
	c.entries = make(map[string]*cacheEntry)
	c.mu.Unlock()
}
