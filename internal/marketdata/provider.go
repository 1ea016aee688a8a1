// Package marketdata supplies daily OHLCV history to strategies and the
// backtest engine.
//
// All providers return bars ordered by timestamp and restricted to
// [start, end]. An empty result is not an error; failures to reach the
// underlying source are wrapped with domain.ErrDataUnavailable so callers can
// treat the period as skippable.
package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"strategylab/internal/domain"
)

// Provider fetches daily bars for one symbol.
type Provider interface {
	Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)
}

// ProviderFunc adapts a function to the Provider interface.
type ProviderFunc func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error)

// Bars implements Provider.
func (f ProviderFunc) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	return f(ctx, symbol, start, end)
}

// Unavailable wraps err as a domain.ErrDataUnavailable for symbol.
func Unavailable(symbol string, err error) error {
	return fmt.Errorf("%w: %s: %v", domain.ErrDataUnavailable, symbol, err)
}

// filterRange returns the bars with timestamps in [start, end], sorted.
func filterRange(bars []domain.Bar, start, end time.Time) []domain.Bar {
	out := make([]domain.Bar, 0, len(bars))
	for _, b := range bars {
		if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// ---------------------------------------------------------------------------
// StaticProvider: fixed in-memory series
// ---------------------------------------------------------------------------

// Compile-time interface check.
var _ Provider = (*StaticProvider)(nil)

// StaticProvider serves bars from memory. It backs tests and replays of
// previously fetched data.
type StaticProvider struct {
	mu   sync.RWMutex
	bars map[string][]domain.Bar
}

// NewStaticProvider creates an empty StaticProvider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{bars: make(map[string][]domain.Bar)}
}

// Set replaces the series held for symbol.
func (p *StaticProvider) Set(symbol string, bars []domain.Bar) {
	cp := make([]domain.Bar, len(bars))
	copy(cp, bars)
	sort.Slice(cp, func(i, j int) bool { return cp[i].Timestamp.Before(cp[j].Timestamp) })

	p.mu.Lock()
	p.bars[strings.ToUpper(symbol)] = cp
	p.mu.Unlock()
}

// Bars implements Provider. Unknown symbols yield an empty series.
func (p *StaticProvider) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return filterRange(p.bars[strings.ToUpper(symbol)], start, end), nil
}
