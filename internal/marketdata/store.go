package marketdata

import (
	"context"
	"log/slog"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/store"
	"strategylab/internal/util"
)

// Compile-time interface check.
var _ Provider = (*StoreProvider)(nil)

// StoreProvider reads bars from a local BarStore. When a fallback provider is
// configured, ranges the store cannot cover are fetched from it and written
// back so later runs stay offline.
type StoreProvider struct {
	store    store.BarStore
	market   domain.Market
	fallback Provider
	log      *slog.Logger
}

// NewStoreProvider creates a StoreProvider over s. fallback may be nil.
func NewStoreProvider(s store.BarStore, market domain.Market, fallback Provider) *StoreProvider {
	return &StoreProvider{
		store:    s,
		market:   market,
		fallback: fallback,
		log:      slog.Default().With("provider", "store", "market", string(market)),
	}
}

// Bars implements Provider.
//
// With a fallback configured, a store whose history starts too late is
// replaced by a full upstream fetch, and a store that stops before the last
// weekday of the range has the missing tail fetched and appended. Fetched
// bars are written back.
func (p *StoreProvider) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	bars, err := p.store.ReadBars(ctx, symbol, p.market, start, end)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Unavailable(symbol, err)
	}
	if p.fallback == nil {
		return bars, nil
	}

	from, tail := start, false
	switch {
	case !coversHead(bars, start):
	case !coversTail(bars, end):
		from, tail = util.StartOfDay(bars[len(bars)-1].Timestamp).AddDate(0, 0, 1), true
	default:
		return bars, nil
	}

	fetched, err := p.fallback.Bars(ctx, symbol, from, end)
	if err != nil {
		return nil, err
	}
	if len(fetched) > 0 {
		if err := p.store.WriteBars(ctx, p.market, fetched); err != nil {
			p.log.Warn("caching fetched bars failed", "symbol", symbol, "error", err)
		}
	}
	if !tail {
		return fetched, nil
	}
	return append(bars, fetched...), nil
}

// coversHead reports whether the stored history starts within a week of
// start. Shorter gaps are weekends and holidays.
func coversHead(bars []domain.Bar, start time.Time) bool {
	if len(bars) == 0 {
		return false
	}
	return bars[0].Timestamp.Sub(start) <= 7*24*time.Hour
}

// coversTail reports whether the stored history reaches the last weekday at
// or before end. A holiday on that weekday costs one empty upstream call.
func coversTail(bars []domain.Bar, end time.Time) bool {
	return !util.StartOfDay(bars[len(bars)-1].Timestamp).Before(lastWeekday(end))
}

func lastWeekday(t time.Time) time.Time {
	d := util.StartOfDay(t)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, -1)
	}
	return d
}
