package marketdata

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/store"
)

// BackfillStats summarizes a Backfill.
type BackfillStats struct {
	Symbols int
	Bars    int64
	Empty   []string // symbols with no bars in range
	Failed  map[string]error
}

// Backfill downloads daily bars for symbols from upstream into s, at most
// workers symbols at a time, so later backtests can run offline. Per-symbol
// failures are collected in the stats; only cancellation aborts.
func Backfill(ctx context.Context, upstream Provider, s store.BarStore, market domain.Market, symbols []string, start, end time.Time, workers int, log *slog.Logger) (BackfillStats, error) {
	if log == nil {
		log = slog.Default()
	}
	stats := BackfillStats{Symbols: len(symbols), Failed: make(map[string]error)}
	if len(symbols) == 0 {
		return stats, nil
	}

	symCh := make(chan int, len(symbols))
	for i := range symbols {
		symCh <- i
	}
	close(symCh)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		totalBars atomic.Int64
		runStart  = time.Now()
	)

	workers = max(1, min(workers, len(symbols)))
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range symCh {
				if ctx.Err() != nil {
					return
				}
				sym := strings.ToUpper(symbols[idx])
				bars, err := upstream.Bars(ctx, sym, start, end)
				if err == nil && len(bars) > 0 {
					err = s.WriteBars(ctx, market, bars)
				}

				mu.Lock()
				switch {
				case err != nil:
					stats.Failed[sym] = err
				case len(bars) == 0:
					stats.Empty = append(stats.Empty, sym)
				}
				mu.Unlock()

				if err != nil {
					log.Error("backfill failed", "symbol", sym, "err", err)
					continue
				}
				totalBars.Add(int64(len(bars)))
				log.Info("backfill done",
					"symbol", sym,
					"progress", fmt.Sprintf("%d/%d", idx+1, len(symbols)),
					"bars", len(bars),
					"elapsed", time.Since(runStart).Round(time.Second),
				)
			}
		}()
	}

	wg.Wait()
	stats.Bars = totalBars.Load()

	if err := ctx.Err(); err != nil {
		return stats, err
	}
	return stats, nil
}
