package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"strategylab/internal/domain"
	"strategylab/internal/marketdata"
	"strategylab/internal/util"
)

// fetchCmd backfills the local bar store from Alpaca.
var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Download daily bars into the local Parquet store",
	Long: `Download daily bars for the given symbols from Alpaca into
<data_dir>/us/daily/, so later backtests over the range run offline.

Examples:
  strategylab fetch --symbols AAPL,MSFT,SPY --start 2020-01-01
  strategylab fetch --symbols AAPL --start 2023-01-01 --end 2023-12-31 --workers 1`,
	RunE: runFetch,
}

var (
	fetchSymbols []string
	fetchStart   string
	fetchEnd     string
	fetchWorkers int
)

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringSliceVar(&fetchSymbols, "symbols", nil, "Symbols to download (required)")
	fetchCmd.Flags().StringVar(&fetchStart, "start", "", "First day, YYYY-MM-DD (default one year before --end)")
	fetchCmd.Flags().StringVar(&fetchEnd, "end", "", "Last day, YYYY-MM-DD (default today)")
	fetchCmd.Flags().IntVar(&fetchWorkers, "workers", 0, "Parallel downloads (default backtest.workers)")
	fetchCmd.MarkFlagRequired("symbols")
}

func runFetch(cmd *cobra.Command, args []string) error {
	if !cfg.Alpaca.Configured() {
		return errors.New("fetch needs alpaca credentials (ALPACA_API_KEY/ALPACA_API_SECRET or APCA_API_KEY_ID/APCA_API_SECRET_KEY)")
	}
	start, end, err := backtestRange(fetchStart, fetchEnd)
	if err != nil {
		return err
	}
	workers := fetchWorkers
	if workers == 0 {
		workers = cfg.Backtest.Workers
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := marketdata.Backfill(ctx, a.upstream, a.bars, domain.MarketUS, fetchSymbols, start, util.EndOfDay(end), workers, logger)
	if err != nil {
		return err
	}

	fmt.Printf("Symbols: %d, bars written: %d\n", stats.Symbols, stats.Bars)
	if len(stats.Empty) > 0 {
		sort.Strings(stats.Empty)
		fmt.Printf("No data: %v\n", stats.Empty)
	}
	if len(stats.Failed) > 0 {
		failed := make([]string, 0, len(stats.Failed))
		for sym := range stats.Failed {
			failed = append(failed, sym)
		}
		sort.Strings(failed)
		for _, sym := range failed {
			fmt.Printf("Failed: %s: %v\n", sym, stats.Failed[sym])
		}
		return fmt.Errorf("%d of %d symbols failed", len(failed), stats.Symbols)
	}
	logger.Info("fetch complete", "range", fmt.Sprintf("%s..%s", start.Format(time.DateOnly), end.Format(time.DateOnly)))
	return nil
}
