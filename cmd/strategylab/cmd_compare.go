package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// compareCmd runs several strategies on one symbol in parallel.
var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare strategies on one symbol",
	Long: `Backtest several strategies on the same symbol and range, in parallel, and
print their metrics side by side. Every run is stored and reported exactly as
'strategylab run' would.

Examples:
  strategylab compare --symbol AAPL --start 2023-01-01 --end 2023-12-31
  strategylab compare --symbol AAPL --strategies sma-cross,macd-cross --workers 2`,
	RunE: runCompare,
}

var (
	compareSymbol     string
	compareStrategies []string
	compareStart      string
	compareEnd        string
	compareCash       float64
	compareWorkers    int
	compareNoReport   bool
)

func init() {
	rootCmd.AddCommand(compareCmd)

	compareCmd.Flags().StringVar(&compareSymbol, "symbol", "", "Ticker symbol (required)")
	compareCmd.Flags().StringSliceVar(&compareStrategies, "strategies", nil, "Strategies to compare (default all)")
	compareCmd.Flags().StringVar(&compareStart, "start", "", "First day, YYYY-MM-DD (default one year before --end)")
	compareCmd.Flags().StringVar(&compareEnd, "end", "", "Last day, YYYY-MM-DD (default today)")
	compareCmd.Flags().Float64Var(&compareCash, "cash", 0, "Initial cash (default backtest.initial_cash)")
	compareCmd.Flags().IntVar(&compareWorkers, "workers", 0, "Parallel runs (default backtest.workers)")
	compareCmd.Flags().BoolVar(&compareNoReport, "no-report", false, "Do not write report files")
	compareCmd.MarkFlagRequired("symbol")
}

func runCompare(cmd *cobra.Command, args []string) error {
	start, end, err := backtestRange(compareStart, compareEnd)
	if err != nil {
		return err
	}
	cash := compareCash
	if cash == 0 {
		cash = cfg.Backtest.InitialCash
	}
	workers := compareWorkers
	if workers == 0 {
		workers = cfg.Backtest.Workers
	}
	reportDir := cfg.Backtest.ReportDir
	if compareNoReport {
		reportDir = ""
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{start: start, end: end, runStore: true, reportDir: reportDir})
	if err != nil {
		return err
	}
	defer a.Close()

	names := compareStrategies
	if len(names) == 0 {
		names = a.bt.Strategies()
	}

	reports, runErr := a.bt.Compare(ctx, names, compareSymbol, start, end, cash, workers)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "STRATEGY\tRETURN\tSHARPE\tMAX DD\tBETA\tALPHA\tWIN RATE\tPROFIT FACTOR\tTRADES\tSKIPPED\n")
	failed := 0
	for i, r := range reports {
		if r == nil {
			failed++
			fmt.Fprintf(w, "%s\tfailed\n", names[i])
			continue
		}
		m := r.Metrics
		fmt.Fprintf(w, "%s\t%.2f%%\t%.4f\t%.2f%%\t%.4f\t%.4f\t%.2f%%\t%s\t%d\t%d\n",
			r.Result.Strategy, m.TotalReturn*100, m.SharpeRatio, m.MaxDrawdown*100,
			m.Beta, m.Alpha, m.WinRate*100, formatProfitFactor(m.ProfitFactor),
			len(r.Result.Trades), len(r.Result.Skipped))
	}
	w.Flush()

	if runErr != nil {
		return fmt.Errorf("%d of %d runs failed: %w", failed, len(names), runErr)
	}
	logger.Info("comparison done", "symbol", strings.ToUpper(compareSymbol), "strategies", len(names))
	return nil
}
