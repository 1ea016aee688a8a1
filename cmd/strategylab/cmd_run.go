package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"strategylab/internal/report"
	"strategylab/pkg/strategylab"
)

// runCmd backtests one strategy on one symbol.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Backtest one strategy on one symbol",
	Long: `Backtest a strategy over the trading days in [start, end] and print the
metrics and trade log. Report files (metrics text, SVG chart, Parquet series)
are written to the report directory and the run summary is stored in SQLite.

With --remote the run executes on a strategylab server instead.

Examples:
  strategylab run --symbol AAPL --strategy sma-cross --start 2023-01-01 --end 2023-12-31
  strategylab run --symbol MSFT --strategy adaptive --cash 50000 --no-report
  strategylab run --symbol AAPL --strategy macd-cross --remote localhost:9090`,
	RunE: runBacktest,
}

var (
	runSymbol    string
	runStrategy  string
	runStart     string
	runEnd       string
	runCash      float64
	runReportDir string
	runNoReport  bool
	runNoSave    bool
	runRemote    string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runSymbol, "symbol", "", "Ticker symbol (required)")
	runCmd.Flags().StringVar(&runStrategy, "strategy", "sma-cross", "Strategy name (see 'strategylab strategies')")
	runCmd.Flags().StringVar(&runStart, "start", "", "First day, YYYY-MM-DD (default one year before --end)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "Last day, YYYY-MM-DD (default today)")
	runCmd.Flags().Float64Var(&runCash, "cash", 0, "Initial cash (default backtest.initial_cash)")
	runCmd.Flags().StringVar(&runReportDir, "report-dir", "", "Report directory (default backtest.report_dir)")
	runCmd.Flags().BoolVar(&runNoReport, "no-report", false, "Do not write report files")
	runCmd.Flags().BoolVar(&runNoSave, "no-save", false, "Do not store the run summary")
	runCmd.Flags().StringVar(&runRemote, "remote", "", "Run on the strategylab gRPC server at host:port")
	runCmd.MarkFlagRequired("symbol")
}

// backtestRange resolves --start/--end with a one-year default window.
func backtestRange(startFlag, endFlag string) (time.Time, time.Time, error) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	end, err := parseDate("end", endFlag, today)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start, err := parseDate("start", startFlag, end.AddDate(-1, 0, 0))
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	if end.Before(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("--end %s is before --start %s", end.Format(time.DateOnly), start.Format(time.DateOnly))
	}
	return start, end, nil
}

func runBacktest(cmd *cobra.Command, args []string) error {
	start, end, err := backtestRange(runStart, runEnd)
	if err != nil {
		return err
	}
	cash := runCash
	if cash == 0 {
		cash = cfg.Backtest.InitialCash
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if runRemote != "" {
		return runOnServer(ctx, strategylab.RunRequest{
			Strategy:    runStrategy,
			Symbol:      runSymbol,
			Start:       start,
			End:         end,
			InitialCash: cash,
		})
	}

	reportDir := runReportDir
	if reportDir == "" {
		reportDir = cfg.Backtest.ReportDir
	}
	if runNoReport {
		reportDir = ""
	}

	a, err := newApp(ctx, cfg, logger, appOptions{start: start, end: end, runStore: !runNoSave, reportDir: reportDir})
	if err != nil {
		return err
	}
	defer a.Close()

	rep, err := a.bt.Run(ctx, runStrategy, runSymbol, start, end, cash)
	if err != nil {
		return err
	}
	fmt.Fprint(os.Stdout, report.Text(rep))
	return nil
}

func runOnServer(ctx context.Context, req strategylab.RunRequest) error {
	client, err := strategylab.Dial(runRemote)
	if err != nil {
		return err
	}
	defer client.Close()

	sum, err := client.RunStream(ctx, req, func(s strategylab.Snapshot) {
		logger.Debug("period", "date", s.Date.Format(time.DateOnly), "action", s.Action, "value", s.Value)
	})
	if err != nil {
		return err
	}
	printSummary(sum)
	return nil
}

func printSummary(s strategylab.RunSummary) {
	fmt.Printf("Run ID: %s\n", s.ID)
	fmt.Printf("Symbol: %s\n", s.Symbol)
	fmt.Printf("Strategy: %s\n", s.Strategy)
	fmt.Printf("Period: %s to %s\n", s.Start.Format(time.DateOnly), s.End.Format(time.DateOnly))
	fmt.Printf("Initial Capital: $%.2f\n", s.InitialCash)
	fmt.Printf("Final Portfolio Value: $%.2f\n", s.FinalValue)
	fmt.Printf("Cumulative Return: %.2f%%\n", s.CumulativeReturn*100)
	fmt.Printf("Sharpe Ratio: %.4f\n", s.Metrics.SharpeRatio)
	fmt.Printf("Max Drawdown: %.2f%% (%d periods)\n", s.Metrics.MaxDrawdown*100, s.Metrics.MaxDrawdownDuration)
	fmt.Printf("Beta: %.4f\n", s.Metrics.Beta)
	fmt.Printf("Alpha: %.4f\n", s.Metrics.Alpha)
	fmt.Printf("Win Rate: %.2f%%\n", s.Metrics.WinRate*100)
	fmt.Printf("Profit Factor: %s\n", formatProfitFactor(s.Metrics.ProfitFactor))
	fmt.Printf("Trades: %d, Skipped Periods: %d\n", s.Trades, s.SkippedCount)
	for _, sk := range s.Skipped {
		fmt.Printf("  %s: %s\n", sk.Date.Format(time.DateOnly), sk.Reason)
	}
}

func formatProfitFactor(pf float64) string {
	if math.IsInf(pf, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.4f", pf)
}
