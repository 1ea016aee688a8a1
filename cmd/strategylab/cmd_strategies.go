package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"strategylab/internal/store"
)

// strategiesCmd lists the registered strategies.
var strategiesCmd = &cobra.Command{
	Use:   "strategies",
	Short: "List available strategies",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(context.Background(), cfg, logger, appOptions{})
		if err != nil {
			return err
		}
		defer a.Close()
		for _, name := range a.bt.Strategies() {
			fmt.Println(name)
		}
		return nil
	},
}

// runsCmd lists stored run summaries.
var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List stored backtest runs, newest first",
	Long: `List the run summaries stored in storage.sqlite_path.

Examples:
  strategylab runs
  strategylab runs --symbol AAPL --limit 5`,
	RunE: runRuns,
}

var (
	runsSymbol   string
	runsStrategy string
	runsLimit    int
)

func init() {
	rootCmd.AddCommand(strategiesCmd)
	rootCmd.AddCommand(runsCmd)

	runsCmd.Flags().StringVar(&runsSymbol, "symbol", "", "Only runs for this symbol")
	runsCmd.Flags().StringVar(&runsStrategy, "strategy", "", "Only runs of this strategy")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "Maximum rows (0 for all)")
}

func runRuns(cmd *cobra.Command, args []string) error {
	rs, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening run store: %w", err)
	}
	defer rs.Close()

	runs, err := rs.ListRuns(cmd.Context(), store.RunFilter{Symbol: strings.ToUpper(runsSymbol), Strategy: runsStrategy, Limit: runsLimit})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\tCREATED\tSYMBOL\tSTRATEGY\tRANGE\tRETURN\tSHARPE\tMAX DD\tTRADES\n")
	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s..%s\t%.2f%%\t%.4f\t%.2f%%\t%d\n",
			r.ID, r.CreatedAt.Local().Format(time.DateTime), r.Symbol, r.Strategy,
			r.Start.Format(time.DateOnly), r.End.Format(time.DateOnly),
			r.TotalReturn*100, r.SharpeRatio, r.MaxDrawdown*100, r.Trades)
	}
	return w.Flush()
}
