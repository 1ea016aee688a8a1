package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"strategylab/internal/config"
	"strategylab/internal/util"
)

const defaultConfigPath = "config/strategylab.yaml"

var (
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
)

// rootCmd is the base command for the strategylab CLI.
var rootCmd = &cobra.Command{
	Use:   "strategylab",
	Short: "Backtest trading strategies on daily bars",
	Long: `strategylab replays a symbol's trading days through a strategy, simulates
its orders against a cash-and-shares account and scores the resulting value
series (Sharpe, drawdown, beta, alpha, win rate, profit factor).

Examples:
  strategylab strategies
  strategylab run --symbol AAPL --strategy sma-cross --start 2023-01-01 --end 2023-12-31
  strategylab compare --symbol AAPL --start 2023-01-01 --end 2023-12-31
  strategylab fetch --symbols AAPL,MSFT --start 2020-01-01
  strategylab serve`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := configPath
		if path == "" {
			path = os.Getenv("STRATEGYLAB_CONFIG")
		}
		if path == "" {
			if _, err := os.Stat(defaultConfigPath); err == nil {
				path = defaultConfigPath
			}
		}

		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		// Reports go to stdout, so logs go to stderr.
		logger = util.NewLoggerTo(os.Stderr, cfg.Logging.Level, cfg.Logging.Format)
		util.SetDefault(logger)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (default $STRATEGYLAB_CONFIG or "+defaultConfigPath+")")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseDate parses a YYYY-MM-DD flag value; empty means fallback.
func parseDate(flag, value string, fallback time.Time) (time.Time, error) {
	if value == "" {
		return fallback, nil
	}
	t, err := time.Parse(time.DateOnly, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", flag, err)
	}
	return t, nil
}
