package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"strategylab/internal/api"
)

// serveCmd runs the gRPC service and the JSON/metrics HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve backtests over gRPC and HTTP",
	Long: `Start the strategylab.v1.Backtest gRPC service on server.grpc_port and the
JSON API (/api/v1/...), /healthz and Prometheus /metrics on server.port.

Examples:
  strategylab serve
  strategylab serve --config config/strategylab.yaml`,
	RunE: runServe,
}

var serveCalendarYears int

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVar(&serveCalendarYears, "calendar-years", 10, "Years of exchange calendar to load when provider.alpaca_calendar is set")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	now := time.Now().UTC()
	a, err := newApp(ctx, cfg, logger, appOptions{
		start:     now.AddDate(-serveCalendarYears, 0, 0),
		end:       now.AddDate(0, 1, 0),
		runStore:  true,
		reportDir: cfg.Backtest.ReportDir,
	})
	if err != nil {
		return err
	}
	defer a.Close()

	srv := api.NewServer(
		cfg.Server.HTTPAddr(),
		cfg.Server.GRPCAddr(),
		api.NewHTTPHandlers(a.bt, a.runs, a.collector.Handler(), logger),
		api.NewBacktestService(a.bt, a.runs, logger),
		logger,
	)
	logger.Info("strategylab server starting", "http", cfg.Server.HTTPAddr(), "grpc", cfg.Server.GRPCAddr(), "strategies", len(a.bt.Strategies()))
	return srv.ListenAndServe(ctx)
}
