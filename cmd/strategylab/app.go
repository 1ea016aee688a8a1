package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"strategylab/internal/config"
	"strategylab/internal/domain"
	"strategylab/internal/engine"
	"strategylab/internal/indicator"
	"strategylab/internal/marketdata"
	"strategylab/internal/report"
	"strategylab/internal/store"
	"strategylab/internal/strategy"
	"strategylab/internal/strategy/builtins"
	"strategylab/internal/telemetry"
	"strategylab/internal/util"
)

// app is the wired object graph shared by the subcommands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	bars      *store.ParquetStore
	upstream  marketdata.Provider // nil without Alpaca credentials
	provider  *marketdata.CachedProvider
	registry  *strategy.Registry
	collector *telemetry.Collector
	runs      *store.SQLiteStore
	engine    *engine.Engine
	bt        *engine.Backtester
}

type appOptions struct {
	// calendar range; zero start skips the Alpaca calendar lookup
	start, end time.Time
	runStore   bool
	reportDir  string // empty disables report files
}

// newApp wires providers, strategies, the engine and the backtester from cfg.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:       cfg,
		log:       log,
		bars:      store.NewParquetStore(cfg.Storage.DataDir),
		registry:  strategy.NewRegistry(),
		collector: telemetry.NewCollector(),
	}

	if cfg.Alpaca.Configured() {
		a.upstream = marketdata.NewAlpacaProvider(marketdata.AlpacaOptions{
			APIKey:          cfg.Alpaca.APIKey,
			APISecret:       cfg.Alpaca.APISecret,
			DataURL:         cfg.Alpaca.DataURL,
			Feed:            cfg.Alpaca.Feed,
			MaxAttempts:     cfg.Provider.MaxAttempts,
			BaseDelay:       cfg.Provider.BaseDelay,
			RateLimitPerMin: cfg.Provider.RateLimitPerMin,
			BreakerFailures: cfg.Provider.BreakerFailures,
			BreakerTimeout:  cfg.Provider.BreakerTimeout,
		})
	} else {
		log.Warn("alpaca credentials not configured; using local bars only", "data_dir", cfg.Storage.DataDir)
	}
	a.provider = marketdata.NewCachedProvider(marketdata.NewStoreProvider(a.bars, domain.MarketUS, a.upstream))

	builtins.Register(a.registry, a.provider, indicator.NewTalib(), cfg.Strategies)

	calendar, err := a.calendar(ctx, opts.start, opts.end)
	if err != nil {
		return nil, err
	}
	a.engine = engine.New(
		engine.WithLogger(log),
		engine.WithCalendar(calendar),
		engine.WithRecorder(a.collector),
		engine.WithRiskFreeRate(cfg.Backtest.RiskFreeRate),
	)

	var btOpts []engine.BacktesterOption
	if opts.runStore {
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating sqlite dir: %w", err)
		}
		a.runs, err = store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("opening run store: %w", err)
		}
		btOpts = append(btOpts, engine.WithRunStore(a.runs))
	}
	if opts.reportDir != "" {
		btOpts = append(btOpts, engine.WithSink(report.NewFileSink(opts.reportDir, log)))
	}
	a.bt = engine.NewBacktester(a.engine, a.registry, btOpts...)
	return a, nil
}

// calendar returns the Alpaca exchange calendar for [start, end] when
// enabled, otherwise a weekday calendar.
func (a *app) calendar(ctx context.Context, start, end time.Time) (*util.TradingCalendar, error) {
	if !a.cfg.Provider.AlpacaCalendar || start.IsZero() {
		return util.NewTradingCalendar(domain.MarketUS), nil
	}
	if !a.cfg.Alpaca.Configured() {
		return nil, errors.New("provider.alpaca_calendar requires alpaca credentials")
	}
	cal, err := marketdata.AlpacaCalendar(ctx, a.cfg.Alpaca.APIKey, a.cfg.Alpaca.APISecret, a.cfg.Alpaca.BaseURL, start, end)
	if err != nil {
		return nil, fmt.Errorf("loading trading calendar: %w", err)
	}
	return cal, nil
}

func (a *app) Close() {
	if a.runs != nil {
		if err := a.runs.Close(); err != nil {
			a.log.Warn("closing run store", "error", err)
		}
	}
	hits, misses := a.provider.Stats()
	a.log.Debug("provider cache", "hits", hits, "misses", misses)
}
