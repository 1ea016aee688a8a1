package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"strategylab/internal/metrics"
	"strategylab/internal/store"
	"strategylab/internal/strategy"
)

// Report is a finished run together with its scores.
type Report struct {
	ID        string
	Result    *Result
	Metrics   metrics.Record
	CreatedAt time.Time
}

// Record flattens the report for a store.RunStore.
func (r *Report) Record() *store.RunRecord {
	res := r.Result
	return &store.RunRecord{
		ID:                  r.ID,
		Symbol:              res.Symbol,
		Strategy:            res.Strategy,
		Start:               res.Start,
		End:                 res.End,
		InitialCash:         res.InitialCash,
		FinalValue:          res.FinalValue,
		TotalReturn:         r.Metrics.TotalReturn,
		SharpeRatio:         r.Metrics.SharpeRatio,
		MaxDrawdown:         r.Metrics.MaxDrawdown,
		MaxDrawdownDuration: r.Metrics.MaxDrawdownDuration,
		Beta:                r.Metrics.Beta,
		Alpha:               r.Metrics.Alpha,
		WinRate:             r.Metrics.WinRate,
		ProfitFactor:        r.Metrics.ProfitFactor,
		Periods:             r.Metrics.Periods,
		Skipped:             len(res.Skipped),
		Trades:              len(res.Trades),
		CreatedAt:           r.CreatedAt,
	}
}

// Sink receives finished reports. report.FileSink implements it.
type Sink interface {
	Write(ctx context.Context, r *Report) error
}

// Backtester resolves strategies by name, runs them through the engine,
// scores the results and hands the reports to the configured run store and
// sinks.
type Backtester struct {
	engine   *Engine
	registry *strategy.Registry
	runs     store.RunStore
	sinks    []Sink
	log      *slog.Logger
}

// BacktesterOption configures a Backtester.
type BacktesterOption func(*Backtester)

// WithRunStore persists every report's summary to rs.
func WithRunStore(rs store.RunStore) BacktesterOption {
	return func(bt *Backtester) { bt.runs = rs }
}

// WithSink adds a report sink.
func WithSink(s Sink) BacktesterOption {
	return func(bt *Backtester) { bt.sinks = append(bt.sinks, s) }
}

// NewBacktester creates a Backtester that runs on e and looks up strategies
// in registry.
func NewBacktester(e *Engine, registry *strategy.Registry, opts ...BacktesterOption) *Backtester {
	bt := &Backtester{
		engine:   e,
		registry: registry,
		log:      e.logger.With("component", "backtester"),
	}
	for _, o := range opts {
		o(bt)
	}
	return bt
}

// Strategies lists the registered strategy names.
func (bt *Backtester) Strategies() []string {
	return bt.registry.List()
}

// Run backtests the named strategy on symbol and publishes the report. opts
// apply to this run only, e.g. WithObserver for streaming snapshots.
func (bt *Backtester) Run(ctx context.Context, name, symbol string, start, end time.Time, initialCash float64, opts ...Option) (*Report, error) {
	strat, err := bt.registry.New(name)
	if err != nil {
		return nil, err
	}
	e := bt.engine
	if len(opts) > 0 {
		e = e.With(opts...)
	}
	res, err := e.Run(ctx, strat, symbol, start, end, initialCash)
	if err != nil {
		return nil, err
	}
	return bt.publish(ctx, res)
}

// Compare backtests every named strategy on the same symbol and range, at
// most workers at a time. The returned slice is parallel to names, with a
// nil entry for every run that failed; the failures are joined into the
// error once all runs finish.
func (bt *Backtester) Compare(ctx context.Context, names []string, symbol string, start, end time.Time, initialCash float64, workers int) ([]*Report, error) {
	jobs := make([]Job, len(names))
	for i, name := range names {
		if _, ok := bt.registry.Get(name); !ok {
			return nil, strategy.ErrUnknownStrategy{Name: name, Known: bt.registry.List()}
		}
		jobs[i] = Job{
			New: func() strategy.Strategy {
				s, _ := bt.registry.Get(name)
				return s
			},
			Symbol:      symbol,
			Start:       start,
			End:         end,
			InitialCash: initialCash,
		}
	}

	var errs []error
	reports := make([]*Report, len(names))
	for i, jr := range bt.engine.RunBatch(ctx, jobs, workers) {
		if jr.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", names[i], jr.Err))
			continue
		}
		rep, err := bt.publish(ctx, jr.Result)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", names[i], err))
			continue
		}
		reports[i] = rep
	}
	return reports, errors.Join(errs...)
}

func (bt *Backtester) publish(ctx context.Context, res *Result) (*Report, error) {
	rep := &Report{
		ID:        uuid.NewString(),
		Result:    res,
		Metrics:   bt.engine.Metrics(res),
		CreatedAt: time.Now().UTC(),
	}

	if bt.runs != nil {
		if err := bt.runs.SaveRun(ctx, rep.Record()); err != nil {
			return nil, fmt.Errorf("saving run %s: %w", rep.ID, err)
		}
	}
	for _, s := range bt.sinks {
		if err := s.Write(ctx, rep); err != nil {
			return nil, fmt.Errorf("writing report %s: %w", rep.ID, err)
		}
	}

	bt.log.Info("backtest scored",
		"id", rep.ID,
		"symbol", res.Symbol,
		"strategy", res.Strategy,
		"total_return", rep.Metrics.TotalReturn,
		"sharpe", rep.Metrics.SharpeRatio,
		"max_drawdown", rep.Metrics.MaxDrawdown,
	)
	return rep, nil
}
