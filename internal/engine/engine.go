// Package engine replays a symbol's trading days through a strategy,
// executes its decisions on a simulated broker and records the portfolio
// value and return series a backtest is scored on.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"strategylab/internal/broker"
	"strategylab/internal/domain"
	"strategylab/internal/metrics"
	"strategylab/internal/strategy"
	"strategylab/internal/util"
)

// Period and run outcomes reported to a Recorder.
const (
	PeriodProcessed = "processed"
	PeriodSkipped   = "skipped"

	RunOK        = "ok"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// ErrInvalidRun wraps argument errors returned by Run before any period is
// processed.
var ErrInvalidRun = errors.New("invalid backtest")

// Recorder receives run telemetry. telemetry.Collector implements it.
type Recorder interface {
	ObservePeriod(outcome string)
	ObserveRun(strategy, outcome string, elapsed time.Duration)
}

// Snapshot is the state after one successfully processed period.
type Snapshot struct {
	Symbol   string
	Strategy string
	Point    domain.Point
	Decision domain.Decision
	Account  domain.AccountInfo
}

// Observer is called with a Snapshot after every processed period. It runs
// on the engine's goroutine and must not block.
type Observer func(Snapshot)

// SkippedPeriod records a period the engine could not process.
type SkippedPeriod struct {
	Date   time.Time
	Reason string
}

// Trade is one filled order. ProfitPct is set on sells: the percentage gain
// of the sale price over the average cost of the shares held.
type Trade struct {
	OrderID   string
	Date      time.Time
	Side      domain.OrderSide
	Price     float64
	Quantity  int64
	Value     float64
	ProfitPct float64
}

// Result is the outcome of one run. Points holds one entry per processed
// period. StrategyReturns and MarketReturns start at the second processed
// period and line up index for index.
type Result struct {
	Symbol           string
	Strategy         string
	Start            time.Time
	End              time.Time
	InitialCash      float64
	FinalValue       float64
	CumulativeReturn float64

	Points          []domain.Point
	StrategyReturns []domain.Return
	MarketReturns   []domain.Return
	Skipped         []SkippedPeriod
	Trades          []Trade
}

// Series returns the inputs of metrics.Compute.
func (r *Result) Series() metrics.Series {
	return metrics.Series{
		Points:          r.Points,
		StrategyReturns: r.StrategyReturns,
		MarketReturns:   r.MarketReturns,
		InitialCash:     r.InitialCash,
	}
}

// Engine runs backtests. An Engine holds no per-run state and may be shared
// by concurrent runs.
type Engine struct {
	logger   *slog.Logger
	calendar *util.TradingCalendar
	observer Observer
	recorder Recorder
	riskFree float64
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Skipped periods are logged at warn level.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithCalendar sets the calendar that enumerates trading days. The default
// is a US calendar with no holidays, i.e. every weekday.
func WithCalendar(c *util.TradingCalendar) Option {
	return func(e *Engine) { e.calendar = c }
}

// WithObserver requests a Snapshot after every processed period.
func WithObserver(o Observer) Option {
	return func(e *Engine) { e.observer = o }
}

// WithRecorder reports period and run outcomes to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithRiskFreeRate sets the annual risk-free rate used by Metrics.
func WithRiskFreeRate(rate float64) Option {
	return func(e *Engine) { e.riskFree = rate }
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:   slog.Default(),
		calendar: util.NewTradingCalendar(domain.MarketUS),
		riskFree: metrics.DefaultRiskFreeRate,
	}
	for _, o := range opts {
		o(e)
	}
	e.logger = e.logger.With("component", "engine")
	return e
}

// With returns a copy of e with opts applied on top of its settings.
func (e *Engine) With(opts ...Option) *Engine {
	c := *e
	for _, o := range opts {
		o(&c)
	}
	return &c
}

// RiskFreeRate returns the configured annual risk-free rate.
func (e *Engine) RiskFreeRate() float64 { return e.riskFree }

// Metrics scores res with the engine's risk-free rate.
func (e *Engine) Metrics(res *Result) metrics.Record {
	return metrics.Compute(res.Series(), e.riskFree, e.logger.With("symbol", res.Symbol, "strategy", res.Strategy))
}

// Run backtests strat on symbol over the trading days in [start, end],
// starting from initialCash and no position.
//
// Periods whose data cannot be produced (domain.ErrDataUnavailable,
// domain.ErrInsufficientData) are skipped and listed in Result.Skipped. Any
// other strategy error, and every invariant violation, stops the run and is
// returned. Cancelling ctx stops the run between periods; partial results
// are discarded.
func (e *Engine) Run(ctx context.Context, strat strategy.Strategy, symbol string, start, end time.Time, initialCash float64) (*Result, error) {
	began := time.Now()
	res, err := e.run(ctx, strat, symbol, start, end, initialCash)

	outcome := RunOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = RunCancelled
	default:
		outcome = RunFailed
	}
	if e.recorder != nil {
		e.recorder.ObserveRun(strat.Name(), outcome, time.Since(began))
	}
	return res, err
}

func (e *Engine) run(ctx context.Context, strat strategy.Strategy, symbol string, start, end time.Time, initialCash float64) (*Result, error) {
	symbol = strings.ToUpper(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("engine: %w: empty symbol", ErrInvalidRun)
	}
	if !(initialCash > 0) {
		return nil, fmt.Errorf("engine: %w: initial cash %v must be positive", ErrInvalidRun, initialCash)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("engine: %w: end %s is before start %s", ErrInvalidRun, end.Format(time.DateOnly), start.Format(time.DateOnly))
	}

	sim, err := broker.NewSimulatorBroker(symbol, initialCash)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	p := &runState{
		Engine: e,
		strat:  strat,
		broker: sim,
		risk:   NewRiskManager(symbol),
		log:    e.logger.With("symbol", symbol, "strategy", strat.Name()),
		res: &Result{
			Symbol:      symbol,
			Strategy:    strat.Name(),
			Start:       start,
			End:         end,
			InitialCash: initialCash,
			FinalValue:  initialCash,
		},
	}

	days := e.calendar.TradingDays(start, end)
	p.log.Info("backtest started", "start", start.Format(time.DateOnly), "end", end.Format(time.DateOnly), "days", len(days))

	for _, date := range days {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := p.step(ctx, date); err != nil {
			return nil, err
		}
	}

	res := p.res
	if n := len(res.Points); n > 0 {
		res.FinalValue = res.Points[n-1].Value
	}
	res.CumulativeReturn = (res.FinalValue - initialCash) / initialCash

	p.log.Info("backtest finished",
		"processed", len(res.Points),
		"skipped", len(res.Skipped),
		"trades", len(res.Trades),
		"final_value", res.FinalValue,
	)
	return res, nil
}

// runState carries the per-run state the loop mutates.
type runState struct {
	*Engine
	strat  strategy.Strategy
	broker broker.Broker
	risk   *RiskManager
	log    *slog.Logger
	res    *Result

	avgCost float64
}

// step processes one trading day.
func (p *runState) step(ctx context.Context, date time.Time) error {
	acct, err := p.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("engine: account: %w", err)
	}

	d, err := p.strat.Decide(ctx, p.res.Symbol, date, acct.Position, acct.Cash)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if domain.IsRecoverable(err) {
			p.skip(date, err)
			return nil
		}
		return fmt.Errorf("engine: %s on %s: %w", p.strat.Name(), date.Format(time.DateOnly), err)
	}
	if err := p.risk.CheckDecision(d); err != nil {
		return err
	}

	if err := p.execute(ctx, date, d); err != nil {
		return err
	}

	p.broker.Mark(d.Price)
	acct, err = p.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("engine: account: %w", err)
	}
	if err := p.risk.CheckAccount(acct); err != nil {
		return err
	}

	point := domain.Point{Date: date, Value: acct.Equity, Price: d.Price}
	if n := len(p.res.Points); n > 0 {
		prev := p.res.Points[n-1]
		sr, err := p.risk.PeriodReturn("portfolio value", prev.Value, point.Value)
		if err != nil {
			return err
		}
		mr, err := p.risk.PeriodReturn("price", prev.Price, point.Price)
		if err != nil {
			return err
		}
		p.res.StrategyReturns = append(p.res.StrategyReturns, domain.Return{Date: date, Value: sr})
		p.res.MarketReturns = append(p.res.MarketReturns, domain.Return{Date: date, Value: mr})
	}
	p.res.Points = append(p.res.Points, point)

	if p.recorder != nil {
		p.recorder.ObservePeriod(PeriodProcessed)
	}
	if p.observer != nil {
		p.observer(Snapshot{
			Symbol:   p.res.Symbol,
			Strategy: p.res.Strategy,
			Point:    point,
			Decision: d,
			Account:  *acct,
		})
	}
	return nil
}

// execute turns a BUY or SELL into an order. Rejected orders leave the
// portfolio unchanged.
func (p *runState) execute(ctx context.Context, date time.Time, d domain.Decision) error {
	var side domain.OrderSide
	switch d.Action {
	case domain.ActionBuy:
		side = domain.OrderSideBuy
	case domain.ActionSell:
		side = domain.OrderSideSell
	default:
		return nil
	}
	if d.Quantity == 0 {
		return nil
	}

	before, err := p.broker.GetAccount(ctx)
	if err != nil {
		return fmt.Errorf("engine: account: %w", err)
	}
	order, err := p.broker.SubmitOrder(ctx, &domain.Order{
		Symbol:    d.Symbol,
		Side:      side,
		Qty:       d.Quantity,
		Price:     d.Price,
		Status:    domain.OrderStatusNew,
		CreatedAt: date,
	})
	if err != nil {
		var iv *domain.InvariantViolation
		if errors.As(err, &iv) {
			return err
		}
		return domain.Violation("execute", "%s %d %s @ %v: %v", side, d.Quantity, d.Symbol, d.Price, err)
	}
	if order.Status != domain.OrderStatusFilled {
		p.log.Debug("order rejected", "date", date.Format(time.DateOnly), "side", side, "qty", d.Quantity, "reason", order.RejectReason)
		return nil
	}

	t := Trade{
		OrderID:  order.ID,
		Date:     date,
		Side:     side,
		Price:    order.FilledAvgPrice,
		Quantity: order.FilledQty,
		Value:    order.FilledAvgPrice * float64(order.FilledQty),
	}
	switch side {
	case domain.OrderSideBuy:
		held := float64(before.Position)
		p.avgCost = (p.avgCost*held + t.Value) / (held + float64(t.Quantity))
	case domain.OrderSideSell:
		if p.avgCost > 0 {
			t.ProfitPct = (t.Price - p.avgCost) / p.avgCost * 100
		}
		if before.Position == t.Quantity {
			p.avgCost = 0
		}
	}
	p.res.Trades = append(p.res.Trades, t)
	p.log.Debug("order filled", "date", date.Format(time.DateOnly), "side", side, "qty", t.Quantity, "price", t.Price)
	return nil
}

func (p *runState) skip(date time.Time, err error) {
	p.res.Skipped = append(p.res.Skipped, SkippedPeriod{Date: date, Reason: err.Error()})
	p.log.Warn("period skipped", "date", date.Format(time.DateOnly), "err", err)
	if p.recorder != nil {
		p.recorder.ObservePeriod(PeriodSkipped)
	}
}
