package engine

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/marketdata"
	"strategylab/internal/store"
	"strategylab/internal/strategy"
	"strategylab/internal/strategy/builtins"
	"strategylab/internal/util"
)

var (
	mon   = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	fri2  = time.Date(2024, 1, 12, 0, 0, 0, 0, time.UTC)
	quiet = WithLogger(util.Discard())
)

// scripted is a Strategy driven by a function, priced at 10 + day index.
type scripted struct {
	name string
	fn   func(i int, date time.Time, position int64, cash float64) (domain.Decision, error)
	days map[time.Time]int
}

func newScripted(name string, fn func(i int, date time.Time, position int64, cash float64) (domain.Decision, error)) *scripted {
	s := &scripted{name: name, fn: fn, days: make(map[time.Time]int)}
	for i, d := range util.NewTradingCalendar(domain.MarketUS).TradingDays(mon, fri2) {
		s.days[d] = i
	}
	return s
}

func (s *scripted) Name() string { return s.name }

func (s *scripted) Decide(_ context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	return s.fn(s.days[date], date, position, cash)
}

func priceOf(i int) float64 { return 10 + float64(i) }

func holdAll(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
	return domain.Hold("AAPL", priceOf(i)), nil
}

func TestRunHoldOnly(t *testing.T) {
	e := New(quiet)
	res, err := e.Run(context.Background(), newScripted("hold", holdAll), "aapl", mon, fri2, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Symbol != "AAPL" {
		t.Errorf("Symbol = %q, want AAPL", res.Symbol)
	}
	if len(res.Points) != 10 {
		t.Fatalf("len(Points) = %d, want 10", len(res.Points))
	}
	if len(res.StrategyReturns) != 9 || len(res.MarketReturns) != 9 {
		t.Fatalf("returns = %d/%d, want 9/9", len(res.StrategyReturns), len(res.MarketReturns))
	}
	for i, r := range res.StrategyReturns {
		if r.Value != 0 {
			t.Errorf("strategy return %d = %v, want 0", i, r.Value)
		}
		if !r.Date.Equal(res.Points[i+1].Date) || !res.MarketReturns[i].Date.Equal(r.Date) {
			t.Errorf("return %d is misaligned", i)
		}
	}
	if got, want := res.MarketReturns[0].Value, 0.1; math.Abs(got-want) > 1e-12 {
		t.Errorf("first market return = %v, want %v", got, want)
	}
	if res.FinalValue != 1000 || res.CumulativeReturn != 0 {
		t.Errorf("final = %v cumulative = %v, want 1000 and 0", res.FinalValue, res.CumulativeReturn)
	}
}

func TestBuyAndHoldValueSeries(t *testing.T) {
	days := util.NewTradingCalendar(domain.MarketUS).TradingDays(mon, fri2)
	bars := make([]domain.Bar, len(days))
	for i, d := range days {
		p := priceOf(i)
		bars[i] = domain.Bar{Symbol: "AAPL", Timestamp: d, Open: p, High: p, Low: p, Close: p, Volume: 100}
	}
	provider := marketdata.NewStaticProvider()
	provider.Set("AAPL", bars)

	e := New(quiet)
	strat := builtins.NewBuyAndHold(provider, builtins.DefaultBuyAndHoldParams())
	res, err := e.Run(context.Background(), strat, "AAPL", mon, fri2, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	shares := math.Floor(1000 / priceOf(0))
	for i, p := range res.Points {
		want := shares * priceOf(i)
		if i == 0 {
			want = 1000
		}
		if math.Abs(p.Value-want) > 1e-9 {
			t.Errorf("value on day %d = %v, want %v", i, p.Value, want)
		}
	}
	if len(res.Trades) != 1 || res.Trades[0].Quantity != int64(shares) {
		t.Errorf("trades = %+v, want a single buy of %v", res.Trades, shares)
	}
}

func TestRunThroughCachedStoreProvider(t *testing.T) {
	first := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	start := time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	days := util.NewTradingCalendar(domain.MarketUS).TradingDays(first, end)
	bars := make([]domain.Bar, len(days))
	for i, d := range days {
		p := priceOf(i)
		bars[i] = domain.Bar{Symbol: "AAPL", Timestamp: d, Open: p, High: p, Low: p, Close: p, Volume: 100}
	}
	upstream := marketdata.NewStaticProvider()
	upstream.Set("AAPL", bars)

	ps := store.NewParquetStore(t.TempDir())
	provider := marketdata.NewCachedProvider(marketdata.NewStoreProvider(ps, domain.MarketUS, upstream))

	e := New(quiet)
	strat := builtins.NewBuyAndHold(provider, builtins.DefaultBuyAndHoldParams())
	res, err := e.Run(context.Background(), strat, "AAPL", start, end, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := len(util.NewTradingCalendar(domain.MarketUS).TradingDays(start, end))
	if len(res.Points) != want || len(res.Skipped) != 0 {
		t.Errorf("processed %d, skipped %d (%+v); want %d and 0", len(res.Points), len(res.Skipped), res.Skipped, want)
	}
}

func TestPortfolioInvariantsUnderRandomDecisions(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	actions := []domain.Action{domain.ActionBuy, domain.ActionSell, domain.ActionHold}
	random := func(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
		a := actions[rng.Intn(len(actions))]
		d := domain.Decision{Symbol: "AAPL", Action: a, Price: priceOf(i)}
		if a != domain.ActionHold {
			d.Quantity = rng.Int63n(80)
		}
		return d, nil
	}

	for run := 0; run < 20; run++ {
		e := New(quiet, WithObserver(func(s Snapshot) {
			if s.Account.Cash < 0 || s.Account.Position < 0 {
				t.Errorf("invariant broken on %s: %+v", s.Point.Date.Format(time.DateOnly), s.Account)
			}
		}))
		if _, err := e.Run(context.Background(), newScripted("random", random), "AAPL", mon, fri2, 500); err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
	}
}

func TestRejectedOrderIsNoop(t *testing.T) {
	greedy := func(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
		return domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: priceOf(i), Quantity: 1000}, nil
	}
	res, err := New(quiet).Run(context.Background(), newScripted("greedy", greedy), "AAPL", mon, fri2, 100)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 0 {
		t.Errorf("trades = %d, want 0", len(res.Trades))
	}
	if res.FinalValue != 100 {
		t.Errorf("final value = %v, want 100", res.FinalValue)
	}
}

func TestTradeLogProfit(t *testing.T) {
	roundTrip := func(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
		switch i {
		case 0:
			return domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: priceOf(i), Quantity: 10}, nil
		case 2:
			return domain.Decision{Symbol: "AAPL", Action: domain.ActionSell, Price: priceOf(i), Quantity: 10}, nil
		}
		return domain.Hold("AAPL", priceOf(i)), nil
	}
	res, err := New(quiet).Run(context.Background(), newScripted("trip", roundTrip), "AAPL", mon, fri2, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(res.Trades))
	}
	sell := res.Trades[1]
	if sell.Side != domain.OrderSideSell || math.Abs(sell.ProfitPct-20) > 1e-9 {
		t.Errorf("sell = %+v, want profit 20%%", sell)
	}
	if res.FinalValue != 1020 {
		t.Errorf("final value = %v, want 1020", res.FinalValue)
	}
}

func TestSkipsUnavailablePeriods(t *testing.T) {
	gappy := func(i int, date time.Time, _ int64, _ float64) (domain.Decision, error) {
		switch i {
		case 3:
			return domain.Decision{}, marketdata.Unavailable("AAPL", errors.New("timeout"))
		case 4:
			return domain.Decision{}, domain.ErrInsufficientData
		}
		return domain.Hold("AAPL", priceOf(i)), nil
	}

	rec := &countingRecorder{}
	res, err := New(quiet, WithRecorder(rec)).Run(context.Background(), newScripted("gappy", gappy), "AAPL", mon, fri2, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(res.Skipped))
	}
	if !res.Skipped[0].Date.Equal(time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC)) || res.Skipped[0].Reason == "" {
		t.Errorf("skipped[0] = %+v", res.Skipped[0])
	}
	if len(res.Points) != 8 || len(res.MarketReturns) != 7 {
		t.Fatalf("points/returns = %d/%d, want 8/7", len(res.Points), len(res.MarketReturns))
	}
	// The return after the gap spans it.
	if got, want := res.MarketReturns[2].Value, (priceOf(5)-priceOf(2))/priceOf(2); math.Abs(got-want) > 1e-12 {
		t.Errorf("return across gap = %v, want %v", got, want)
	}
	if rec.periods[PeriodSkipped] != 2 || rec.periods[PeriodProcessed] != 8 || rec.runs[RunOK] != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestAbortsOnUnknownError(t *testing.T) {
	boom := errors.New("boom")
	failing := func(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
		if i == 2 {
			return domain.Decision{}, boom
		}
		return domain.Hold("AAPL", priceOf(i)), nil
	}
	rec := &countingRecorder{}
	res, err := New(quiet, WithRecorder(rec)).Run(context.Background(), newScripted("failing", failing), "AAPL", mon, fri2, 1000)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if res != nil {
		t.Error("partial result returned")
	}
	if rec.runs[RunFailed] != 1 {
		t.Errorf("recorder = %+v", rec)
	}
}

func TestMalformedDecisionsAreViolations(t *testing.T) {
	tests := []struct {
		name string
		d    domain.Decision
	}{
		{"hold with quantity", domain.Decision{Symbol: "AAPL", Action: domain.ActionHold, Price: 10, Quantity: 5}},
		{"negative quantity", domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: 10, Quantity: -1}},
		{"zero price", domain.Decision{Symbol: "AAPL", Action: domain.ActionHold}},
		{"other symbol", domain.Hold("MSFT", 10)},
		{"unknown action", domain.Decision{Symbol: "AAPL", Action: "SHORT", Price: 10}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bad := func(int, time.Time, int64, float64) (domain.Decision, error) { return tt.d, nil }
			_, err := New(quiet).Run(context.Background(), newScripted("bad", bad), "AAPL", mon, fri2, 1000)
			var iv *domain.InvariantViolation
			if !errors.As(err, &iv) {
				t.Fatalf("err = %v, want invariant violation", err)
			}
		})
	}
}

func TestViolationFromStrategyIsFatal(t *testing.T) {
	broken := func(int, time.Time, int64, float64) (domain.Decision, error) {
		return domain.Decision{}, joinedViolation()
	}
	_, err := New(quiet).Run(context.Background(), newScripted("broken", broken), "AAPL", mon, fri2, 1000)
	var iv *domain.InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("err = %v, want invariant violation", err)
	}
}

func joinedViolation() error {
	return errors.Join(domain.ErrDataUnavailable, domain.Violation("strategy", "state corrupted"))
}

func TestCancellationDiscardsResult(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := 0
	e := New(quiet, WithObserver(func(Snapshot) {
		seen++
		if seen == 2 {
			cancel()
		}
	}))
	res, err := e.Run(ctx, newScripted("hold", holdAll), "AAPL", mon, fri2, 1000)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if res != nil {
		t.Error("partial result returned after cancellation")
	}
	if seen != 2 {
		t.Errorf("observer saw %d periods, want 2", seen)
	}
}

func TestRunValidatesArguments(t *testing.T) {
	e := New(quiet)
	s := newScripted("hold", holdAll)
	if _, err := e.Run(context.Background(), s, "AAPL", mon, fri2, 0); !errors.Is(err, ErrInvalidRun) {
		t.Errorf("zero initial cash: err = %v", err)
	}
	if _, err := e.Run(context.Background(), s, "", mon, fri2, 100); !errors.Is(err, ErrInvalidRun) {
		t.Errorf("empty symbol: err = %v", err)
	}
	if _, err := e.Run(context.Background(), s, "AAPL", fri2, mon, 100); !errors.Is(err, ErrInvalidRun) {
		t.Errorf("reversed range: err = %v", err)
	}
}

func TestHolidaysAreNotTraded(t *testing.T) {
	holiday := time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC)
	cal := util.NewTradingCalendar(domain.MarketUS, holiday)
	var dates []time.Time
	e := New(quiet, WithCalendar(cal), WithObserver(func(s Snapshot) { dates = append(dates, s.Point.Date) }))
	if _, err := e.Run(context.Background(), newScripted("hold", holdAll), "AAPL", mon, fri2, 1000); err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, d := range dates {
		if d.Equal(holiday) {
			t.Fatal("engine decided on a holiday")
		}
	}
	if len(dates) != 9 {
		t.Errorf("processed %d days, want 9", len(dates))
	}
}

// ---------------------------------------------------------------------------
// RiskManager
// ---------------------------------------------------------------------------

func TestRiskManager(t *testing.T) {
	rm := NewRiskManager("aapl")
	if err := rm.CheckDecision(domain.Hold("AAPL", 1)); err != nil {
		t.Errorf("CheckDecision(valid) = %v", err)
	}
	if err := rm.CheckAccount(&domain.AccountInfo{Cash: -0.01}); err == nil {
		t.Error("negative cash accepted")
	}
	if err := rm.CheckAccount(&domain.AccountInfo{Position: -1}); err == nil {
		t.Error("negative position accepted")
	}
	if _, err := rm.PeriodReturn("price", 0, 1); err == nil {
		t.Error("zero base accepted")
	}
	if r, err := rm.PeriodReturn("price", 10, 12); err != nil || math.Abs(r-0.2) > 1e-12 {
		t.Errorf("PeriodReturn = %v, %v", r, err)
	}
}

// ---------------------------------------------------------------------------
// Batch and Backtester
// ---------------------------------------------------------------------------

func TestRunBatchKeepsJobOrder(t *testing.T) {
	e := New(quiet)
	var jobs []Job
	for _, cash := range []float64{100, 200, 300, 400, 500} {
		jobs = append(jobs, Job{
			New:         func() strategy.Strategy { return newScripted("hold", holdAll) },
			Symbol:      "AAPL",
			Start:       mon,
			End:         fri2,
			InitialCash: cash,
		})
	}
	jobs = append(jobs, Job{Symbol: "AAPL", Start: mon, End: fri2, InitialCash: 1})

	results := e.RunBatch(context.Background(), jobs, 3)
	if len(results) != len(jobs) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(jobs))
	}
	for i, r := range results[:5] {
		if r.Err != nil {
			t.Fatalf("job %d: %v", i, r.Err)
		}
		if r.Result.InitialCash != jobs[i].InitialCash {
			t.Errorf("job %d result out of order", i)
		}
	}
	if results[5].Err == nil {
		t.Error("job without factory succeeded")
	}
}

func TestRunBatchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	jobs := []Job{{New: func() strategy.Strategy { return newScripted("hold", holdAll) }, Symbol: "AAPL", Start: mon, End: fri2, InitialCash: 1}}
	results := New(quiet).RunBatch(ctx, jobs, 1)
	if !errors.Is(results[0].Err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", results[0].Err)
	}
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]*store.RunRecord
}

func (m *memRuns) SaveRun(_ context.Context, r *store.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]*store.RunRecord)
	}
	m.runs[r.ID] = r
	return nil
}

func (m *memRuns) GetRun(_ context.Context, id string) (*store.RunRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.runs[id]; ok {
		return r, nil
	}
	return nil, store.ErrNotFound
}

func (m *memRuns) ListRuns(context.Context, store.RunFilter) ([]store.RunRecord, error) {
	return nil, nil
}

type memSink struct {
	mu      sync.Mutex
	reports []*Report
}

func (s *memSink) Write(_ context.Context, r *Report) error {
	s.mu.Lock()
	s.reports = append(s.reports, r)
	s.mu.Unlock()
	return nil
}

func TestBacktesterRunAndCompare(t *testing.T) {
	reg := strategy.NewRegistry()
	reg.Register("hold", func() strategy.Strategy { return newScripted("hold", holdAll) })
	reg.Register("trip", func() strategy.Strategy {
		return newScripted("trip", func(i int, _ time.Time, pos int64, _ float64) (domain.Decision, error) {
			if i == 0 {
				return domain.Decision{Symbol: "AAPL", Action: domain.ActionBuy, Price: priceOf(i), Quantity: 10}, nil
			}
			return domain.Hold("AAPL", priceOf(i)), nil
		})
	})

	runs := &memRuns{}
	sink := &memSink{}
	bt := NewBacktester(New(quiet), reg, WithRunStore(runs), WithSink(sink))

	rep, err := bt.Run(context.Background(), "trip", "AAPL", mon, fri2, 1000)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rep.ID == "" || rep.Metrics.Periods != 10 {
		t.Errorf("report = %+v", rep.Metrics)
	}
	saved, err := runs.GetRun(context.Background(), rep.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if saved.Strategy != "trip" || saved.Trades != 1 || saved.FinalValue != rep.Result.FinalValue {
		t.Errorf("saved = %+v", saved)
	}

	if _, err := bt.Run(context.Background(), "nope", "AAPL", mon, fri2, 1000); err == nil {
		t.Error("unknown strategy accepted")
	}

	reports, err := bt.Compare(context.Background(), []string{"hold", "trip"}, "AAPL", mon, fri2, 1000, 2)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if len(reports) != 2 || reports[0].Result.Strategy != "hold" || reports[1].Result.Strategy != "trip" {
		t.Errorf("compare order wrong")
	}
	if len(sink.reports) != 3 {
		t.Errorf("sink received %d reports, want 3", len(sink.reports))
	}
}

func TestCompareKeepsPositionsOfFailedRuns(t *testing.T) {
	boom := errors.New("boom")
	reg := strategy.NewRegistry()
	reg.Register("hold", func() strategy.Strategy { return newScripted("hold", holdAll) })
	reg.Register("broken", func() strategy.Strategy {
		return newScripted("broken", func(i int, _ time.Time, _ int64, _ float64) (domain.Decision, error) {
			if i == 3 {
				return domain.Decision{}, boom
			}
			return domain.Hold("AAPL", priceOf(i)), nil
		})
	})
	bt := NewBacktester(New(quiet), reg)

	names := []string{"broken", "hold", "broken"}
	reports, err := bt.Compare(context.Background(), names, "AAPL", mon, fri2, 1000, 2)
	if !errors.Is(err, boom) {
		t.Fatalf("Compare error = %v, want boom", err)
	}
	if len(reports) != len(names) {
		t.Fatalf("len(reports) = %d, want %d", len(reports), len(names))
	}
	if reports[0] != nil || reports[2] != nil {
		t.Error("failed runs should leave nil entries")
	}
	if reports[1] == nil || reports[1].Result.Strategy != "hold" {
		t.Errorf("reports[1] = %+v, want the hold run", reports[1])
	}
}

type countingRecorder struct {
	mu      sync.Mutex
	periods map[string]int
	runs    map[string]int
}

func (c *countingRecorder) ObservePeriod(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.periods == nil {
		c.periods = make(map[string]int)
	}
	c.periods[outcome]++
}

func (c *countingRecorder) ObserveRun(_, outcome string, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.runs == nil {
		c.runs = make(map[string]int)
	}
	c.runs[outcome]++
}
