package marketdata

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"

	"strategylab/internal/domain"
	"strategylab/internal/store"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func dailyBars(symbol string, start time.Time, closes ...float64) []domain.Bar {
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Symbol: symbol, Timestamp: start.AddDate(0, 0, i), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return bars
}

// fakeBarsClient replays canned responses and records calls.
type fakeBarsClient struct {
	mu    sync.Mutex
	calls int
	errs  []error // consumed per call; nil entries succeed
	bars  []alpacamd.Bar
	reqs  []alpacamd.GetBarsRequest
}

func (f *fakeBarsClient) GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.reqs = append(f.reqs, req)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.bars, nil
}

func TestAlpacaProviderConvertsBars(t *testing.T) {
	ts := time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC)
	client := &fakeBarsClient{bars: []alpacamd.Bar{
		{Timestamp: ts.AddDate(0, 0, 1), Open: 11, High: 12, Low: 10, Close: 11.5, Volume: 2000, TradeCount: 20, VWAP: 11.2},
		{Timestamp: ts, Open: 10, High: 11, Low: 9, Close: 10.5, Volume: 1000, TradeCount: 10, VWAP: 10.2},
	}}
	p := newAlpacaProvider(client, AlpacaOptions{MaxAttempts: 1, Feed: "IEX"})

	bars, err := p.Bars(context.Background(), "aapl", day(2024, 1, 1), day(2024, 1, 31))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars, want 2", len(bars))
	}
	if bars[0].Close != 10.5 || bars[0].Symbol != "AAPL" || bars[0].Volume != 1000 {
		t.Errorf("first bar = %+v, want sorted, upper-cased symbol", bars[0])
	}
	if client.reqs[0].TimeFrame != alpacamd.OneDay {
		t.Errorf("request timeframe = %v, want daily", client.reqs[0].TimeFrame)
	}
	if client.reqs[0].Feed != alpacamd.IEX {
		t.Errorf("request feed = %v, want iex", client.reqs[0].Feed)
	}
}

func TestAlpacaProviderRetries(t *testing.T) {
	client := &fakeBarsClient{
		errs: []error{errors.New("502"), errors.New("502"), nil},
		bars: []alpacamd.Bar{{Timestamp: day(2024, 1, 2), Close: 1}},
	}
	p := newAlpacaProvider(client, AlpacaOptions{MaxAttempts: 3})

	bars, err := p.Bars(context.Background(), "AAPL", day(2024, 1, 1), day(2024, 1, 31))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 1 || client.calls != 3 {
		t.Errorf("bars=%d calls=%d, want 1 bar after 3 calls", len(bars), client.calls)
	}
}

func TestAlpacaProviderUnavailable(t *testing.T) {
	client := &fakeBarsClient{errs: []error{errors.New("down"), errors.New("down")}}
	p := newAlpacaProvider(client, AlpacaOptions{MaxAttempts: 2})

	_, err := p.Bars(context.Background(), "AAPL", day(2024, 1, 1), day(2024, 1, 31))
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Fatalf("error = %v, want ErrDataUnavailable", err)
	}
	if !domain.IsRecoverable(err) {
		t.Error("upstream failure should be recoverable")
	}
}

func TestAlpacaProviderCircuitBreaker(t *testing.T) {
	failures := make([]error, 10)
	for i := range failures {
		failures[i] = errors.New("timeout")
	}
	client := &fakeBarsClient{errs: failures}
	p := newAlpacaProvider(client, AlpacaOptions{
		MaxAttempts:     1,
		BreakerFailures: 2,
		BreakerTimeout:  time.Hour,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := p.Bars(ctx, "AAPL", day(2024, 1, 1), day(2024, 1, 31)); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}
	callsBefore := client.calls

	_, err := p.Bars(ctx, "AAPL", day(2024, 1, 1), day(2024, 1, 31))
	if !errors.Is(err, domain.ErrDataUnavailable) {
		t.Fatalf("open breaker error = %v, want ErrDataUnavailable", err)
	}
	if client.calls != callsBefore {
		t.Errorf("open breaker should not reach the client (calls %d -> %d)", callsBefore, client.calls)
	}
}

func TestAlpacaProviderContextCancelled(t *testing.T) {
	p := newAlpacaProvider(&fakeBarsClient{}, AlpacaOptions{MaxAttempts: 1, RateLimitPerMin: 1})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Bars(ctx, "AAPL", day(2024, 1, 1), day(2024, 1, 31))
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
}

func TestStaticProvider(t *testing.T) {
	p := NewStaticProvider()
	p.Set("spy", dailyBars("SPY", day(2024, 1, 1), 1, 2, 3, 4, 5))

	bars, err := p.Bars(context.Background(), "SPY", day(2024, 1, 2), day(2024, 1, 4))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 3 || bars[0].Close != 2 || bars[2].Close != 4 {
		t.Errorf("range filter returned %+v", bars)
	}

	none, err := p.Bars(context.Background(), "QQQ", day(2024, 1, 1), day(2024, 1, 5))
	if err != nil || len(none) != 0 {
		t.Errorf("unknown symbol: %v, %v", none, err)
	}
}

type countingProvider struct {
	inner Provider
	calls int
}

func (c *countingProvider) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	c.calls++
	return c.inner.Bars(ctx, symbol, start, end)
}

func TestCachedProvider(t *testing.T) {
	static := NewStaticProvider()
	static.Set("SPY", dailyBars("SPY", day(2024, 1, 1), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10))
	upstream := &countingProvider{inner: static}
	c := NewCachedProvider(upstream)
	ctx := context.Background()

	if _, err := c.Bars(ctx, "SPY", day(2024, 1, 1), day(2024, 1, 8)); err != nil {
		t.Fatal(err)
	}
	bars, err := c.Bars(ctx, "spy", day(2024, 1, 3), day(2024, 1, 5))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 3 || upstream.calls != 1 {
		t.Errorf("sub-range: %d bars, %d upstream calls; want 3, 1", len(bars), upstream.calls)
	}

	// Extending the range refetches the union.
	bars, err = c.Bars(ctx, "SPY", day(2024, 1, 5), day(2024, 1, 10))
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 6 || upstream.calls != 2 {
		t.Errorf("extended: %d bars, %d upstream calls; want 6, 2", len(bars), upstream.calls)
	}
	if _, err := c.Bars(ctx, "SPY", day(2024, 1, 1), day(2024, 1, 10)); err != nil {
		t.Fatal(err)
	}
	hits, misses := c.Stats()
	if hits != 2 || misses != 2 {
		t.Errorf("Stats() = %d hits, %d misses; want 2, 2", hits, misses)
	}
}

func TestCachedProviderDoesNotCacheErrors(t *testing.T) {
	fail := true
	upstream := ProviderFunc(func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
		if fail {
			return nil, Unavailable(symbol, errors.New("boom"))
		}
		return dailyBars(symbol, start, 1), nil
	})
	c := NewCachedProvider(upstream)
	ctx := context.Background()

	if _, err := c.Bars(ctx, "X", day(2024, 1, 1), day(2024, 1, 2)); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	bars, err := c.Bars(ctx, "X", day(2024, 1, 1), day(2024, 1, 2))
	if err != nil || len(bars) != 1 {
		t.Errorf("retry after error: %v, %v", bars, err)
	}
}

func TestStoreProviderFallbackWritesThrough(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	remote := NewStaticProvider()
	remote.Set("AAPL", dailyBars("AAPL", day(2024, 2, 1), 10, 11, 12, 13, 14))
	upstream := &countingProvider{inner: remote}

	p := NewStoreProvider(ps, domain.MarketUS, upstream)
	ctx := context.Background()

	bars, err := p.Bars(ctx, "AAPL", day(2024, 2, 1), day(2024, 2, 5))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 5 || upstream.calls != 1 {
		t.Fatalf("first read: %d bars, %d upstream calls", len(bars), upstream.calls)
	}

	bars, err = p.Bars(ctx, "AAPL", day(2024, 2, 1), day(2024, 2, 5))
	if err != nil {
		t.Fatalf("Bars (cached): %v", err)
	}
	if len(bars) != 5 || upstream.calls != 1 {
		t.Errorf("second read: %d bars, %d upstream calls; want 5, 1", len(bars), upstream.calls)
	}
}

func TestStoreProviderFetchesMissingTail(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	ctx := context.Background()
	// 2024-01-29 .. 2024-02-05 already stored.
	if err := ps.WriteBars(ctx, domain.MarketUS, dailyBars("AAPL", day(2024, 1, 29), 1, 2, 3, 4, 5, 6, 7, 8)); err != nil {
		t.Fatal(err)
	}
	remote := NewStaticProvider()
	remote.Set("AAPL", dailyBars("AAPL", day(2024, 1, 29), 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11))

	var froms []time.Time
	upstream := ProviderFunc(func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
		froms = append(froms, start)
		return remote.Bars(ctx, symbol, start, end)
	})
	p := NewStoreProvider(ps, domain.MarketUS, upstream)

	bars, err := p.Bars(ctx, "AAPL", day(2024, 1, 29), day(2024, 2, 8))
	if err != nil {
		t.Fatalf("Bars: %v", err)
	}
	if len(bars) != 11 || !bars[10].Timestamp.Equal(day(2024, 2, 8)) {
		t.Fatalf("got %d bars ending %v; want 11 ending 2024-02-08", len(bars), bars[len(bars)-1].Timestamp)
	}
	if len(froms) != 1 || !froms[0].Equal(day(2024, 2, 6)) {
		t.Errorf("upstream fetched from %v; want only the tail from 2024-02-06", froms)
	}

	// The tail was written back, so the same range is now local.
	if _, err := p.Bars(ctx, "AAPL", day(2024, 1, 29), day(2024, 2, 8)); err != nil {
		t.Fatal(err)
	}
	if len(froms) != 1 {
		t.Errorf("upstream calls = %d after write-back, want 1", len(froms))
	}
}

func TestCachedStoreProviderDailyWalk(t *testing.T) {
	var weekdays []domain.Bar
	for d := day(2024, 1, 2); !d.After(day(2024, 3, 1)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		weekdays = append(weekdays, domain.Bar{Symbol: "AAPL", Timestamp: d, Close: float64(len(weekdays) + 1), Volume: 100})
	}
	remote := NewStaticProvider()
	remote.Set("AAPL", weekdays)
	upstream := &countingProvider{inner: remote}

	p := NewCachedProvider(NewStoreProvider(store.NewParquetStore(t.TempDir()), domain.MarketUS, upstream))
	ctx := context.Background()

	decisions := 0
	for d := day(2024, 2, 1); !d.After(day(2024, 3, 1)); d = d.AddDate(0, 0, 1) {
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}
		decisions++
		end := d.AddDate(0, 0, 1).Add(-time.Nanosecond)
		bars, err := p.Bars(ctx, "AAPL", d.AddDate(0, 0, -5), end)
		if err != nil {
			t.Fatalf("%s: %v", d.Format(time.DateOnly), err)
		}
		if len(bars) == 0 || !domain.SameDay(bars[len(bars)-1].Timestamp, d) {
			t.Errorf("%s: window does not end on the decision day", d.Format(time.DateOnly))
		}
	}
	if upstream.calls > decisions {
		t.Errorf("upstream calls = %d, want at most one per decision day (%d)", upstream.calls, decisions)
	}
}

func TestStoreProviderWithoutFallback(t *testing.T) {
	p := NewStoreProvider(store.NewParquetStore(t.TempDir()), domain.MarketUS, nil)
	bars, err := p.Bars(context.Background(), "AAPL", day(2024, 2, 1), day(2024, 2, 5))
	if err != nil || len(bars) != 0 {
		t.Errorf("empty store: %v, %v", bars, err)
	}
}

type fakeCalendarClient struct {
	days []alpaca.CalendarDay
}

func (f *fakeCalendarClient) GetCalendar(alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error) {
	return f.days, nil
}

func TestCalendarFromAlpaca(t *testing.T) {
	// 2024-01-15 (Monday) is Martin Luther King Jr. Day.
	client := &fakeCalendarClient{days: []alpaca.CalendarDay{
		{Date: "2024-01-12"}, {Date: "2024-01-16"}, {Date: "2024-01-17"},
	}}
	cal, err := calendarFrom(context.Background(), client, day(2024, 1, 12), day(2024, 1, 17))
	if err != nil {
		t.Fatalf("calendarFrom: %v", err)
	}
	days := cal.TradingDays(day(2024, 1, 12), day(2024, 1, 17))
	if len(days) != 3 {
		t.Fatalf("TradingDays = %v, want 3 days", days)
	}
	if cal.IsTradingDay(day(2024, 1, 15)) {
		t.Error("closed weekday should be a holiday")
	}

	if _, err := calendarFrom(context.Background(), &fakeCalendarClient{}, day(2024, 1, 12), day(2024, 1, 17)); err == nil {
		t.Error("empty calendar should be an error")
	}
}

func TestBackfill(t *testing.T) {
	ps := store.NewParquetStore(t.TempDir())
	remote := NewStaticProvider()
	remote.Set("AAPL", dailyBars("AAPL", day(2024, 2, 1), 10, 11, 12))
	remote.Set("MSFT", dailyBars("MSFT", day(2024, 2, 1), 20, 21))
	broken := errors.New("upstream down")
	upstream := ProviderFunc(func(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
		if symbol == "BAD" {
			return nil, Unavailable(symbol, broken)
		}
		return remote.Bars(ctx, symbol, start, end)
	})

	stats, err := Backfill(context.Background(), upstream, ps, domain.MarketUS,
		[]string{"aapl", "MSFT", "NONE", "BAD"}, day(2024, 2, 1), day(2024, 2, 29), 3, nil)
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if stats.Symbols != 4 || stats.Bars != 5 {
		t.Errorf("stats = %+v, want 4 symbols and 5 bars", stats)
	}
	if len(stats.Empty) != 1 || stats.Empty[0] != "NONE" {
		t.Errorf("empty = %v", stats.Empty)
	}
	if !errors.Is(stats.Failed["BAD"], domain.ErrDataUnavailable) || len(stats.Failed) != 1 {
		t.Errorf("failed = %v", stats.Failed)
	}

	bars, err := ps.ReadBars(context.Background(), "AAPL", domain.MarketUS, day(2024, 2, 1), day(2024, 2, 29))
	if err != nil || len(bars) != 3 {
		t.Errorf("stored AAPL bars: %d, %v", len(bars), err)
	}
}

func TestBackfillCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Backfill(ctx, NewStaticProvider(), store.NewParquetStore(t.TempDir()), domain.MarketUS,
		[]string{"AAPL"}, day(2024, 2, 1), day(2024, 2, 2), 1, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
