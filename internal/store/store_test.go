package store

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strategylab/internal/domain"
)

func TestParquetStorePath(t *testing.T) {
	ps := NewParquetStore("/data")

	bp := ps.barPath("aapl", domain.MarketUS, 2024)

	wantBarPath := filepath.Join("/data", "us", "daily", "AAPL", "2024.parquet")
	if bp != wantBarPath {
		t.Errorf("barPath mismatch:\n  got  %s\n  want %s", bp, wantBarPath)
	}
	if !strings.Contains(bp, "AAPL") {
		t.Errorf("barPath should upper-case the symbol: %s", bp)
	}
}

func TestParquetStoreWriteReadBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 3, 5, 0, 0, 0, time.UTC),
			Open:       185.5,
			High:       187.0,
			Low:        185.0,
			Close:      186.0,
			Volume:     45000000,
			TradeCount: 450000,
			VWAP:       185.75,
		},
		{
			Symbol:     "AAPL",
			Timestamp:  time.Date(2024, 1, 2, 5, 0, 0, 0, time.UTC),
			Open:       185.0,
			High:       186.5,
			Low:        184.0,
			Close:      185.5,
			Volume:     50000000,
			TradeCount: 500000,
			VWAP:       185.25,
		},
	}

	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "AAPL", domain.MarketUS, start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars, want 2", len(got))
	}
	if got[0].Close != 185.5 {
		t.Errorf("first bar Close = %v, want 185.5 (bars should be sorted)", got[0].Close)
	}
	if got[1].Close != 186.0 {
		t.Errorf("second bar Close = %v, want 186.0", got[1].Close)
	}
	if got[0].Timestamp.Location() != time.UTC {
		t.Errorf("timestamps should be UTC, got %v", got[0].Timestamp.Location())
	}

	// Range filtering is inclusive on both ends.
	only, err := ps.ReadBars(ctx, "AAPL", domain.MarketUS, bars[0].Timestamp, bars[0].Timestamp)
	if err != nil {
		t.Fatalf("ReadBars (single): %v", err)
	}
	if len(only) != 1 || only[0].Close != 186.0 {
		t.Errorf("single-bar range returned %v", only)
	}
}

func TestParquetStoreMergeBars(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	day1 := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	bars1 := []domain.Bar{
		{Symbol: "MSFT", Timestamp: day1, Open: 400.0, High: 405.0, Low: 399.0, Close: 403.0, Volume: 30000000},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, bars1); err != nil {
		t.Fatalf("WriteBars (first): %v", err)
	}

	// A new day merges; a repeated day replaces.
	bars2 := []domain.Bar{
		{Symbol: "MSFT", Timestamp: time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC), Open: 403.0, High: 410.0, Low: 402.0, Close: 408.0, Volume: 35000000},
		{Symbol: "MSFT", Timestamp: day1, Open: 400.0, High: 405.0, Low: 399.0, Close: 404.0, Volume: 30000000},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, bars2); err != nil {
		t.Fatalf("WriteBars (second): %v", err)
	}

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)
	got, err := ps.ReadBars(ctx, "MSFT", domain.MarketUS, start, end)
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ReadBars returned %d bars after merge, want 2", len(got))
	}
	if got[0].Close != 404.0 {
		t.Errorf("replaced bar Close = %v, want 404", got[0].Close)
	}
}

func TestParquetStoreMissingSymbol(t *testing.T) {
	ps := NewParquetStore(t.TempDir())
	got, err := ps.ReadBars(context.Background(), "NOPE", domain.MarketUS,
		time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("ReadBars: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no bars, got %d", len(got))
	}
}

func TestParquetStoreListSymbols(t *testing.T) {
	dir := t.TempDir()
	ps := NewParquetStore(dir)
	ctx := context.Background()

	bars := []domain.Bar{
		{Symbol: "GOOGL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 140.0, High: 141.0, Low: 139.0, Close: 140.5, Volume: 20000000},
		{Symbol: "AAPL", Timestamp: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), Open: 185.0, High: 186.0, Low: 184.0, Close: 185.5, Volume: 50000000},
	}
	if err := ps.WriteBars(ctx, domain.MarketUS, bars); err != nil {
		t.Fatalf("WriteBars: %v", err)
	}

	symbols, err := ps.ListSymbols(ctx, domain.MarketUS)
	if err != nil {
		t.Fatalf("ListSymbols: %v", err)
	}
	if len(symbols) != 2 || symbols[0] != "AAPL" || symbols[1] != "GOOGL" {
		t.Errorf("ListSymbols = %v, want [AAPL GOOGL]", symbols)
	}

	cn, err := ps.ListSymbols(ctx, domain.MarketCN)
	if err != nil || len(cn) != 0 {
		t.Errorf("ListSymbols(cn) = %v, %v; want empty", cn, err)
	}
}

func openSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "runs.db")
	s, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore(%q) returned error: %v", dbPath, err)
	}
	t.Cleanup(func() {
		if cerr := s.Close(); cerr != nil {
			t.Errorf("Close() returned error: %v", cerr)
		}
	})
	return s
}

func TestSQLiteStoreOpen(t *testing.T) {
	s := openSQLite(t)
	if err := s.db.Ping(); err != nil {
		t.Fatalf("db.Ping() returned error: %v", err)
	}
}

func TestSQLiteStoreRunRoundTrip(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()

	run := &RunRecord{
		ID:                  "run-1",
		Symbol:              "AAPL",
		Strategy:            "sma-cross",
		Start:               time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:                 time.Date(2024, 6, 30, 0, 0, 0, 0, time.UTC),
		InitialCash:         100000,
		FinalValue:          104500,
		TotalReturn:         0.045,
		SharpeRatio:         1.2,
		MaxDrawdown:         0.08,
		MaxDrawdownDuration: 12,
		Beta:                0.9,
		Alpha:               0.01,
		WinRate:             0.55,
		ProfitFactor:        math.Inf(1),
		Periods:             124,
		Skipped:             2,
		Trades:              6,
	}
	if err := s.SaveRun(ctx, run); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}
	if run.CreatedAt.IsZero() {
		t.Error("SaveRun should stamp CreatedAt")
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Symbol != "AAPL" || got.Strategy != "sma-cross" || got.Periods != 124 {
		t.Errorf("GetRun = %+v", got)
	}
	if !got.Start.Equal(run.Start) || !got.End.Equal(run.End) {
		t.Errorf("dates not preserved: %v..%v", got.Start, got.End)
	}
	if !math.IsInf(got.ProfitFactor, 1) {
		t.Errorf("ProfitFactor = %v, want +Inf", got.ProfitFactor)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSQLiteStoreListRuns(t *testing.T) {
	s := openSQLite(t)
	ctx := context.Background()
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	for i, r := range []struct{ id, symbol, strategy string }{
		{"a", "AAPL", "sma-cross"},
		{"b", "AAPL", "macd-cross"},
		{"c", "MSFT", "sma-cross"},
	} {
		rec := &RunRecord{
			ID: r.id, Symbol: r.symbol, Strategy: r.strategy,
			Start: base, End: base, ProfitFactor: 1.5,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun(%s): %v", r.id, err)
		}
	}

	all, err := s.ListRuns(ctx, RunFilter{})
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c" {
		t.Errorf("ListRuns() = %d runs, first %q; want 3, newest first", len(all), all[0].ID)
	}

	aapl, err := s.ListRuns(ctx, RunFilter{Symbol: "AAPL"})
	if err != nil {
		t.Fatalf("ListRuns(AAPL): %v", err)
	}
	if len(aapl) != 2 {
		t.Errorf("ListRuns(AAPL) = %d runs, want 2", len(aapl))
	}

	limited, err := s.ListRuns(ctx, RunFilter{Strategy: "sma-cross", Limit: 1})
	if err != nil {
		t.Fatalf("ListRuns(limit): %v", err)
	}
	if len(limited) != 1 || limited[0].ID != "c" {
		t.Errorf("ListRuns(limit) = %+v", limited)
	}
	if limited[0].ProfitFactor != 1.5 {
		t.Errorf("ProfitFactor = %v, want 1.5", limited[0].ProfitFactor)
	}
}
