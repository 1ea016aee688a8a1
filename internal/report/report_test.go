package report

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/engine"
	"strategylab/internal/metrics"
	"strategylab/internal/store"
	"strategylab/internal/util"
)

func sampleReport() *engine.Report {
	d := func(day int) time.Time { return time.Date(2024, 3, day, 0, 0, 0, 0, time.UTC) }
	res := &engine.Result{
		Symbol:           "AAPL",
		Strategy:         "sma-cross",
		Start:            d(4),
		End:              d(8),
		InitialCash:      1000,
		FinalValue:       1100,
		CumulativeReturn: 0.1,
		Points: []domain.Point{
			{Date: d(4), Value: 1000, Price: 10},
			{Date: d(5), Value: 1050, Price: 10.5},
			{Date: d(7), Value: 1100, Price: 11},
		},
		StrategyReturns: []domain.Return{{Date: d(5), Value: 0.05}, {Date: d(7), Value: 1100.0/1050 - 1}},
		MarketReturns:   []domain.Return{{Date: d(5), Value: 0.05}, {Date: d(7), Value: 11/10.5 - 1}},
		Skipped:         []engine.SkippedPeriod{{Date: d(6), Reason: "data unavailable: AAPL: no bar on 2024-03-06"}},
		Trades: []engine.Trade{
			{Date: d(4), Side: domain.OrderSideBuy, Price: 10, Quantity: 100, Value: 1000},
			{Date: d(7), Side: domain.OrderSideSell, Price: 11, Quantity: 100, Value: 1100, ProfitPct: 10},
		},
	}
	return &engine.Report{
		ID:     "run-1",
		Result: res,
		Metrics: metrics.Record{
			SharpeRatio:  1.5,
			MaxDrawdown:  0,
			Beta:         1,
			WinRate:      1,
			ProfitFactor: math.Inf(1),
			TotalReturn:  0.1,
			Periods:      3,
		},
	}
}

func TestBasename(t *testing.T) {
	tests := []struct {
		symbol, strategy, want string
	}{
		{"aapl", "sma-cross", "AAPL_sma-cross"},
		{"BRK/B", "buy and hold", "BRK_B_buy_and_hold"},
	}
	for _, tt := range tests {
		if got := Basename(tt.symbol, tt.strategy); got != tt.want {
			t.Errorf("Basename(%q, %q) = %q, want %q", tt.symbol, tt.strategy, got, tt.want)
		}
	}
}

func TestFileSinkWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	sink := NewFileSink(dir, util.Discard())
	rep := sampleReport()

	if err := sink.Write(context.Background(), rep); err != nil {
		t.Fatalf("Write: %v", err)
	}

	metricsPath, chartPath, seriesPath := sink.Paths("AAPL", "sma-cross")
	if filepath.Base(metricsPath) != "AAPL_sma-cross_metrics.txt" {
		t.Errorf("metrics path = %s", metricsPath)
	}

	text, err := os.ReadFile(metricsPath)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, want := range []string{
		"Final Portfolio Value: $1100.00",
		"Cumulative Return: 10.00%",
		"Profit Factor: inf",
		"AAPL - 2024-03-07 - Sell 100 @ $11.00",
		"Profit on trade: 10.00%",
		"Skipped Periods: 1",
		"2024-03-06: data unavailable",
	} {
		if !strings.Contains(string(text), want) {
			t.Errorf("metrics text missing %q", want)
		}
	}

	svg, err := os.ReadFile(chartPath)
	if err != nil {
		t.Fatalf("reading chart: %v", err)
	}
	if !strings.HasPrefix(string(svg), "<svg") || strings.Count(string(svg), "<polyline") != 2 {
		t.Errorf("unexpected chart:\n%s", svg)
	}

	rows, err := store.ReadParquet[SeriesRow](seriesPath)
	if err != nil {
		t.Fatalf("reading series: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("len(rows) = %d, want 3", len(rows))
	}
	if rows[0].StrategyReturn != 0 || rows[1].StrategyReturn != 0.05 || rows[2].Price != 11 {
		t.Errorf("rows = %+v", rows)
	}
	if got := time.UnixMilli(rows[2].Date).UTC(); !got.Equal(rep.Result.Points[2].Date) {
		t.Errorf("rows[2].Date = %s", got)
	}
}

func TestFileSinkOverwrites(t *testing.T) {
	sink := NewFileSink(t.TempDir(), util.Discard())
	rep := sampleReport()
	if err := sink.Write(context.Background(), rep); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	rep.Result.FinalValue = 900
	if err := sink.Write(context.Background(), rep); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	entries, err := os.ReadDir(sink.Dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("got %d files, want 3", len(entries))
	}
	metricsPath, _, _ := sink.Paths("AAPL", "sma-cross")
	text, _ := os.ReadFile(metricsPath)
	if !strings.Contains(string(text), "$900.00") {
		t.Error("second write did not replace the metrics file")
	}
}

func TestChartEmptyResult(t *testing.T) {
	svg := string(Chart(&engine.Result{Symbol: "AAPL", Strategy: "x<y"}))
	if !strings.Contains(svg, "no data") || !strings.Contains(svg, "x&lt;y") {
		t.Errorf("unexpected chart:\n%s", svg)
	}
}

func TestWriteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewFileSink(t.TempDir(), util.Discard()).Write(ctx, sampleReport()); err == nil {
		t.Error("Write succeeded on a cancelled context")
	}
}
