// Package report renders finished backtests to disk: a metrics text file, a
// portfolio value chart and the raw series as Parquet, one set per
// (symbol, strategy) pair.
package report

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/engine"
	"strategylab/internal/store"
)

// Compile-time interface check.
var _ engine.Sink = (*FileSink)(nil)

// File name suffixes.
const (
	MetricsSuffix = "_metrics.txt"
	ChartSuffix   = "_portfolio.svg"
	SeriesSuffix  = "_series.parquet"
)

// FileSink writes report files under Dir. Names are derived only from the
// symbol and strategy, so a later run of the same pair replaces the earlier
// files.
type FileSink struct {
	Dir string
	log *slog.Logger
}

// NewFileSink creates a FileSink writing into dir.
func NewFileSink(dir string, logger *slog.Logger) *FileSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileSink{Dir: dir, log: logger.With("component", "report")}
}

// Paths returns the metrics, chart and series file paths for a pair.
func (s *FileSink) Paths(symbol, strategy string) (metrics, chart, series string) {
	base := filepath.Join(s.Dir, Basename(symbol, strategy))
	return base + MetricsSuffix, base + ChartSuffix, base + SeriesSuffix
}

// Basename is the deterministic file stem for a pair, e.g. "AAPL_sma-cross".
func Basename(symbol, strategy string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':', ' ':
				return '_'
			}
			return r
		}, s)
	}
	return clean(strings.ToUpper(symbol)) + "_" + clean(strategy)
}

// Write implements engine.Sink.
func (s *FileSink) Write(ctx context.Context, r *engine.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return fmt.Errorf("creating report dir: %w", err)
	}
	metricsPath, chartPath, seriesPath := s.Paths(r.Result.Symbol, r.Result.Strategy)

	if err := os.WriteFile(metricsPath, []byte(Text(r)), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", metricsPath, err)
	}
	if err := os.WriteFile(chartPath, Chart(r.Result), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", chartPath, err)
	}
	if err := store.WriteParquet(seriesPath, SeriesRows(r.Result)); err != nil {
		return fmt.Errorf("writing %s: %w", seriesPath, err)
	}

	s.log.Info("report written", "symbol", r.Result.Symbol, "strategy", r.Result.Strategy, "dir", s.Dir)
	return nil
}

// ---------------------------------------------------------------------------
// Metrics text
// ---------------------------------------------------------------------------

// Text renders the summary, metrics, trade log and skipped periods.
func Text(r *engine.Report) string {
	res, m := r.Result, r.Metrics
	var b strings.Builder

	fmt.Fprintf(&b, "Symbol: %s\n", res.Symbol)
	fmt.Fprintf(&b, "Strategy: %s\n", res.Strategy)
	fmt.Fprintf(&b, "Period: %s to %s\n", res.Start.Format(time.DateOnly), res.End.Format(time.DateOnly))
	fmt.Fprintf(&b, "Run ID: %s\n", r.ID)
	fmt.Fprintf(&b, "Initial Capital: $%.2f\n", res.InitialCash)
	fmt.Fprintf(&b, "Final Portfolio Value: $%.2f\n", res.FinalValue)
	fmt.Fprintf(&b, "Cumulative Return: %.2f%%\n", res.CumulativeReturn*100)
	b.WriteString("\n")

	fmt.Fprintf(&b, "Sharpe Ratio: %.4f\n", m.SharpeRatio)
	fmt.Fprintf(&b, "Max Drawdown: %.2f%% (%d periods)\n", m.MaxDrawdown*100, m.MaxDrawdownDuration)
	fmt.Fprintf(&b, "Beta: %.4f\n", m.Beta)
	fmt.Fprintf(&b, "Alpha: %.4f\n", m.Alpha)
	fmt.Fprintf(&b, "Win Rate: %.2f%%\n", m.WinRate*100)
	if math.IsInf(m.ProfitFactor, 1) {
		b.WriteString("Profit Factor: inf\n")
	} else {
		fmt.Fprintf(&b, "Profit Factor: %.4f\n", m.ProfitFactor)
	}
	fmt.Fprintf(&b, "Periods: %d\n", m.Periods)

	b.WriteString("\nTrade Log:\n")
	if len(res.Trades) == 0 {
		b.WriteString("  (none)\n")
	}
	for _, t := range res.Trades {
		action := "Buy"
		if t.Side == domain.OrderSideSell {
			action = "Sell"
		}
		fmt.Fprintf(&b, "  %s - %s - %s %d @ $%.2f\n", res.Symbol, t.Date.Format(time.DateOnly), action, t.Quantity, t.Price)
		if action == "Sell" {
			fmt.Fprintf(&b, "    Profit on trade: %.2f%%\n", t.ProfitPct)
		}
	}

	fmt.Fprintf(&b, "\nSkipped Periods: %d\n", len(res.Skipped))
	for _, sp := range res.Skipped {
		fmt.Fprintf(&b, "  %s: %s\n", sp.Date.Format(time.DateOnly), sp.Reason)
	}
	return b.String()
}

// ---------------------------------------------------------------------------
// Series
// ---------------------------------------------------------------------------

// SeriesRow is one processed period in the series Parquet file. Returns are
// zero on the first period.
type SeriesRow struct {
	Date           int64   `parquet:"date,timestamp(millisecond)"` // Unix ms
	Value          float64 `parquet:"value"`
	Price          float64 `parquet:"price"`
	StrategyReturn float64 `parquet:"strategy_return"`
	MarketReturn   float64 `parquet:"market_return"`
}

// SeriesRows flattens a result into Parquet rows.
func SeriesRows(res *engine.Result) []SeriesRow {
	rows := make([]SeriesRow, len(res.Points))
	for i, p := range res.Points {
		rows[i] = SeriesRow{Date: p.Date.UnixMilli(), Value: p.Value, Price: p.Price}
		if i > 0 && i-1 < len(res.StrategyReturns) {
			rows[i].StrategyReturn = res.StrategyReturns[i-1].Value
			rows[i].MarketReturn = res.MarketReturns[i-1].Value
		}
	}
	return rows
}

// ---------------------------------------------------------------------------
// Chart
// ---------------------------------------------------------------------------

const (
	chartWidth  = 1000
	chartHeight = 600
	chartMargin = 60
)

// Chart draws the portfolio value over time as a standalone SVG document.
// The market price is rescaled to start at the initial cash so both lines
// share an axis.
func Chart(res *engine.Result) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, `<svg xmlns="http://www.w3.org/2000/svg" width="%d" height="%d" viewBox="0 0 %d %d">`+"\n",
		chartWidth, chartHeight, chartWidth, chartHeight)
	b.WriteString(`<rect width="100%" height="100%" fill="white"/>` + "\n")
	fmt.Fprintf(&b, `<text x="%d" y="30" font-family="sans-serif" font-size="18" text-anchor="middle">Portfolio Value Over Time for %s (%s)</text>`+"\n",
		chartWidth/2, escape(res.Symbol), escape(res.Strategy))

	n := len(res.Points)
	if n == 0 {
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="14" text-anchor="middle">no data</text>`+"\n",
			chartWidth/2, chartHeight/2)
		b.WriteString("</svg>\n")
		return b.Bytes()
	}

	values := make([]float64, n)
	market := make([]float64, n)
	scale := res.InitialCash / res.Points[0].Price
	lo, hi := math.Inf(1), math.Inf(-1)
	for i, p := range res.Points {
		values[i] = p.Value
		market[i] = p.Price * scale
		lo = min(lo, values[i], market[i])
		hi = max(hi, values[i], market[i])
	}
	if hi == lo {
		lo, hi = lo-1, hi+1
	}

	x := func(i int) float64 {
		if n == 1 {
			return chartWidth / 2
		}
		return chartMargin + float64(i)*float64(chartWidth-2*chartMargin)/float64(n-1)
	}
	y := func(v float64) float64 {
		return chartHeight - chartMargin - (v-lo)*float64(chartHeight-2*chartMargin)/(hi-lo)
	}

	// Axes.
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		chartMargin, chartHeight-chartMargin, chartWidth-chartMargin, chartHeight-chartMargin)
	fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="black"/>`+"\n",
		chartMargin, chartMargin, chartMargin, chartHeight-chartMargin)
	for _, v := range []float64{lo, (lo + hi) / 2, hi} {
		fmt.Fprintf(&b, `<text x="%d" y="%.1f" font-family="sans-serif" font-size="11" text-anchor="end">$%.0f</text>`+"\n",
			chartMargin-6, y(v)+4, v)
	}
	for _, i := range []int{0, n / 2, n - 1} {
		fmt.Fprintf(&b, `<text x="%.1f" y="%d" font-family="sans-serif" font-size="11" text-anchor="middle">%s</text>`+"\n",
			x(i), chartHeight-chartMargin+18, res.Points[i].Date.Format(time.DateOnly))
	}

	polyline := func(series []float64, color, label string, row int) {
		b.WriteString(`<polyline fill="none" stroke="` + color + `" stroke-width="1.5" points="`)
		for i, v := range series {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%.1f,%.1f", x(i), y(v))
		}
		b.WriteString(`"/>` + "\n")
		ly := chartMargin + 16*row
		fmt.Fprintf(&b, `<line x1="%d" y1="%d" x2="%d" y2="%d" stroke="%s" stroke-width="2"/>`+"\n",
			chartMargin+10, ly, chartMargin+30, ly, color)
		fmt.Fprintf(&b, `<text x="%d" y="%d" font-family="sans-serif" font-size="12">%s</text>`+"\n",
			chartMargin+36, ly+4, escape(label))
	}
	polyline(values, "blue", res.Strategy, 0)
	polyline(market, "gray", "buy and hold "+res.Symbol, 1)

	b.WriteString("</svg>\n")
	return b.Bytes()
}

var svgEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")

func escape(s string) string { return svgEscaper.Replace(s) }
