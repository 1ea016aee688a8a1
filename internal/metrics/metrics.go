// Package metrics scores a simulation: Sharpe ratio, maximum drawdown, beta,
// alpha, win rate and profit factor over the return series a backtest
// produces. Every function is pure; a Record is recomputed whenever it is
// needed and never cached.
package metrics

import (
	"log/slog"
	"math"
	"time"

	"github.com/montanaflynn/stats"

	"strategylab/internal/domain"
)

// TradingDaysPerYear annualizes daily figures.
const TradingDaysPerYear = 252

// DefaultRiskFreeRate is the annual risk-free rate used when none is set.
const DefaultRiskFreeRate = 0.02

// Record is the scalar summary of one simulation.
type Record struct {
	SharpeRatio         float64
	MaxDrawdown         float64
	MaxDrawdownDuration int
	Beta                float64
	Alpha               float64
	WinRate             float64
	// ProfitFactor is +Inf when there were no losing periods.
	ProfitFactor float64
	TotalReturn  float64
	Periods      int
}

// Series is the subset of a simulation result the metrics are computed from.
type Series struct {
	Points          []domain.Point
	StrategyReturns []domain.Return
	MarketReturns   []domain.Return
	InitialCash     float64
}

// Compute builds a Record from s. Strategy and market returns are aligned by
// date before beta and alpha; dropped entries are logged at warn level.
func Compute(s Series, annualRF float64, logger *slog.Logger) Record {
	if logger == nil {
		logger = slog.Default()
	}

	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.Value
	}

	strat, market := Align(s.StrategyReturns, s.MarketReturns)
	if dropped := len(s.StrategyReturns) + len(s.MarketReturns) - 2*len(strat); dropped > 0 {
		logger.Warn("return series truncated to common dates",
			"strategy", len(s.StrategyReturns),
			"market", len(s.MarketReturns),
			"aligned", len(strat),
		)
	}

	returns := domain.ReturnValues(s.StrategyReturns)
	dd, dur := MaxDrawdown(values)

	r := Record{
		SharpeRatio:         SharpeRatio(returns, annualRF),
		MaxDrawdown:         dd,
		MaxDrawdownDuration: dur,
		Beta:                Beta(strat, market),
		Alpha:               Alpha(strat, market, annualRF),
		WinRate:             WinRate(returns),
		ProfitFactor:        ProfitFactor(returns),
		Periods:             len(s.Points),
	}
	if n := len(values); n > 0 && s.InitialCash > 0 {
		r.TotalReturn = (values[n-1] - s.InitialCash) / s.InitialCash
	}
	return r
}

// Align inner-joins two dated return series on calendar date and returns the
// matched values in the order of a. Both inputs must be ordered by date.
func Align(a, b []domain.Return) ([]float64, []float64) {
	outA := make([]float64, 0, min(len(a), len(b)))
	outB := make([]float64, 0, min(len(a), len(b)))
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		da, db := day(a[i].Date), day(b[j].Date)
		switch {
		case da.Equal(db):
			outA = append(outA, a[i].Value)
			outB = append(outB, b[j].Value)
			i++
			j++
		case da.Before(db):
			i++
		default:
			j++
		}
	}
	return outA, outB
}

func day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// SharpeRatio is the annualized Sharpe ratio of daily returns against an
// annual risk-free rate. It is 0 when the excess returns have no dispersion,
// including series shorter than two.
func SharpeRatio(returns []float64, annualRF float64) float64 {
	if len(returns) < 2 || constant(returns) {
		return 0
	}
	dailyRF := annualRF / TradingDaysPerYear
	excess := make([]float64, len(returns))
	for i, r := range returns {
		excess[i] = r - dailyRF
	}
	std, err := stats.StandardDeviationSample(excess)
	if err != nil || std == 0 || math.IsNaN(std) {
		return 0
	}
	mean, err := stats.Mean(excess)
	if err != nil {
		return 0
	}
	return math.Sqrt(TradingDaysPerYear) * mean / std
}

// constant reports whether every value equals the first. Floating point
// noise in the mean would otherwise give a tiny non-zero deviation.
func constant(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

// MaxDrawdown scans values once, tracking the running peak. It returns the
// largest fractional decline from a peak and the number of periods between
// that peak and the trough where the decline was measured.
func MaxDrawdown(values []float64) (float64, int) {
	if len(values) == 0 {
		return 0, 0
	}
	peak, peakIdx := values[0], 0
	maxDD, maxDur := 0.0, 0
	for i, v := range values {
		if v > peak {
			peak, peakIdx = v, i
			continue
		}
		if peak <= 0 {
			continue
		}
		if dd := (peak - v) / peak; dd > maxDD {
			maxDD, maxDur = dd, i-peakIdx
		}
	}
	return maxDD, maxDur
}

// Beta is the sample covariance of strategy and market returns over the
// population variance of market returns; a series against itself scores
// n/(n-1), not 1. It is 1 when the market has no variance or there are fewer
// than two paired points.
func Beta(strategy, market []float64) float64 {
	n := min(len(strategy), len(market))
	if n < 2 {
		return 1
	}
	strategy, market = strategy[:n], market[:n]
	variance, err := stats.PopulationVariance(market)
	if err != nil || variance == 0 || constant(market) {
		return 1
	}
	cov, err := stats.Covariance(strategy, market)
	if err != nil {
		return 1
	}
	return cov / variance
}

// Alpha is the annualized CAPM residual of the strategy over the market.
func Alpha(strategy, market []float64, annualRF float64) float64 {
	n := min(len(strategy), len(market))
	if n == 0 {
		return 0
	}
	strategy, market = strategy[:n], market[:n]
	beta := Beta(strategy, market)
	ms, _ := stats.Mean(strategy)
	mm, _ := stats.Mean(market)
	return ms*TradingDaysPerYear - (annualRF + beta*(mm*TradingDaysPerYear-annualRF))
}

// WinRate is the fraction of returns strictly above zero, or 0 when there
// are none.
func WinRate(returns []float64) float64 {
	if len(returns) == 0 {
		return 0
	}
	wins := 0
	for _, r := range returns {
		if r > 0 {
			wins++
		}
	}
	return float64(wins) / float64(len(returns))
}

// ProfitFactor is gross gains over gross losses. It is +Inf when no return
// is negative.
func ProfitFactor(returns []float64) float64 {
	var gains, losses float64
	for _, r := range returns {
		switch {
		case r > 0:
			gains += r
		case r < 0:
			losses -= r
		}
	}
	if losses == 0 {
		return math.Inf(1)
	}
	return gains / losses
}
