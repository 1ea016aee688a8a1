package builtins

import (
	"context"
	"errors"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/indicator"
	"strategylab/internal/marketdata"
	"strategylab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*KDJCross)(nil)

// KDJCrossParams configures KDJCross.
type KDJCrossParams struct {
	LookbackDays int   `yaml:"lookback_days"`
	Quantity     int64 `yaml:"quantity"`
	K            int   `yaml:"k"`
	D            int   `yaml:"d"`
	Smooth       int   `yaml:"smooth"`
}

// DefaultKDJCrossParams returns a 14/3/3 stochastic trading 100 shares.
func DefaultKDJCrossParams() KDJCrossParams {
	return KDJCrossParams{LookbackDays: 180, Quantity: 100, K: 14, D: 3, Smooth: 3}
}

// Validate checks the parameters.
func (p KDJCrossParams) Validate() error {
	return errors.Join(
		positive("kdj_cross.lookback_days", p.LookbackDays),
		positive("kdj_cross.quantity", int(p.Quantity)),
		positive("kdj_cross.k", p.K),
		positive("kdj_cross.d", p.D),
		positive("kdj_cross.smooth", p.Smooth),
	)
}

// KDJCross trades the slow stochastic: BUY when %K crosses above %D, SELL
// when it crosses below. The J line (3K - 2D) is reported but not traded.
type KDJCross struct {
	base
	stoch study
}

// NewKDJCross creates a new KDJCross strategy.
func NewKDJCross(provider marketdata.Provider, lib indicator.Library, p KDJCrossParams) *KDJCross {
	return &KDJCross{
		base: base{
			name:   KDJCrossName,
			window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays},
			lib:    lib,
			qty:    p.Quantity,
		},
		stoch: study{indicator.Stoch, indicator.Params{
			"k":      float64(p.K),
			"d":      float64(p.D),
			"smooth": float64(p.Smooth),
		}},
	}
}

// Name returns "kdj-cross".
func (s *KDJCross) Name() string { return KDJCrossName }

// Decide evaluates the %K/%D crossover on the window ending at date.
func (s *KDJCross) Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	need, err := s.minBars(s.stoch)
	if err != nil {
		return domain.Decision{}, err
	}
	bars, err := s.history(ctx, symbol, date, need)
	if errors.Is(err, domain.ErrInsufficientData) {
		return domain.Hold(symbol, lastClose(bars)), nil
	}
	if err != nil {
		return domain.Decision{}, err
	}

	outs, err := s.compute(bars, s.stoch)
	if err != nil {
		return domain.Decision{}, err
	}
	out := outs[indicator.Stoch]
	k, err := lastTwo(out, indicator.K, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	d, err := lastTwo(out, indicator.D, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	j, err := last(out, indicator.J, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}

	dec := s.crossDecision(symbol, lastClose(bars), k, d, position, cash)
	dec.Metadata = map[string]float64{"k": k.cur, "d": d.cur, "j": j}
	return dec, nil
}
