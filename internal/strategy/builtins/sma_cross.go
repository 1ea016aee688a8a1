package builtins

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/indicator"
	"strategylab/internal/marketdata"
	"strategylab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*SMACross)(nil)

// SMACrossParams configures SMACross.
type SMACrossParams struct {
	LookbackDays int   `yaml:"lookback_days"`
	Quantity     int64 `yaml:"quantity"`
	Short        int   `yaml:"short"`
	Long         int   `yaml:"long"`
}

// DefaultSMACrossParams returns a 5/20 crossover trading 300 shares.
func DefaultSMACrossParams() SMACrossParams {
	return SMACrossParams{LookbackDays: 180, Quantity: 300, Short: 5, Long: 20}
}

// Validate checks the parameters.
func (p SMACrossParams) Validate() error {
	err := errors.Join(
		positive("sma_cross.lookback_days", p.LookbackDays),
		positive("sma_cross.quantity", int(p.Quantity)),
		positive("sma_cross.short", p.Short),
		positive("sma_cross.long", p.Long),
	)
	if err == nil && p.Short >= p.Long {
		err = fmt.Errorf("sma_cross.short (%d) must be less than sma_cross.long (%d)", p.Short, p.Long)
	}
	return err
}

// SMACross implements a simple moving average crossover strategy. It buys
// when the short-period SMA crosses above the long-period SMA and sells when
// it crosses below.
type SMACross struct {
	base
	short, long study
}

// NewSMACross creates a new SMACross strategy.
func NewSMACross(provider marketdata.Provider, lib indicator.Library, p SMACrossParams) *SMACross {
	return &SMACross{
		base: base{
			name:   SMACrossName,
			window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays},
			lib:    lib,
			qty:    p.Quantity,
		},
		short: study{indicator.SMA, indicator.Params{"period": float64(p.Short)}},
		long:  study{indicator.SMA, indicator.Params{"period": float64(p.Long)}},
	}
}

// Name returns "sma-cross".
func (s *SMACross) Name() string { return SMACrossName }

// Decide evaluates the crossover on the window ending at date.
func (s *SMACross) Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	need, err := s.minBars(s.short, s.long)
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

	// Both averages share the SMA name, so compute them separately.
	shortOut, err := s.lib.Compute(s.short.name, bars, s.short.params)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%s: short sma: %w", s.name, err)
	}
	longOut, err := s.lib.Compute(s.long.name, bars, s.long.params)
	if err != nil {
		return domain.Decision{}, fmt.Errorf("%s: long sma: %w", s.name, err)
	}

	short, err := lastTwo(shortOut, indicator.Value, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	long, err := lastTwo(longOut, indicator.Value, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}

	d := s.crossDecision(symbol, lastClose(bars), short, long, position, cash)
	d.Metadata = map[string]float64{"sma_short": short.cur, "sma_long": long.cur}
	return d, nil
}
