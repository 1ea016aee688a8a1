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
var _ strategy.Strategy = (*MACDCross)(nil)

// MACDCrossParams configures MACDCross.
type MACDCrossParams struct {
	LookbackDays int   `yaml:"lookback_days"`
	Quantity     int64 `yaml:"quantity"`
	Fast         int   `yaml:"fast"`
	Slow         int   `yaml:"slow"`
	Signal       int   `yaml:"signal"`
}

// DefaultMACDCrossParams returns the classic 12/26/9 MACD trading 100 shares.
func DefaultMACDCrossParams() MACDCrossParams {
	return MACDCrossParams{LookbackDays: 180, Quantity: 100, Fast: 12, Slow: 26, Signal: 9}
}

// Validate checks the parameters.
func (p MACDCrossParams) Validate() error {
	return validateMACD("macd_cross", p.LookbackDays, p.Quantity, p.Fast, p.Slow, p.Signal)
}

func validateMACD(prefix string, lookback int, qty int64, fast, slow, signal int) error {
	err := errors.Join(
		positive(prefix+".lookback_days", lookback),
		positive(prefix+".quantity", int(qty)),
		positive(prefix+".fast", fast),
		positive(prefix+".slow", slow),
		positive(prefix+".signal", signal),
	)
	if err == nil && fast >= slow {
		err = errors.New(prefix + ".fast must be less than " + prefix + ".slow")
	}
	return err
}

func macdStudy(fast, slow, signal int) study {
	return study{indicator.MACD, indicator.Params{
		"fast":   float64(fast),
		"slow":   float64(slow),
		"signal": float64(signal),
	}}
}

// MACDCross buys when the MACD line crosses above its signal line and sells
// when it crosses below.
type MACDCross struct {
	base
	macd study
}

// NewMACDCross creates a new MACDCross strategy.
func NewMACDCross(provider marketdata.Provider, lib indicator.Library, p MACDCrossParams) *MACDCross {
	return &MACDCross{
		base: base{
			name:   MACDCrossName,
			window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays},
			lib:    lib,
			qty:    p.Quantity,
		},
		macd: macdStudy(p.Fast, p.Slow, p.Signal),
	}
}

// Name returns "macd-cross".
func (s *MACDCross) Name() string { return MACDCrossName }

// Decide evaluates the MACD/signal crossover on the window ending at date.
func (s *MACDCross) Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	need, err := s.minBars(s.macd)
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

	outs, err := s.compute(bars, s.macd)
	if err != nil {
		return domain.Decision{}, err
	}
	line, err := lastTwo(outs[indicator.MACD], indicator.Line, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	signal, err := lastTwo(outs[indicator.MACD], indicator.Signal, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}

	d := s.crossDecision(symbol, lastClose(bars), line, signal, position, cash)
	d.Metadata = map[string]float64{"macd": line.cur, "macd_signal": signal.cur}
	return d, nil
}
