// Package builtins provides the strategy implementations that ship with
// strategylab: buy-and-hold, three indicator crossovers, an RSI/SMA
// confirmed MACD and a regime-adaptive composite.
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

// Strategy names.
const (
	BuyAndHoldName   = "buy-and-hold"
	SMACrossName     = "sma-cross"
	MACDCrossName    = "macd-cross"
	KDJCrossName     = "kdj-cross"
	EnhancedMACDName = "enhanced-macd"
	AdaptiveName     = "adaptive"
)

// Params collects the tunables of every builtin strategy. The yaml tags let
// the config package embed it directly.
type Params struct {
	BuyAndHold   BuyAndHoldParams   `yaml:"buy_and_hold"`
	SMACross     SMACrossParams     `yaml:"sma_cross"`
	MACDCross    MACDCrossParams    `yaml:"macd_cross"`
	KDJCross     KDJCrossParams     `yaml:"kdj_cross"`
	EnhancedMACD EnhancedMACDParams `yaml:"enhanced_macd"`
	Adaptive     AdaptiveParams     `yaml:"adaptive"`
}

// DefaultParams returns the stock parameters for every builtin.
func DefaultParams() Params {
	return Params{
		BuyAndHold:   DefaultBuyAndHoldParams(),
		SMACross:     DefaultSMACrossParams(),
		MACDCross:    DefaultMACDCrossParams(),
		KDJCross:     DefaultKDJCrossParams(),
		EnhancedMACD: DefaultEnhancedMACDParams(),
		Adaptive:     DefaultAdaptiveParams(),
	}
}

// Validate checks every strategy's parameters.
func (p Params) Validate() error {
	return errors.Join(
		p.BuyAndHold.Validate(),
		p.SMACross.Validate(),
		p.MACDCross.Validate(),
		p.KDJCross.Validate(),
		p.EnhancedMACD.Validate(),
		p.Adaptive.Validate(),
	)
}

// Register adds a factory for every builtin to reg. Each factory call builds
// an independent instance bound to provider and lib.
func Register(reg *strategy.Registry, provider marketdata.Provider, lib indicator.Library, p Params) {
	reg.Register(BuyAndHoldName, func() strategy.Strategy { return NewBuyAndHold(provider, p.BuyAndHold) })
	reg.Register(SMACrossName, func() strategy.Strategy { return NewSMACross(provider, lib, p.SMACross) })
	reg.Register(MACDCrossName, func() strategy.Strategy { return NewMACDCross(provider, lib, p.MACDCross) })
	reg.Register(KDJCrossName, func() strategy.Strategy { return NewKDJCross(provider, lib, p.KDJCross) })
	reg.Register(EnhancedMACDName, func() strategy.Strategy { return NewEnhancedMACD(provider, lib, p.EnhancedMACD) })
	reg.Register(AdaptiveName, func() strategy.Strategy { return NewAdaptive(provider, lib, p.Adaptive) })
}

// ---------------------------------------------------------------------------
// Shared plumbing
// ---------------------------------------------------------------------------

// base carries what every indicator strategy needs: its history window, the
// indicator library and the fixed trade size.
type base struct {
	name   string
	window strategy.Window
	lib    indicator.Library
	qty    int64
}

// study names one indicator computation a strategy depends on.
type study struct {
	name   string
	params indicator.Params
}

// minBars is the shortest window on which every indicator in studies has both
// a current and a previous value.
func (b *base) minBars(studies ...study) (int, error) {
	most := 0
	for _, s := range studies {
		w, err := b.lib.Warmup(s.name, s.params)
		if err != nil {
			return 0, fmt.Errorf("%s: %w", b.name, err)
		}
		most = max(most, w)
	}
	return most + 2, nil
}

// history loads the decision window. When it is shorter than need it returns
// the bars together with domain.ErrInsufficientData so the caller can HOLD
// at the last close.
func (b *base) history(ctx context.Context, symbol string, date time.Time, need int) ([]domain.Bar, error) {
	bars, err := b.window.Bars(ctx, symbol, date)
	if err != nil {
		return nil, err
	}
	if len(bars) < need {
		return bars, fmt.Errorf("%w: %s has %d bars, %s needs %d",
			domain.ErrInsufficientData, symbol, len(bars), b.name, need)
	}
	return bars, nil
}

// compute evaluates every study over bars, keyed by indicator name.
func (b *base) compute(bars []domain.Bar, studies ...study) (map[string]indicator.Output, error) {
	out := make(map[string]indicator.Output, len(studies))
	for _, s := range studies {
		o, err := b.lib.Compute(s.name, bars, s.params)
		if err != nil {
			return nil, fmt.Errorf("%s: computing %s: %w", b.name, s.name, err)
		}
		out[s.name] = o
	}
	return out, nil
}

// trailing holds the current and previous values of one indicator component.
type trailing struct {
	cur, prev float64
}

// lastTwo returns the last two values of out[key]. A non-finite value on a
// window that passed the length check means the data itself is bad, which
// is reported as domain.ErrDataUnavailable.
func lastTwo(out indicator.Output, key, symbol string, date time.Time) (trailing, error) {
	s := out.Series(key)
	n := len(s)
	cur, okCur := out.At(key, n-1)
	prev, okPrev := out.At(key, n-2)
	if !okCur || !okPrev {
		return trailing{}, notFinite(key, symbol, date)
	}
	return trailing{cur: cur, prev: prev}, nil
}

// last returns the trailing value of out[key] under the same rule as lastTwo.
func last(out indicator.Output, key, symbol string, date time.Time) (float64, error) {
	v, ok := out.Last(key)
	if !ok {
		return 0, notFinite(key, symbol, date)
	}
	return v, nil
}

func notFinite(key, symbol string, date time.Time) error {
	return fmt.Errorf("%w: %s: %s is not finite on %s",
		domain.ErrDataUnavailable, symbol, key, date.Format("2006-01-02"))
}

// crossDecision turns a line/signal crossing into BUY, SELL or HOLD subject
// to affordability.
func (b *base) crossDecision(symbol string, price float64, line, signal trailing, position int64, cash float64) domain.Decision {
	switch {
	case strategy.CrossedAbove(line.prev, signal.prev, line.cur, signal.cur) && strategy.CanBuy(cash, price, b.qty):
		return domain.Decision{Symbol: symbol, Action: domain.ActionBuy, Price: price, Quantity: b.qty}
	case strategy.CrossedBelow(line.prev, signal.prev, line.cur, signal.cur) && strategy.CanSell(position, b.qty):
		return domain.Decision{Symbol: symbol, Action: domain.ActionSell, Price: price, Quantity: b.qty}
	default:
		return domain.Hold(symbol, price)
	}
}

func lastClose(bars []domain.Bar) float64 {
	if len(bars) == 0 {
		return 0
	}
	return bars[len(bars)-1].Close
}

func positive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	return nil
}
