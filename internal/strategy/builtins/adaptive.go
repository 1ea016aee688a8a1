package builtins

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/indicator"
	"strategylab/internal/marketdata"
	"strategylab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*Adaptive)(nil)

// AdaptiveParams configures Adaptive.
type AdaptiveParams struct {
	LookbackDays       int     `yaml:"lookback_days"`
	Quantity           int64   `yaml:"quantity"`
	VolatilityWindow   int     `yaml:"volatility_window"`
	BollingerLength    int     `yaml:"bollinger_length"`
	BollingerStd       float64 `yaml:"bollinger_std"`
	VolumeMAPeriod     int     `yaml:"volume_ma_period"`
	VolumeSurge        float64 `yaml:"volume_surge"`
	RSIPeriod          int     `yaml:"rsi_period"`
	RSIOverbought      float64 `yaml:"rsi_overbought"`
	RSIOversold        float64 `yaml:"rsi_oversold"`
	RSIShift           float64 `yaml:"rsi_shift"`
	ATRPeriod          int     `yaml:"atr_period"`
	RegimePeriod       int     `yaml:"regime_period"`
	ROCPeriod          int     `yaml:"roc_period"`
	MFIPeriod          int     `yaml:"mfi_period"`
	MFIOverbought      float64 `yaml:"mfi_overbought"`
	MFIOversold        float64 `yaml:"mfi_oversold"`
	VolatilityQuantile float64 `yaml:"volatility_quantile"`
	SignalStrength     float64 `yaml:"signal_strength"`
}

// DefaultAdaptiveParams returns the stock regime-adaptive configuration.
func DefaultAdaptiveParams() AdaptiveParams {
	return AdaptiveParams{
		LookbackDays:       180,
		Quantity:           100,
		VolatilityWindow:   20,
		BollingerLength:    20,
		BollingerStd:       2.0,
		VolumeMAPeriod:     20,
		VolumeSurge:        1.5,
		RSIPeriod:          14,
		RSIOverbought:      70,
		RSIOversold:        30,
		RSIShift:           5,
		ATRPeriod:          14,
		RegimePeriod:       50,
		ROCPeriod:          10,
		MFIPeriod:          14,
		MFIOverbought:      70,
		MFIOversold:        30,
		VolatilityQuantile: 0.7,
		SignalStrength:     0.6,
	}
}

// Validate checks the parameters.
func (p AdaptiveParams) Validate() error {
	err := errors.Join(
		positive("adaptive.lookback_days", p.LookbackDays),
		positive("adaptive.quantity", int(p.Quantity)),
		positive("adaptive.bollinger_length", p.BollingerLength),
		positive("adaptive.volume_ma_period", p.VolumeMAPeriod),
		positive("adaptive.rsi_period", p.RSIPeriod),
		positive("adaptive.atr_period", p.ATRPeriod),
		positive("adaptive.roc_period", p.ROCPeriod),
		positive("adaptive.mfi_period", p.MFIPeriod),
	)
	if p.VolatilityWindow < 2 {
		err = errors.Join(err, fmt.Errorf("adaptive.volatility_window must be at least 2, got %d", p.VolatilityWindow))
	}
	if p.RegimePeriod < 2 {
		err = errors.Join(err, fmt.Errorf("adaptive.regime_period must be at least 2, got %d", p.RegimePeriod))
	}
	if p.BollingerStd <= 0 {
		err = errors.Join(err, fmt.Errorf("adaptive.bollinger_std must be positive, got %v", p.BollingerStd))
	}
	if p.VolatilityQuantile <= 0 || p.VolatilityQuantile >= 1 {
		err = errors.Join(err, fmt.Errorf("adaptive.volatility_quantile must be in (0, 1), got %v", p.VolatilityQuantile))
	}
	if p.SignalStrength <= 0 || p.SignalStrength > 1 {
		err = errors.Join(err, fmt.Errorf("adaptive.signal_strength must be in (0, 1], got %v", p.SignalStrength))
	}
	return err
}

// Regime classifies the market by trend and volatility.
type Regime struct {
	Uptrend        bool
	HighVolatility bool
}

func (r Regime) String() string {
	trend, vol := "downtrend", "low"
	if r.Uptrend {
		trend = "uptrend"
	}
	if r.HighVolatility {
		vol = "high"
	}
	return trend + "_" + vol
}

// Adaptive is a composite mean-reversion strategy whose RSI thresholds adapt
// to the market regime.
//
// The trend is up when the close is above the Hull moving average; volatility
// is high when the current rolling volatility exceeds its quantile over the
// window. A calm uptrend raises both RSI thresholds by RSIShift and a
// volatile downtrend lowers them. Five buy and five sell conditions are then
// scored (Bollinger band breach, RSI, volume surge, MFI, rate of change) and
// the strategy trades when the winning side reaches SignalStrength.
type Adaptive struct {
	base
	p AdaptiveParams

	bbands, rsi, atr, volumeMA, hma, roc, mfi, vol study
}

// NewAdaptive creates a new Adaptive strategy.
func NewAdaptive(provider marketdata.Provider, lib indicator.Library, p AdaptiveParams) *Adaptive {
	period := func(n int) indicator.Params { return indicator.Params{"period": float64(n)} }
	return &Adaptive{
		base: base{
			name:   AdaptiveName,
			window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays},
			lib:    lib,
			qty:    p.Quantity,
		},
		p: p,
		bbands: study{indicator.BBands, indicator.Params{
			"period": float64(p.BollingerLength),
			"stddev": p.BollingerStd,
		}},
		rsi:      study{indicator.RSI, period(p.RSIPeriod)},
		atr:      study{indicator.ATR, period(p.ATRPeriod)},
		volumeMA: study{indicator.VolumeSMA, period(p.VolumeMAPeriod)},
		hma:      study{indicator.HMA, period(p.RegimePeriod)},
		roc:      study{indicator.ROC, period(p.ROCPeriod)},
		mfi:      study{indicator.MFI, period(p.MFIPeriod)},
		vol:      study{indicator.Volatility, indicator.Params{"window": float64(p.VolatilityWindow)}},
	}
}

// Name returns "adaptive".
func (s *Adaptive) Name() string { return AdaptiveName }

func (s *Adaptive) studies() []study {
	return []study{s.bbands, s.rsi, s.atr, s.volumeMA, s.hma, s.roc, s.mfi, s.vol}
}

// Decide scores the buy and sell conditions on the window ending at date.
func (s *Adaptive) Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	studies := s.studies()
	need, err := s.minBars(studies...)
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

	outs, err := s.compute(bars, studies...)
	if err != nil {
		return domain.Decision{}, err
	}

	values := make(map[string]float64, 9)
	for _, v := range []struct{ key, name, component string }{
		{"bb_upper", indicator.BBands, indicator.Upper},
		{"bb_lower", indicator.BBands, indicator.Lower},
		{"rsi", indicator.RSI, indicator.Value},
		{"atr", indicator.ATR, indicator.Value},
		{"volume_ma", indicator.VolumeSMA, indicator.Value},
		{"hma", indicator.HMA, indicator.Value},
		{"roc", indicator.ROC, indicator.Value},
		{"mfi", indicator.MFI, indicator.Value},
		{"volatility", indicator.Volatility, indicator.Value},
	} {
		x, err := last(outs[v.name], v.component, symbol, date)
		if err != nil {
			return domain.Decision{}, err
		}
		values[v.key] = x
	}

	current := bars[len(bars)-1]
	price := current.Close

	regime := Regime{
		Uptrend:        price > values["hma"],
		HighVolatility: values["volatility"] > quantile(outs[indicator.Volatility].Series(indicator.Value), s.p.VolatilityQuantile),
	}
	overbought, oversold := s.p.RSIOverbought, s.p.RSIOversold
	switch {
	case regime.Uptrend && !regime.HighVolatility:
		overbought += s.p.RSIShift
		oversold += s.p.RSIShift
	case !regime.Uptrend && regime.HighVolatility:
		overbought -= s.p.RSIShift
		oversold -= s.p.RSIShift
	}

	volumeSurge := float64(current.Volume) > values["volume_ma"]*s.p.VolumeSurge
	buy := strength(
		price < values["bb_lower"],
		values["rsi"] < oversold,
		volumeSurge,
		values["mfi"] < s.p.MFIOversold,
		values["roc"] > 0,
	)
	sell := strength(
		price > values["bb_upper"],
		values["rsi"] > overbought,
		volumeSurge,
		values["mfi"] > s.p.MFIOverbought,
		values["roc"] < 0,
	)

	values["buy_strength"] = buy
	values["sell_strength"] = sell
	values["rsi_overbought"] = overbought
	values["rsi_oversold"] = oversold

	d := domain.Hold(symbol, price)
	switch {
	case buy >= s.p.SignalStrength && strategy.CanBuy(cash, price, s.qty):
		d = domain.Decision{Symbol: symbol, Action: domain.ActionBuy, Price: price, Quantity: s.qty}
	case sell >= s.p.SignalStrength && strategy.CanSell(position, s.qty):
		d = domain.Decision{Symbol: symbol, Action: domain.ActionSell, Price: price, Quantity: s.qty}
	}
	d.Metadata = values
	return d, nil
}

// strength is the fraction of conditions that hold.
func strength(conds ...bool) float64 {
	n := 0
	for _, c := range conds {
		if c {
			n++
		}
	}
	return float64(n) / float64(len(conds))
}

// quantile returns the q-quantile of the finite values in xs using linear
// interpolation between closest ranks. It returns NaN when xs has no finite
// values.
func quantile(xs []float64, q float64) float64 {
	vals := make([]float64, 0, len(xs))
	for _, x := range xs {
		if indicator.IsFinite(x) {
			vals = append(vals, x)
		}
	}
	if len(vals) == 0 {
		return math.NaN()
	}
	sort.Float64s(vals)
	h := float64(len(vals)-1) * q
	lo := int(math.Floor(h))
	hi := int(math.Ceil(h))
	return vals[lo] + (h-float64(lo))*(vals[hi]-vals[lo])
}
