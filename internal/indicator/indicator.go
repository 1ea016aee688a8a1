// Package indicator computes technical indicators over bar series. Every
// output series has the same length and index alignment as its input, with
// NaN at positions before the indicator's warm-up period.
package indicator

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"strategylab/internal/domain"
)

// Indicator names understood by Talib.
const (
	SMA        = "sma"
	EMA        = "ema"
	WMA        = "wma"
	HMA        = "hma"
	MACD       = "macd"
	RSI        = "rsi"
	Stoch      = "stoch"
	BBands     = "bbands"
	ATR        = "atr"
	ROC        = "roc"
	MFI        = "mfi"
	Volatility = "volatility"
	VolumeSMA  = "volume_sma"
)

// Output component keys.
const (
	Value  = "value"
	Line   = "macd"
	Signal = "signal"
	Hist   = "hist"
	K      = "k"
	D      = "d"
	J      = "j"
	Upper  = "upper"
	Middle = "middle"
	Lower  = "lower"
)

// Params are named numeric indicator parameters, e.g. {"period": 14}.
type Params map[string]float64

// Int returns the named parameter as an int, or def when absent.
func (p Params) Int(name string, def int) int {
	if v, ok := p[name]; ok {
		return int(v)
	}
	return def
}

// Float returns the named parameter, or def when absent.
func (p Params) Float(name string, def float64) float64 {
	if v, ok := p[name]; ok {
		return v
	}
	return def
}

// Output maps component keys to aligned series. Single-series indicators use
// the Value key.
type Output map[string][]float64

// Series returns the named component, or nil.
func (o Output) Series(key string) []float64 {
	return o[key]
}

// Last returns the trailing value of the named component. ok is false when
// the component is missing, empty, or not finite.
func (o Output) Last(key string) (float64, bool) {
	return o.At(key, len(o[key])-1)
}

// At returns the value of the named component at index i. ok is false when
// i is out of range or the value is not finite.
func (o Output) At(key string, i int) (float64, bool) {
	s := o[key]
	if i < 0 || i >= len(s) {
		return math.NaN(), false
	}
	v := s[i]
	return v, IsFinite(v)
}

// Library computes named indicators.
type Library interface {
	// Compute evaluates indicator name over bars with params.
	Compute(name string, bars []domain.Bar, params Params) (Output, error)

	// Warmup returns the index of the first defined output value for the
	// indicator, i.e. the number of leading NaNs.
	Warmup(name string, params Params) (int, error)
}

// IsFinite reports whether v is neither NaN nor infinite.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// ErrUnknownIndicator is returned for names the library does not implement.
type ErrUnknownIndicator struct {
	Name string
}

func (e ErrUnknownIndicator) Error() string {
	return fmt.Sprintf("unknown indicator %q (known: %s)", e.Name, strings.Join(Names(), ", "))
}

// Names lists the indicators Talib implements, sorted.
func Names() []string {
	names := []string{SMA, EMA, WMA, HMA, MACD, RSI, Stoch, BBands, ATR, ROC, MFI, Volatility, VolumeSMA}
	sort.Strings(names)
	return names
}

// nanSeries returns n NaNs.
func nanSeries(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

// maskWarmup copies in and replaces the first warmup entries with NaN.
func maskWarmup(in []float64, warmup int) []float64 {
	out := make([]float64, len(in))
	copy(out, in)
	for i := 0; i < warmup && i < len(out); i++ {
		out[i] = math.NaN()
	}
	return out
}
