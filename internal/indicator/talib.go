package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/montanaflynn/stats"

	"strategylab/internal/domain"
)

// Compile-time interface check.
var _ Library = (*Talib)(nil)

// Talib implements Library on top of go-talib. go-talib fills warm-up slots
// with zeros; Talib replaces them with NaN so callers can tell "not yet
// defined" apart from a genuine zero.
type Talib struct{}

// NewTalib returns a Talib library.
func NewTalib() *Talib { return &Talib{} }

// Warmup implements Library.
func (t *Talib) Warmup(name string, p Params) (int, error) {
	switch name {
	case SMA, EMA, WMA, BBands, VolumeSMA:
		return p.Int("period", 20) - 1, nil
	case HMA:
		n := p.Int("period", 50)
		return n - 1 + hmaRoot(n) - 1, nil
	case MACD:
		fast, slow := p.Int("fast", 12), p.Int("slow", 26)
		if slow < fast {
			slow = fast
		}
		return slow - 1 + p.Int("signal", 9) - 1, nil
	case RSI, ATR, ROC, MFI:
		return p.Int("period", 14), nil
	case Stoch:
		return p.Int("k", 14) - 1 + p.Int("smooth", 3) - 1 + p.Int("d", 3) - 1, nil
	case Volatility:
		return p.Int("window", 20), nil
	default:
		return 0, ErrUnknownIndicator{Name: name}
	}
}

// Compute implements Library. Inputs too short for the indicator produce
// all-NaN output rather than an error.
func (t *Talib) Compute(name string, bars []domain.Bar, p Params) (Output, error) {
	warmup, err := t.Warmup(name, p)
	if err != nil {
		return nil, err
	}
	if err := validatePeriods(name, p); err != nil {
		return nil, err
	}

	n := len(bars)
	if n <= warmup {
		return emptyOutput(name, n), nil
	}

	closes := domain.Closes(bars)

	switch name {
	case SMA:
		return Output{Value: maskWarmup(talib.Sma(closes, p.Int("period", 20)), warmup)}, nil

	case EMA:
		return Output{Value: maskWarmup(talib.Ema(closes, p.Int("period", 20)), warmup)}, nil

	case WMA:
		return Output{Value: maskWarmup(talib.Wma(closes, p.Int("period", 20)), warmup)}, nil

	case HMA:
		return Output{Value: hma(closes, p.Int("period", 50))}, nil

	case MACD:
		return macd(closes, p.Int("fast", 12), p.Int("slow", 26), p.Int("signal", 9)), nil

	case RSI:
		return Output{Value: maskWarmup(talib.Rsi(closes, p.Int("period", 14)), warmup)}, nil

	case Stoch:
		highs, lows := highsLows(bars)
		k, d := talib.Stoch(highs, lows, closes,
			p.Int("k", 14), p.Int("smooth", 3), talib.SMA, p.Int("d", 3), talib.SMA)
		k, d = maskWarmup(k, warmup), maskWarmup(d, warmup)
		j := make([]float64, n)
		for i := range j {
			j[i] = 3*k[i] - 2*d[i]
		}
		return Output{K: k, D: d, J: j}, nil

	case BBands:
		dev := p.Float("stddev", 2)
		upper, middle, lower := talib.BBands(closes, p.Int("period", 20), dev, dev, talib.SMA)
		return Output{
			Upper:  maskWarmup(upper, warmup),
			Middle: maskWarmup(middle, warmup),
			Lower:  maskWarmup(lower, warmup),
		}, nil

	case ATR:
		highs, lows := highsLows(bars)
		return Output{Value: maskWarmup(talib.Atr(highs, lows, closes, p.Int("period", 14)), warmup)}, nil

	case ROC:
		return Output{Value: maskWarmup(talib.Roc(closes, p.Int("period", 10)), warmup)}, nil

	case MFI:
		highs, lows := highsLows(bars)
		return Output{Value: maskWarmup(talib.Mfi(highs, lows, closes, volumes(bars), p.Int("period", 14)), warmup)}, nil

	case VolumeSMA:
		return Output{Value: maskWarmup(talib.Sma(volumes(bars), p.Int("period", 20)), warmup)}, nil

	case Volatility:
		return Output{Value: volatility(closes, p.Int("window", 20))}, nil
	}

	return nil, ErrUnknownIndicator{Name: name}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func validatePeriods(name string, p Params) error {
	for key, v := range p {
		if key == "stddev" {
			if v <= 0 || !IsFinite(v) {
				return fmt.Errorf("indicator %s: stddev must be positive, got %v", name, v)
			}
			continue
		}
		if v < 1 || v != math.Trunc(v) {
			return fmt.Errorf("indicator %s: %s must be a positive integer, got %v", name, key, v)
		}
	}
	if name == HMA && p.Int("period", 50) < 2 {
		return fmt.Errorf("indicator %s: period must be at least 2", name)
	}
	if name == Volatility && p.Int("window", 20) < 2 {
		return fmt.Errorf("indicator %s: window must be at least 2", name)
	}
	return nil
}

func emptyOutput(name string, n int) Output {
	switch name {
	case MACD:
		return Output{Line: nanSeries(n), Signal: nanSeries(n), Hist: nanSeries(n)}
	case Stoch:
		return Output{K: nanSeries(n), D: nanSeries(n), J: nanSeries(n)}
	case BBands:
		return Output{Upper: nanSeries(n), Middle: nanSeries(n), Lower: nanSeries(n)}
	default:
		return Output{Value: nanSeries(n)}
	}
}

func highsLows(bars []domain.Bar) ([]float64, []float64) {
	highs := make([]float64, len(bars))
	lows := make([]float64, len(bars))
	for i, b := range bars {
		highs[i] = b.High
		lows[i] = b.Low
	}
	return highs, lows
}

func volumes(bars []domain.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = float64(b.Volume)
	}
	return out
}

func hmaRoot(n int) int {
	r := int(math.Sqrt(float64(n)))
	if r < 1 {
		r = 1
	}
	return r
}

// hma computes the Hull moving average WMA(2*WMA(n/2) - WMA(n), sqrt(n)).
// The raw difference is only smoothed from its first defined index so the
// zero fill of the inner averages never leaks into the result.
func hma(closes []float64, n int) []float64 {
	out := nanSeries(len(closes))
	half := n / 2
	if half < 1 {
		half = 1
	}
	root := hmaRoot(n)

	wHalf := talib.Wma(closes, half)
	wFull := talib.Wma(closes, n)

	start := n - 1
	raw := make([]float64, len(closes)-start)
	for i := range raw {
		raw[i] = 2*wHalf[start+i] - wFull[start+i]
	}
	if len(raw) < root {
		return out
	}
	smoothed := talib.Wma(raw, root)
	for i := root - 1; i < len(raw); i++ {
		out[start+i] = smoothed[i]
	}
	return out
}

// macd builds the MACD line from two EMAs and smooths it into the signal
// line starting at the first defined MACD value. talib.Macd seeds its signal
// EMA with the zero-filled warm-up region, which biases early signals.
func macd(closes []float64, fast, slow, signal int) Output {
	if slow < fast {
		fast, slow = slow, fast
	}
	n := len(closes)
	line, sig, hist := nanSeries(n), nanSeries(n), nanSeries(n)

	emaFast := talib.Ema(closes, fast)
	emaSlow := talib.Ema(closes, slow)
	start := slow - 1
	defined := make([]float64, n-start)
	for i := range defined {
		defined[i] = emaFast[start+i] - emaSlow[start+i]
		line[start+i] = defined[i]
	}
	if len(defined) < signal {
		return Output{Line: line, Signal: sig, Hist: hist}
	}
	smoothed := talib.Ema(defined, signal)
	for i := signal - 1; i < len(defined); i++ {
		sig[start+i] = smoothed[i]
		hist[start+i] = defined[i] - smoothed[i]
	}
	// The line is reported from the same index as the signal so that every
	// component shares one warm-up.
	for i := 0; i < start+signal-1 && i < n; i++ {
		line[i] = math.NaN()
	}
	return Output{Line: line, Signal: sig, Hist: hist}
}

// volatility is the rolling sample standard deviation of daily percentage
// changes over window observations.
func volatility(closes []float64, window int) []float64 {
	out := nanSeries(len(closes))
	if len(closes) < 2 {
		return out
	}
	changes := make([]float64, len(closes))
	changes[0] = math.NaN()
	for i := 1; i < len(closes); i++ {
		if closes[i-1] == 0 {
			changes[i] = math.NaN()
			continue
		}
		changes[i] = closes[i]/closes[i-1] - 1
	}
	for i := window; i < len(closes); i++ {
		sd, err := stats.StandardDeviationSample(changes[i-window+1 : i+1])
		if err != nil {
			continue
		}
		out[i] = sd
	}
	return out
}
