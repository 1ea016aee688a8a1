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
var _ strategy.Strategy = (*EnhancedMACD)(nil)

// EnhancedMACDParams configures EnhancedMACD.
type EnhancedMACDParams struct {
	LookbackDays  int     `yaml:"lookback_days"`
	Quantity      int64   `yaml:"quantity"`
	Fast          int     `yaml:"fast"`
	Slow          int     `yaml:"slow"`
	Signal        int     `yaml:"signal"`
	RSIPeriod     int     `yaml:"rsi_period"`
	RSIOverbought float64 `yaml:"rsi_overbought"`
	RSIOversold   float64 `yaml:"rsi_oversold"`
	SMAPeriod     int     `yaml:"sma_period"`
}

// DefaultEnhancedMACDParams returns 12/26/9 MACD confirmed by RSI(14) 75/25
// and a 50-day SMA.
func DefaultEnhancedMACDParams() EnhancedMACDParams {
	return EnhancedMACDParams{
		LookbackDays:  180,
		Quantity:      100,
		Fast:          12,
		Slow:          26,
		Signal:        9,
		RSIPeriod:     14,
		RSIOverbought: 75,
		RSIOversold:   25,
		SMAPeriod:     50,
	}
}

// Validate checks the parameters.
func (p EnhancedMACDParams) Validate() error {
	err := errors.Join(
		validateMACD("enhanced_macd", p.LookbackDays, p.Quantity, p.Fast, p.Slow, p.Signal),
		positive("enhanced_macd.rsi_period", p.RSIPeriod),
		positive("enhanced_macd.sma_period", p.SMAPeriod),
	)
	if err == nil && p.RSIOversold >= p.RSIOverbought {
		err = fmt.Errorf("enhanced_macd.rsi_oversold (%v) must be below rsi_overbought (%v)", p.RSIOversold, p.RSIOverbought)
	}
	return err
}

// EnhancedMACD trades MACD crossovers that are confirmed by momentum or
// trend. An upward cross buys when RSI is below the overbought level or the
// price is above its SMA. A downward cross sells when RSI is above the
// oversold level or the price is below its SMA.
type EnhancedMACD struct {
	base
	macd, rsi, sma       study
	overbought, oversold float64
}

// NewEnhancedMACD creates a new EnhancedMACD strategy.
func NewEnhancedMACD(provider marketdata.Provider, lib indicator.Library, p EnhancedMACDParams) *EnhancedMACD {
	return &EnhancedMACD{
		base: base{
			name:   EnhancedMACDName,
			window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays},
			lib:    lib,
			qty:    p.Quantity,
		},
		macd:       macdStudy(p.Fast, p.Slow, p.Signal),
		rsi:        study{indicator.RSI, indicator.Params{"period": float64(p.RSIPeriod)}},
		sma:        study{indicator.SMA, indicator.Params{"period": float64(p.SMAPeriod)}},
		overbought: p.RSIOverbought,
		oversold:   p.RSIOversold,
	}
}

// Name returns "enhanced-macd".
func (s *EnhancedMACD) Name() string { return EnhancedMACDName }

// Decide evaluates the confirmed crossover on the window ending at date.
func (s *EnhancedMACD) Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error) {
	need, err := s.minBars(s.macd, s.rsi, s.sma)
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

	outs, err := s.compute(bars, s.macd, s.rsi, s.sma)
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
	rsi, err := last(outs[indicator.RSI], indicator.Value, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	sma, err := last(outs[indicator.SMA], indicator.Value, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}

	price := lastClose(bars)
	meta := map[string]float64{"macd": line.cur, "macd_signal": signal.cur, "rsi": rsi, "sma": sma}
	d := domain.Hold(symbol, price)

	switch {
	case strategy.CrossedAbove(line.prev, signal.prev, line.cur, signal.cur):
		confirmations := 0
		if rsi < s.overbought {
			confirmations++
		}
		if price > sma {
			confirmations++
		}
		meta["confirmations"] = float64(confirmations)
		if confirmations >= 1 && strategy.CanBuy(cash, price, s.qty) {
			d = domain.Decision{Symbol: symbol, Action: domain.ActionBuy, Price: price, Quantity: s.qty}
		}
	case strategy.CrossedBelow(line.prev, signal.prev, line.cur, signal.cur):
		if (rsi > s.oversold || price < sma) && strategy.CanSell(position, s.qty) {
			d = domain.Decision{Symbol: symbol, Action: domain.ActionSell, Price: price, Quantity: s.qty}
		}
	}
	d.Metadata = meta
	return d, nil
}
