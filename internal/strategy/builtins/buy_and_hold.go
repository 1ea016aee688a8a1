package builtins

import (
	"context"
	"math"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/marketdata"
	"strategylab/internal/strategy"
)

// Compile-time interface check.
var _ strategy.Strategy = (*BuyAndHold)(nil)

// BuyAndHoldParams configures BuyAndHold.
type BuyAndHoldParams struct {
	LookbackDays int `yaml:"lookback_days"`
}

// DefaultBuyAndHoldParams looks back five days, enough to find the decision
// day's bar across a weekend.
func DefaultBuyAndHoldParams() BuyAndHoldParams {
	return BuyAndHoldParams{LookbackDays: 5}
}

// Validate checks the parameters.
func (p BuyAndHoldParams) Validate() error {
	return positive("buy_and_hold.lookback_days", p.LookbackDays)
}

// BuyAndHold spends all available cash on the first period it can afford at
// least one share, then holds forever. It is the benchmark the other
// strategies are compared against.
type BuyAndHold struct {
	window strategy.Window
	bought bool
}

// NewBuyAndHold creates a BuyAndHold strategy reading prices from provider.
func NewBuyAndHold(provider marketdata.Provider, p BuyAndHoldParams) *BuyAndHold {
	return &BuyAndHold{window: strategy.Window{Provider: provider, LookbackDays: p.LookbackDays}}
}

// Name returns "buy-and-hold".
func (s *BuyAndHold) Name() string { return BuyAndHoldName }

// Decide buys floor(cash/price) shares on the first affordable day.
func (s *BuyAndHold) Decide(ctx context.Context, symbol string, date time.Time, _ int64, cash float64) (domain.Decision, error) {
	bars, err := s.window.Bars(ctx, symbol, date)
	if err != nil {
		return domain.Decision{}, err
	}
	price := lastClose(bars)

	if !s.bought && price > 0 && cash > price {
		shares := int64(math.Floor(cash / price))
		if shares > 0 {
			s.bought = true
			return domain.Decision{Symbol: symbol, Action: domain.ActionBuy, Price: price, Quantity: shares}, nil
		}
	}
	return domain.Hold(symbol, price), nil
}
