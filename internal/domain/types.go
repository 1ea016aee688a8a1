// Package domain holds the core value types shared across strategylab:
// price bars, strategy decisions, orders, account snapshots, and the
// time series a backtest produces.
package domain

import (
	"fmt"
	"time"
)

// Market identifies the exchange group a symbol trades on.
type Market string

const (
	MarketUS Market = "us"
	MarketCN Market = "cn"
)

// Bar is one period's OHLCV record. Bars within a series have strictly
// increasing timestamps.
type Bar struct {
	Symbol     string
	Timestamp  time.Time
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     int64
	TradeCount int64
	VWAP       float64
}

// Action is the trade a strategy wants to take for one period.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Decision is the value a strategy returns for a single period.
type Decision struct {
	Symbol   string
	Action   Action
	Price    float64
	Quantity int64
	// Metadata carries indicator readings behind the decision (for logs and
	// reports only; the engine never reads it).
	Metadata map[string]float64
}

// Hold returns a HOLD decision at the given reference price.
func Hold(symbol string, price float64) Decision {
	return Decision{Symbol: symbol, Action: ActionHold, Price: price}
}

// Validate reports whether the decision is well formed.
func (d Decision) Validate() error {
	switch d.Action {
	case ActionBuy, ActionSell:
		if d.Quantity < 0 {
			return fmt.Errorf("%s quantity %d is negative", d.Action, d.Quantity)
		}
	case ActionHold:
		if d.Quantity != 0 {
			return fmt.Errorf("HOLD with quantity %d", d.Quantity)
		}
	default:
		return fmt.Errorf("unknown action %q", d.Action)
	}
	if !(d.Price > 0) {
		return fmt.Errorf("reference price %v is not positive", d.Price)
	}
	return nil
}

// OrderSide is the direction of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusNew      OrderStatus = "new"
	OrderStatusFilled   OrderStatus = "filled"
	OrderStatusRejected OrderStatus = "rejected"
)

// Order is a request to trade a whole number of shares at a fixed price.
type Order struct {
	ID             string
	Symbol         string
	Side           OrderSide
	Qty            int64
	Price          float64
	Status         OrderStatus
	RejectReason   string
	FilledQty      int64
	FilledAvgPrice float64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// AccountInfo is a snapshot of a single-symbol portfolio.
type AccountInfo struct {
	Cash     float64
	Position int64
	// Equity is Cash + Position × the last fill or mark price.
	Equity float64
}

// Point is one recorded period of a simulation.
type Point struct {
	Date  time.Time
	Value float64
	Price float64
}

// Return is a dated per-period return.
type Return struct {
	Date  time.Time
	Value float64
}

// ReturnValues strips the dates from a return series.
func ReturnValues(rs []Return) []float64 {
	out := make([]float64, len(rs))
	for i, r := range rs {
		out[i] = r.Value
	}
	return out
}

// Closes extracts close prices from bars.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

// SameDay reports whether a and b fall on the same calendar date in UTC.
func SameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
