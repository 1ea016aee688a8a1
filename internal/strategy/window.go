package strategy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"strategylab/internal/domain"
	"strategylab/internal/marketdata"
	"strategylab/internal/util"
)

// Window fetches the lookback history a strategy decides on.
type Window struct {
	Provider     marketdata.Provider
	LookbackDays int
}

// Bars returns the bars in [date - LookbackDays, date], ordered by time. Bars
// after the decision day are dropped so a strategy can never see the future.
//
// The last bar of a successful result is always dated on the decision day; a
// window without one (a holiday, a halt, missing data) is reported as
// domain.ErrDataUnavailable, as is any provider failure.
func (w Window) Bars(ctx context.Context, symbol string, date time.Time) ([]domain.Bar, error) {
	start := util.StartOfDay(date).AddDate(0, 0, -w.LookbackDays)
	end := util.EndOfDay(date)

	bars, err := w.Provider.Bars(ctx, symbol, start, end)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if errors.Is(err, domain.ErrDataUnavailable) {
			return nil, err
		}
		return nil, marketdata.Unavailable(symbol, err)
	}

	n := len(bars)
	for n > 0 && bars[n-1].Timestamp.After(end) {
		n--
	}
	bars = bars[:n]

	if n == 0 || !domain.SameDay(bars[n-1].Timestamp, date) {
		return nil, fmt.Errorf("%w: %s: no bar on %s", domain.ErrDataUnavailable, symbol, date.Format("2006-01-02"))
	}
	return bars, nil
}

// CanBuy reports whether cash covers qty shares at price.
func CanBuy(cash, price float64, qty int64) bool {
	return qty > 0 && cash >= price*float64(qty)
}

// CanSell reports whether position covers qty shares.
func CanSell(position, qty int64) bool {
	return qty > 0 && position >= qty
}

// CrossedAbove reports whether a moved from at-or-below b to strictly above
// it between the previous and current observation.
func CrossedAbove(prevA, prevB, curA, curB float64) bool {
	return curA > curB && prevA <= prevB
}

// CrossedBelow reports whether a moved from at-or-above b to strictly below
// it between the previous and current observation.
func CrossedBelow(prevA, prevB, curA, curB float64) bool {
	return curA < curB && prevA >= prevB
}
