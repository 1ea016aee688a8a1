package util

import (
	"time"

	"strategylab/internal/domain"
)

// TradingCalendar enumerates the periods a daily backtest steps through.
// Trading days are Monday through Friday minus any configured holidays.
type TradingCalendar struct {
	market   domain.Market
	holidays map[string]struct{}
}

// NewTradingCalendar creates a TradingCalendar for the given market. Holidays
// are given as dates; only their calendar day matters.
func NewTradingCalendar(market domain.Market, holidays ...time.Time) *TradingCalendar {
	tc := &TradingCalendar{
		market:   market,
		holidays: make(map[string]struct{}, len(holidays)),
	}
	for _, h := range holidays {
		tc.holidays[h.Format("2006-01-02")] = struct{}{}
	}
	return tc
}

// Market returns the market this calendar was built for.
func (tc *TradingCalendar) Market() domain.Market {
	return tc.market
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (tc *TradingCalendar) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, holiday := tc.holidays[t.Format("2006-01-02")]
	return !holiday
}

// TradingDays returns every trading day in [start, end] in ascending order,
// each normalised to midnight UTC.
func (tc *TradingCalendar) TradingDays(start, end time.Time) []time.Time {
	from := StartOfDay(start)
	to := StartOfDay(end)

	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if tc.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// StartOfDay truncates t to midnight UTC of its UTC calendar date.
func StartOfDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// EndOfDay returns the last nanosecond of t's UTC calendar date.
func EndOfDay(t time.Time) time.Time {
	return StartOfDay(t).AddDate(0, 0, 1).Add(-time.Nanosecond)
}
