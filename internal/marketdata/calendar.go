package marketdata

import (
	"context"
	"fmt"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"

	"strategylab/internal/domain"
	"strategylab/internal/util"
)

// calendarClient is the subset of the Alpaca trading client used here.
type calendarClient interface {
	GetCalendar(req alpaca.GetCalendarRequest) ([]alpaca.CalendarDay, error)
}

// AlpacaCalendar builds a util.TradingCalendar whose holidays are the
// weekdays in [start, end] on which the exchange did not open, according to
// the Alpaca trading calendar API.
func AlpacaCalendar(ctx context.Context, apiKey, apiSecret, baseURL string, start, end time.Time) (*util.TradingCalendar, error) {
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
		BaseURL:   baseURL,
	})
	return calendarFrom(ctx, client, start, end)
}

func calendarFrom(ctx context.Context, client calendarClient, start, end time.Time) (*util.TradingCalendar, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	days, err := client.GetCalendar(alpaca.GetCalendarRequest{Start: start, End: end})
	if err != nil {
		return nil, fmt.Errorf("GetCalendar: %w", err)
	}
	if len(days) == 0 {
		return nil, fmt.Errorf("no trading days returned from calendar for %s..%s",
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}

	open := make(map[string]struct{}, len(days))
	for _, d := range days {
		open[d.Date] = struct{}{}
	}

	var holidays []time.Time
	weekdays := util.NewTradingCalendar(domain.MarketUS)
	for _, d := range weekdays.TradingDays(start, end) {
		if _, ok := open[d.Format("2006-01-02")]; !ok {
			holidays = append(holidays, d)
		}
	}
	return util.NewTradingCalendar(domain.MarketUS, holidays...), nil
}
