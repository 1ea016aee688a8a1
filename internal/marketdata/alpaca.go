package marketdata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	alpacamd "github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/sony/gobreaker"

	"strategylab/internal/domain"
	"strategylab/internal/util"
)

// Compile-time interface check.
var _ Provider = (*AlpacaProvider)(nil)

// barsClient is the subset of the Alpaca market-data client used here.
type barsClient interface {
	GetBars(symbol string, req alpacamd.GetBarsRequest) ([]alpacamd.Bar, error)
}

// AlpacaOptions configures an AlpacaProvider.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	DataURL   string // optional market-data base URL override
	Feed      string // "sip" (default) or "iex"

	MaxAttempts     int
	BaseDelay       time.Duration
	RateLimitPerMin int

	// BreakerFailures consecutive failures open the circuit for
	// BreakerTimeout. Zero disables the breaker.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// AlpacaProvider fetches daily bars from the Alpaca market-data API. Calls are
// rate limited, retried with backoff and guarded by a circuit breaker so a
// failing upstream turns into fast ErrDataUnavailable results.
type AlpacaProvider struct {
	client      barsClient
	feed        string
	limiter     *util.RateLimiter
	breaker     *gobreaker.CircuitBreaker
	maxAttempts int
	baseDelay   time.Duration
	log         *slog.Logger
}

// NewAlpacaProvider creates an AlpacaProvider with the given credentials.
func NewAlpacaProvider(opts AlpacaOptions) *AlpacaProvider {
	clientOpts := alpacamd.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
	}
	if opts.DataURL != "" {
		clientOpts.BaseURL = opts.DataURL
	}
	return newAlpacaProvider(alpacamd.NewClient(clientOpts), opts)
}

func newAlpacaProvider(client barsClient, opts AlpacaOptions) *AlpacaProvider {
	p := &AlpacaProvider{
		client:      client,
		feed:        strings.ToLower(opts.Feed),
		limiter:     util.NewRateLimiter(opts.RateLimitPerMin),
		maxAttempts: max(opts.MaxAttempts, 1),
		baseDelay:   opts.BaseDelay,
		log:         slog.Default().With("provider", "alpaca"),
	}
	if opts.BreakerFailures > 0 {
		failures := opts.BreakerFailures
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "alpaca-bars",
			Timeout: opts.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.log.Warn("circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			},
		})
	}
	return p
}

// Bars implements Provider. The end of the range is inclusive; Alpaca stamps
// daily bars at the session open in UTC, so callers should pass an end-of-day
// bound to include the final day.
func (p *AlpacaProvider) Bars(ctx context.Context, symbol string, start, end time.Time) ([]domain.Bar, error) {
	symbol = strings.ToUpper(symbol)

	var bars []domain.Bar
	err := util.Retry(ctx, p.maxAttempts, p.baseDelay, func() error {
		if err := p.limiter.Wait(ctx); err != nil {
			return util.Permanent(err)
		}
		got, err := p.fetch(symbol, start, end)
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return util.Permanent(err)
			}
			p.log.Debug("bars fetch failed", "symbol", symbol, "error", err)
			return err
		}
		bars = got
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, Unavailable(symbol, err)
	}
	return filterRange(bars, start, end), nil
}

func (p *AlpacaProvider) fetch(symbol string, start, end time.Time) ([]domain.Bar, error) {
	call := func() (interface{}, error) {
		return p.client.GetBars(symbol, alpacamd.GetBarsRequest{
			TimeFrame: alpacamd.OneDay,
			Start:     start,
			End:       end,
			Feed:      p.requestFeed(),
		})
	}

	var (
		res interface{}
		err error
	)
	if p.breaker != nil {
		res, err = p.breaker.Execute(call)
	} else {
		res, err = call()
	}
	if err != nil {
		return nil, fmt.Errorf("GetBars: %w", err)
	}

	alpacaBars, _ := res.([]alpacamd.Bar)
	bars := make([]domain.Bar, 0, len(alpacaBars))
	for _, ab := range alpacaBars {
		bars = append(bars, domain.Bar{
			Symbol:     symbol,
			Timestamp:  ab.Timestamp.UTC(),
			Open:       ab.Open,
			High:       ab.High,
			Low:        ab.Low,
			Close:      ab.Close,
			Volume:     int64(ab.Volume),
			TradeCount: int64(ab.TradeCount),
			VWAP:       ab.VWAP,
		})
	}
	return bars, nil
}

func (p *AlpacaProvider) requestFeed() alpacamd.Feed {
	if p.feed == "iex" {
		return alpacamd.IEX
	}
	return alpacamd.SIP
}
