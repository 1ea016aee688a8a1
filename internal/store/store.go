// Package store defines storage interfaces for persisting and retrieving
// daily bars and completed backtest runs.
package store

import (
	"context"
	"errors"
	"time"

	"strategylab/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("store: not found")

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars under the given market.
	WriteBars(ctx context.Context, market domain.Market, bars []domain.Bar) error

	// ReadBars returns bars for the given symbol and market within
	// [start, end], ordered by timestamp.
	ReadBars(ctx context.Context, symbol string, market domain.Market, start, end time.Time) ([]domain.Bar, error)

	// ListSymbols returns all distinct symbols available in the given market.
	ListSymbols(ctx context.Context, market domain.Market) ([]string, error)
}

// RunRecord is the persisted summary of one completed backtest.
type RunRecord struct {
	ID                  string
	Symbol              string
	Strategy            string
	Start               time.Time
	End                 time.Time
	InitialCash         float64
	FinalValue          float64
	TotalReturn         float64
	SharpeRatio         float64
	MaxDrawdown         float64
	MaxDrawdownDuration int
	Beta                float64
	Alpha               float64
	WinRate             float64
	ProfitFactor        float64 // +Inf when there were no losing periods
	Periods             int
	Skipped             int
	Trades              int
	CreatedAt           time.Time
}

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Symbol   string
	Strategy string
	Limit    int
}

// RunStore persists and retrieves backtest run summaries.
type RunStore interface {
	// SaveRun inserts or replaces a run keyed by its ID.
	SaveRun(ctx context.Context, run *RunRecord) error

	// GetRun retrieves a single run by ID, or ErrNotFound.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns runs matching filter, newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]RunRecord, error)
}
