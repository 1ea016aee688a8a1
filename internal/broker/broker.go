// Package broker defines the Broker interface and the simulated brokerage the
// backtest engine executes its decisions against.
package broker

import (
	"context"

	"strategylab/internal/domain"
)

// Broker abstracts order execution and account state for a single-symbol
// portfolio.
type Broker interface {
	// Name returns the broker identifier (e.g. "simulator").
	Name() string

	// SubmitOrder executes an order. An order the account cannot cover comes
	// back with status rejected and a nil error; errors are reserved for
	// malformed orders and broken invariants.
	SubmitOrder(ctx context.Context, order *domain.Order) (*domain.Order, error)

	// Mark sets the price used to value the open position.
	Mark(price float64)

	// GetAccount returns a snapshot of cash, position and equity.
	GetAccount(ctx context.Context) (*domain.AccountInfo, error)

	// Orders returns every order submitted so far, in submission order.
	Orders(ctx context.Context) ([]domain.Order, error)
}
