package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"strategylab/internal/domain"
)

// Compile-time interface check.
var _ Broker = (*SimulatorBroker)(nil)

// Reject reasons recorded on orders the account cannot cover.
const (
	RejectInsufficientCash     = "insufficient cash"
	RejectInsufficientPosition = "insufficient position"
)

// SimulatorBroker fills every order immediately and in full at its limit
// price, with no fees or slippage. Cash is kept on a decimal ledger so the
// non-negative cash check is exact.
type SimulatorBroker struct {
	mu       sync.Mutex
	symbol   string
	cash     decimal.Decimal
	position int64
	mark     decimal.Decimal
	orders   []domain.Order
}

// NewSimulatorBroker creates a SimulatorBroker trading symbol with the given
// starting cash and no position.
func NewSimulatorBroker(symbol string, initialCash float64) (*SimulatorBroker, error) {
	if initialCash < 0 {
		return nil, fmt.Errorf("initial cash %v is negative", initialCash)
	}
	return &SimulatorBroker{
		symbol: strings.ToUpper(symbol),
		cash:   decimal.NewFromFloat(initialCash),
	}, nil
}

// Name returns "simulator".
func (b *SimulatorBroker) Name() string {
	return "simulator"
}

// SubmitOrder fills the order or rejects it when the account cannot cover it.
// The order is updated in place and a copy is kept in the order log.
func (b *SimulatorBroker) SubmitOrder(_ context.Context, order *domain.Order) (*domain.Order, error) {
	if order == nil {
		return nil, fmt.Errorf("nil order")
	}
	if !strings.EqualFold(order.Symbol, b.symbol) {
		return nil, fmt.Errorf("order symbol %q does not match account symbol %q", order.Symbol, b.symbol)
	}
	if order.Qty <= 0 {
		return nil, fmt.Errorf("order quantity %d is not positive", order.Qty)
	}
	if !(order.Price > 0) {
		return nil, fmt.Errorf("order price %v is not positive", order.Price)
	}
	if order.ID == "" {
		order.ID = uuid.NewString()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	price := decimal.NewFromFloat(order.Price)
	notional := price.Mul(decimal.NewFromInt(order.Qty))

	switch order.Side {
	case domain.OrderSideBuy:
		if b.cash.LessThan(notional) {
			return b.reject(order, RejectInsufficientCash), nil
		}
		b.cash = b.cash.Sub(notional)
		b.position += order.Qty
	case domain.OrderSideSell:
		if b.position < order.Qty {
			return b.reject(order, RejectInsufficientPosition), nil
		}
		b.cash = b.cash.Add(notional)
		b.position -= order.Qty
	default:
		return nil, fmt.Errorf("unknown order side %q", order.Side)
	}

	if b.cash.IsNegative() {
		return nil, domain.Violation("broker.SubmitOrder", "cash %s is negative after %s %d", b.cash, order.Side, order.Qty)
	}
	if b.position < 0 {
		return nil, domain.Violation("broker.SubmitOrder", "position %d is negative after %s %d", b.position, order.Side, order.Qty)
	}

	b.mark = price
	order.Status = domain.OrderStatusFilled
	order.FilledQty = order.Qty
	order.FilledAvgPrice = order.Price
	order.UpdatedAt = order.CreatedAt
	b.orders = append(b.orders, *order)
	return order, nil
}

func (b *SimulatorBroker) reject(order *domain.Order, reason string) *domain.Order {
	order.Status = domain.OrderStatusRejected
	order.RejectReason = reason
	order.UpdatedAt = order.CreatedAt
	b.orders = append(b.orders, *order)
	return order
}

// Mark sets the price used to value the position.
func (b *SimulatorBroker) Mark(price float64) {
	b.mu.Lock()
	b.mark = decimal.NewFromFloat(price)
	b.mu.Unlock()
}

// GetAccount returns cash, position and equity at the last mark.
func (b *SimulatorBroker) GetAccount(_ context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash.Add(b.mark.Mul(decimal.NewFromInt(b.position)))
	return &domain.AccountInfo{
		Cash:     b.cash.InexactFloat64(),
		Position: b.position,
		Equity:   equity.InexactFloat64(),
	}, nil
}

// Orders returns a copy of the order log.
func (b *SimulatorBroker) Orders(_ context.Context) ([]domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]domain.Order, len(b.orders))
	copy(out, b.orders)
	return out, nil
}
