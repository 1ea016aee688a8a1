// Package strategy defines the Strategy interface for trading policies and
// provides a Registry of named strategy factories.
package strategy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"strategylab/internal/domain"
)

// Strategy decides what to do for one symbol on one trading day.
//
// Implementations fetch whatever history they need themselves, using only
// bars dated on or before date. Infeasible actions (a BUY the cash cannot
// cover, a SELL larger than the position) are returned as HOLD rather than as
// errors. Errors wrapping domain.ErrDataUnavailable mark the period as
// skippable; anything else aborts the backtest.
type Strategy interface {
	// Name returns the unique identifier for this strategy.
	Name() string

	// Decide returns the action to take at the close of date given the
	// current position (shares) and cash.
	Decide(ctx context.Context, symbol string, date time.Time, position int64, cash float64) (domain.Decision, error)
}

// Factory builds a fresh Strategy. Strategies may keep state across calls to
// Decide (buy-and-hold remembers that it has bought), so each backtest run
// gets its own instance.
type Factory func() Strategy

// ErrUnknownStrategy is returned by Registry.New for unregistered names.
type ErrUnknownStrategy struct {
	Name  string
	Known []string
}

func (e ErrUnknownStrategy) Error() string {
	return fmt.Sprintf("unknown strategy %q (available: %s)", e.Name, strings.Join(e.Known, ", "))
}

// Registry holds a named collection of strategy factories for lookup and
// enumeration. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty strategy Registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
	}
}

// Register adds a factory under name, replacing any existing entry.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Get builds a new instance of the named strategy. The second return value
// indicates whether the strategy was found.
func (r *Registry) Get(name string) (Strategy, bool) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return f(), true
}

// New is Get with an error describing the available names on a miss.
func (r *Registry) New(name string) (Strategy, error) {
	s, ok := r.Get(name)
	if !ok {
		return nil, ErrUnknownStrategy{Name: name, Known: r.List()}
	}
	return s, nil
}

// List returns a sorted slice of all registered strategy names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
