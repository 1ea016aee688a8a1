package engine

import (
	"strings"

	"strategylab/internal/domain"
)

// RiskManager enforces the invariants a simulated portfolio must hold after
// every period. Any failure is a *domain.InvariantViolation and ends the run.
type RiskManager struct {
	symbol string
}

// NewRiskManager creates a RiskManager for a single-symbol run.
func NewRiskManager(symbol string) *RiskManager {
	return &RiskManager{symbol: strings.ToUpper(symbol)}
}

// CheckDecision rejects malformed decisions: an unknown action, a negative
// quantity, a HOLD carrying a quantity, a non-positive price or another
// symbol.
func (rm *RiskManager) CheckDecision(d domain.Decision) error {
	if err := d.Validate(); err != nil {
		return domain.Violation("decision", "%s: %v", rm.symbol, err)
	}
	if !strings.EqualFold(d.Symbol, rm.symbol) {
		return domain.Violation("decision", "decision for %q in a %s run", d.Symbol, rm.symbol)
	}
	return nil
}

// CheckAccount verifies cash and position are non-negative.
func (rm *RiskManager) CheckAccount(acct *domain.AccountInfo) error {
	if acct.Cash < 0 {
		return domain.Violation("portfolio", "%s cash %v is negative", rm.symbol, acct.Cash)
	}
	if acct.Position < 0 {
		return domain.Violation("portfolio", "%s position %d is negative", rm.symbol, acct.Position)
	}
	return nil
}

// PeriodReturn is (cur - prev) / prev. A previous value of exactly zero is a
// violation rather than an infinite return.
func (rm *RiskManager) PeriodReturn(what string, prev, cur float64) (float64, error) {
	if prev == 0 {
		return 0, domain.Violation("returns", "%s %s: previous value is zero", rm.symbol, what)
	}
	return (cur - prev) / prev, nil
}
