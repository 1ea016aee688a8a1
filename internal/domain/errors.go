package domain

import (
	"errors"
	"fmt"
)

// ErrInsufficientData marks a lookback window too short for an indicator.
// Strategies turn it into a HOLD; the engine treats it as skippable if it
// ever escapes.
var ErrInsufficientData = errors.New("insufficient data")

// ErrDataUnavailable marks a period whose inputs could not be produced: the
// provider failed, no bar exists for the decision day, or an indicator came
// back non-finite. The engine skips such periods.
var ErrDataUnavailable = errors.New("data unavailable")

// InvariantViolation is a fatal logic defect: the portfolio went negative,
// a return divided by a previous value of zero, or a strategy emitted a
// malformed decision. It stops the run.
type InvariantViolation struct {
	Op     string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation in %s: %s", e.Op, e.Detail)
}

// Violation builds an *InvariantViolation with a formatted detail.
func Violation(op, format string, args ...any) error {
	return &InvariantViolation{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsRecoverable reports whether err is a per-period data failure the engine
// may skip over.
func IsRecoverable(err error) bool {
	var iv *InvariantViolation
	if errors.As(err, &iv) {
		return false
	}
	return errors.Is(err, ErrDataUnavailable) || errors.Is(err, ErrInsufficientData)
}
