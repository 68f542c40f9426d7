// Package strategy defines the Strategy capability set: the single closed
// interface the core requires from any trading strategy (spec §6, §9). The
// core never inherits from or reaches into a strategy beyond these
// operations; it borrows strategies for the duration of a run and never
// destroys them.
package strategy

import (
	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// Strategy is the polymorphic collaborator the Coordinator drives through
// each simulated day. All operations return an error rather than panicking;
// none may block.
type Strategy interface {
	// Initialize prepares the strategy's internal state before the run
	// loop starts.
	Initialize() error
	// Start signals the run loop is beginning.
	Start() error
	// Stop signals the run loop has ended (success, failure, or
	// cancellation alike).
	Stop() error
	// OnData hands the day's bars to the strategy, which updates its
	// internal target positions.
	OnData(bars []core.Bar) error
	// Positions returns the strategy's current positions.
	Positions() map[string]core.Position
	// PriceHistory returns a symbol -> close-price-series map the strategy
	// maintains internally. The Coordinator and the constraints layer keep
	// their own rolling history and do not call it.
	PriceHistory() map[string][]float64
}

// TargetPositioner is an optional capability: a strategy whose target
// positions differ from its current reported positions (e.g. one that
// exposes a pre-rebalance intent separately from settled holdings).
// Strategies that don't implement it fall back to Positions(), mirroring
// spec §6's "optional get_target_positions() defaults to get_positions()".
type TargetPositioner interface {
	TargetPositions() map[string]core.Position
}

// TargetPositions returns s.TargetPositions() when s implements
// TargetPositioner, otherwise s.Positions().
func TargetPositions(s Strategy) map[string]core.Position {
	if tp, ok := s.(TargetPositioner); ok {
		return tp.TargetPositions()
	}
	return s.Positions()
}

// Allocation pairs a Strategy with its allocation fraction of portfolio
// capital, used by the Coordinator's portfolio-of-strategies variant to
// weight each strategy's positions before aggregation (spec §4.1).
type Allocation struct {
	Strategy Strategy
	Fraction float64
}
