// Package targetweight implements the reference Strategy the CLI runs
// when no custom strategy binary is wired in: a static set of portfolio
// weights, rebalanced to the nearest whole contract/share against each
// day's latest close. Grounded on the teacher's config-driven weight
// blocks (internal/config/regime weight tables, generalized here from
// per-factor weights to per-symbol portfolio weights) and
// internal/application/risk_envelope.go's plain float64 weight-budget
// shape.
package targetweight

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/instruments"
)

// Weight pairs a symbol with its target fraction of portfolio capital.
// Negative fractions mean short.
type Weight struct {
	Symbol   string
	Fraction float64
}

// Strategy rebalances to a fixed set of target weights every day,
// rounding each symbol's target notional to the nearest whole contract
// using the registry's point value.
type Strategy struct {
	capital   decimal.Decimal
	weights   []Weight
	registry  *instruments.Registry
	positions map[string]core.Position
	lastClose map[string]decimal.Decimal
}

// New constructs a targetweight Strategy with capital dollars to
// allocate across weights, resolving point values through registry.
func New(capital decimal.Decimal, weights []Weight, registry *instruments.Registry) *Strategy {
	return &Strategy{
		capital:   capital,
		weights:   weights,
		registry:  registry,
		positions: make(map[string]core.Position),
		lastClose: make(map[string]decimal.Decimal),
	}
}

// Initialize satisfies strategy.Strategy; this strategy carries no state
// that needs resetting before a run beyond what New already established.
func (s *Strategy) Initialize() error { return nil }

// Start satisfies strategy.Strategy.
func (s *Strategy) Start() error { return nil }

// Stop satisfies strategy.Strategy.
func (s *Strategy) Stop() error { return nil }

// OnData recomputes each weighted symbol's target contract count from
// the day's close and the instrument's point value, then updates
// Positions() to that target directly (this strategy has no gradual
// rebalance; it snaps to target every day).
func (s *Strategy) OnData(bars []core.Bar) error {
	for _, b := range bars {
		s.lastClose[b.Symbol] = b.Close
	}
	for _, w := range s.weights {
		close, ok := s.lastClose[w.Symbol]
		if !ok || close.IsZero() {
			continue
		}
		pointValue := s.registry.PointValue(w.Symbol)
		if pointValue.IsZero() {
			return fmt.Errorf("targetweight: symbol %s has zero point value", w.Symbol)
		}
		notional := s.capital.InexactFloat64() * w.Fraction
		contractValue := close.InexactFloat64() * pointValue.InexactFloat64()
		if contractValue == 0 {
			continue
		}
		qty := int64(math.Round(notional / contractValue))
		pos := s.positions[w.Symbol]
		pos.Symbol = w.Symbol
		pos.Quantity = decimal.NewFromInt(qty)
		pos.AveragePrice = close
		pos.LastUpdate = b.Timestamp
		s.positions[w.Symbol] = pos
	}
	return nil
}

// Positions returns the strategy's current target positions.
func (s *Strategy) Positions() map[string]core.Position {
	return core.ClonePositions(s.positions)
}

// PriceHistory is not tracked by this strategy; it relies entirely on
// the Coordinator's own rolling history for constraints-layer inputs.
func (s *Strategy) PriceHistory() map[string][]float64 {
	return nil
}
