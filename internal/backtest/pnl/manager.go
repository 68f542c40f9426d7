// Package pnl implements the PnLManager: the single source of truth for
// per-position and portfolio daily P&L, keyed off each symbol's previous
// close.
package pnl

import (
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/instruments"
)

// PositionPnL is one symbol's daily/cumulative breakdown for a single day.
type PositionPnL struct {
	Symbol       string
	DailyPnL     decimal.Decimal
	CumulativePnL decimal.Decimal
}

// DayResult is the result of one call to CalculateDailyPnL.
type DayResult struct {
	Positions    []PositionPnL
	TotalDailyPnL decimal.Decimal
}

// Manager tracks previous-close prices and running P&L counters. The
// coordinator owns exactly one Manager per run.
type Manager struct {
	registry *instruments.Registry
	logger   zerolog.Logger

	previousClose map[string]decimal.Decimal
	dailyBySymbol map[string]decimal.Decimal
	cumulativeBySymbol map[string]decimal.Decimal
	cumulativeTotal    decimal.Decimal
	portfolioValue     decimal.Decimal
}

// NewManager constructs a Manager seeded with initialCapital as the starting
// portfolio value.
func NewManager(registry *instruments.Registry, initialCapital decimal.Decimal) *Manager {
	return &Manager{
		registry:           registry,
		logger:             log.Logger,
		previousClose:      make(map[string]decimal.Decimal),
		dailyBySymbol:      make(map[string]decimal.Decimal),
		cumulativeBySymbol: make(map[string]decimal.Decimal),
		portfolioValue:     initialCapital,
	}
}

// WithLogger overrides the package-level logger with an injected one,
// following the teacher's convention of allowing a component-scoped logger.
func (m *Manager) WithLogger(l zerolog.Logger) *Manager {
	m.logger = l
	return m
}

// PortfolioValue returns the manager's running portfolio value.
func (m *Manager) PortfolioValue() decimal.Decimal {
	return m.portfolioValue
}

// ApplyPortfolioDelta adjusts the running portfolio value, used by the
// coordinator to fold in net daily P&L minus transaction costs.
func (m *Manager) ApplyPortfolioDelta(delta decimal.Decimal) {
	m.portfolioValue = m.portfolioValue.Add(delta)
}

// CalculateDailyPnL computes daily_pnl = quantity * (close_T - close_{T-1}) *
// point_value for each position, using the manager's previous-close store.
// A position whose previous close is unknown contributes zero and is
// logged, never erroring the whole call.
func (m *Manager) CalculateDailyPnL(positions map[string]core.Position, closeT map[string]decimal.Decimal) DayResult {
	result := DayResult{}
	total := decimal.Zero

	for symbol, pos := range positions {
		if pos.IsFlat() {
			continue
		}
		cT, ok := closeT[symbol]
		if !ok || cT.IsNegative() {
			m.logger.Warn().Str("symbol", symbol).Msg("pnl: missing or invalid close_T, skipping")
			continue
		}
		prev, ok := m.previousClose[symbol]
		if !ok {
			m.logger.Warn().Str("symbol", symbol).Msg("pnl: no previous close on record, contributing zero")
			m.dailyBySymbol[symbol] = decimal.Zero
			result.Positions = append(result.Positions, PositionPnL{
				Symbol:        symbol,
				DailyPnL:      decimal.Zero,
				CumulativePnL: m.cumulativeBySymbol[symbol],
			})
			continue
		}

		pointValue := m.registry.PointValue(symbol)
		daily := pos.Quantity.Mul(cT.Sub(prev)).Mul(pointValue)

		m.dailyBySymbol[symbol] = daily
		m.cumulativeBySymbol[symbol] = m.cumulativeBySymbol[symbol].Add(daily)
		total = total.Add(daily)

		result.Positions = append(result.Positions, PositionPnL{
			Symbol:        symbol,
			DailyPnL:      daily,
			CumulativePnL: m.cumulativeBySymbol[symbol],
		})
	}

	result.TotalDailyPnL = total
	m.cumulativeTotal = m.cumulativeTotal.Add(total)
	return result
}

// UpdatePreviousCloses must be called exactly once after each successful
// day, seeding tomorrow's previous-close lookups from today's bars.
// Negative or non-finite prices are skipped with a warning rather than
// stored.
func (m *Manager) UpdatePreviousCloses(closeT map[string]decimal.Decimal) {
	for symbol, price := range closeT {
		if price.IsNegative() {
			m.logger.Warn().Str("symbol", symbol).Str("price", price.String()).Msg("pnl: negative close, not updating previous-close store")
			continue
		}
		m.previousClose[symbol] = price
	}
}

// PreviousClose returns the stored previous close for symbol, if any.
func (m *Manager) PreviousClose(symbol string) (decimal.Decimal, bool) {
	p, ok := m.previousClose[symbol]
	return p, ok
}

// ResetDaily zeroes the per-day accumulators without touching cumulative
// state or the previous-close store.
func (m *Manager) ResetDaily() {
	m.dailyBySymbol = make(map[string]decimal.Decimal)
}

// Reset zeroes all manager state including previous closes and cumulative
// counters, for starting a fresh run with the same Manager instance.
func (m *Manager) Reset(initialCapital decimal.Decimal) {
	m.previousClose = make(map[string]decimal.Decimal)
	m.dailyBySymbol = make(map[string]decimal.Decimal)
	m.cumulativeBySymbol = make(map[string]decimal.Decimal)
	m.cumulativeTotal = decimal.Zero
	m.portfolioValue = initialCapital
}

// CumulativePnL returns the all-time cumulative P&L for symbol.
func (m *Manager) CumulativePnL(symbol string) decimal.Decimal {
	return m.cumulativeBySymbol[symbol]
}

// String renders a compact diagnostic line.
func (m *Manager) String() string {
	return fmt.Sprintf("pnl.Manager{portfolioValue=%s, trackedSymbols=%d}", m.portfolioValue.String(), len(m.previousClose))
}
