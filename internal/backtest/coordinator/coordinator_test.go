package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/backtest/execution"
	"github.com/kestrelquant/backtestlab/internal/backtest/strategy"
	"github.com/kestrelquant/backtestlab/internal/instruments"
	"github.com/kestrelquant/backtestlab/internal/marketdata"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func bar(day int, symbol, close string) core.Bar {
	ts := time.Date(2024, 1, 1+day, 0, 0, 0, 0, time.UTC)
	c := dec(close)
	return core.Bar{
		Timestamp: ts,
		Symbol:    symbol,
		Open:      c,
		High:      c,
		Low:       c,
		Close:     c,
		Volume:    dec("1000"),
	}
}

// fixedStrategy always reports the same target positions regardless of the
// bars it receives.
type fixedStrategy struct {
	positions map[string]core.Position
}

func (s *fixedStrategy) Initialize() error                      { return nil }
func (s *fixedStrategy) Start() error                            { return nil }
func (s *fixedStrategy) Stop() error                              { return nil }
func (s *fixedStrategy) OnData(bars []core.Bar) error            { return nil }
func (s *fixedStrategy) Positions() map[string]core.Position     { return s.positions }
func (s *fixedStrategy) PriceHistory() map[string][]float64      { return nil }

// steppingStrategy changes its ES position on a fixed day index, used to
// exercise the execution path deterministically.
type steppingStrategy struct {
	day      int
	flipDay  int
	before   decimal.Decimal
	after    decimal.Decimal
}

func (s *steppingStrategy) Initialize() error { return nil }
func (s *steppingStrategy) Start() error      { return nil }
func (s *steppingStrategy) Stop() error       { return nil }
func (s *steppingStrategy) OnData(bars []core.Bar) error {
	s.day++
	return nil
}
func (s *steppingStrategy) Positions() map[string]core.Position {
	qty := s.before
	if s.day >= s.flipDay {
		qty = s.after
	}
	return map[string]core.Position{"ES": {Symbol: "ES", Quantity: qty}}
}
func (s *steppingStrategy) PriceHistory() map[string][]float64 { return nil }

func testRegistry() *instruments.Registry {
	return instruments.New([]instruments.Instrument{
		{Symbol: "ES", Multiplier: dec("10"), TickSize: decimal.Zero},
	})
}

// fixedClock implements Clock with a constant timestamp, for deterministic
// run-id generation across repeated runs.
type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// TestRun_S1 reproduces scenario S1 end-to-end: a flat-position strategy
// holding a constant 2-contract ES position across three days with
// point_value 10 and closes [100.0, 101.5, 100.5] realizes day2 P&L = 30
// and day3 P&L = -20, with no transaction costs since the position never
// changes after the warmup day.
func TestRun_S1(t *testing.T) {
	bars := []core.Bar{
		bar(0, "ES", "100.0"),
		bar(1, "ES", "101.5"),
		bar(2, "ES", "100.5"),
	}
	provider := marketdata.NewInMemoryProvider(bars)
	registry := testRegistry()
	strat := &fixedStrategy{positions: map[string]core.Position{"ES": {Symbol: "ES", Quantity: dec("2")}}}

	coord := New(provider, registry)
	cfg := Config{
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		InitialCapital:    dec("100000"),
		Symbols:           []string{"ES"},
		StoreTradeDetails: true,
		ExecutionConfig:   execution.Config{Model: execution.CostModelLegacy},
	}

	results, err := coord.Run(context.Background(), cfg, strat)
	require.NoError(t, err)
	require.Len(t, results.EquityCurve, 3)

	assert.True(t, results.EquityCurve[0].PortfolioValue.Equal(dec("100000")))
	assert.True(t, results.EquityCurve[1].PortfolioValue.Equal(dec("100030")))
	assert.True(t, results.EquityCurve[2].PortfolioValue.Equal(dec("100010")))
	assert.Empty(t, results.Executions)
}

// TestRun_PnLIdentity verifies testable property #2: the sum of daily
// mark-to-market P&L equals the net change in portfolio value plus total
// transaction costs paid. By hand (ES point value 10): day 2 holds 1
// contract over 100->102 (+20), days 3 and 4 hold 3 contracts over
// 102->101 (-30) and 101->103 (+60), so the daily P&L sums to 50.
func TestRun_PnLIdentity(t *testing.T) {
	bars := []core.Bar{
		bar(0, "ES", "100.0"),
		bar(1, "ES", "102.0"),
		bar(2, "ES", "101.0"),
		bar(3, "ES", "103.0"),
	}
	provider := marketdata.NewInMemoryProvider(bars)
	registry := testRegistry()
	strat := &steppingStrategy{flipDay: 2, before: dec("1"), after: dec("3")}

	coord := New(provider, registry)
	cfg := Config{
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
		InitialCapital:    dec("100000"),
		Symbols:           []string{"ES"},
		StoreTradeDetails: true,
		ExecutionConfig: execution.Config{
			Model: execution.CostModelLegacy,
			LegacyParams: execution.LegacyCostParams{
				CommissionRate: dec("0.001"),
			},
		},
	}

	results, err := coord.Run(context.Background(), cfg, strat)
	require.NoError(t, err)
	require.True(t, len(results.EquityCurve) >= 2)

	deltaPortfolio := results.EquityCurve[len(results.EquityCurve)-1].PortfolioValue.Sub(results.EquityCurve[0].PortfolioValue)

	var totalCosts decimal.Decimal
	for _, exec := range results.Executions {
		totalCosts = totalCosts.Add(exec.TotalTransactionCosts)
	}

	var sumDailyPnL decimal.Decimal
	for i := 1; i < len(results.EquityCurve); i++ {
		sumDailyPnL = sumDailyPnL.Add(results.EquityCurve[i].PortfolioValue.Sub(results.EquityCurve[i-1].PortfolioValue))
	}

	assert.True(t, sumDailyPnL.Equal(deltaPortfolio))
	assert.True(t, deltaPortfolio.Add(totalCosts).Equal(dec("50")))
	assert.True(t, totalCosts.IsPositive())
}

// TestRun_Determinism verifies testable property #1: repeated runs over the
// same inputs with a fixed clock produce identical equity curves and
// execution ids.
func TestRun_Determinism(t *testing.T) {
	bars := []core.Bar{
		bar(0, "ES", "100.0"),
		bar(1, "ES", "102.0"),
		bar(2, "ES", "101.0"),
		bar(3, "ES", "103.0"),
	}
	clock := fixedClock{t: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)}

	run := func() core.BacktestResults {
		provider := marketdata.NewInMemoryProvider(bars)
		registry := testRegistry()
		strat := &steppingStrategy{flipDay: 2, before: dec("1"), after: dec("3")}
		coord := New(provider, registry).WithClock(clock)
		cfg := Config{
			StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			EndDate:           time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC),
			InitialCapital:    dec("100000"),
			Symbols:           []string{"ES"},
			StoreTradeDetails: true,
			ExecutionConfig:   execution.Config{Model: execution.CostModelLegacy},
		}
		results, err := coord.Run(context.Background(), cfg, strat)
		require.NoError(t, err)
		return results
	}

	a := run()
	b := run()

	require.Equal(t, len(a.Executions), len(b.Executions))
	for i := range a.Executions {
		assert.Equal(t, a.Executions[i].ExecID, b.Executions[i].ExecID)
		assert.Equal(t, a.Executions[i].OrderID, b.Executions[i].OrderID)
	}
	require.Equal(t, len(a.EquityCurve), len(b.EquityCurve))
	for i := range a.EquityCurve {
		assert.True(t, a.EquityCurve[i].PortfolioValue.Equal(b.EquityCurve[i].PortfolioValue))
	}
	assert.Equal(t, a.RunID, b.RunID)
}

// TestRunPortfolio_AggregatesWeightedPositions verifies spec §4.1's
// portfolio variant: two strategies holding opposite-signed ES positions,
// allocated 75%/25%, aggregate into a single net position (0.75*4 + 0.25*-4
// = 2 contracts) before execution and P&L proceed.
func TestRunPortfolio_AggregatesWeightedPositions(t *testing.T) {
	bars := []core.Bar{
		bar(0, "ES", "100.0"),
		bar(1, "ES", "101.5"),
		bar(2, "ES", "100.5"),
	}
	provider := marketdata.NewInMemoryProvider(bars)
	registry := testRegistry()

	long := &fixedStrategy{positions: map[string]core.Position{"ES": {Symbol: "ES", Quantity: dec("4")}}}
	short := &fixedStrategy{positions: map[string]core.Position{"ES": {Symbol: "ES", Quantity: dec("-4")}}}

	coord := New(provider, registry)
	cfg := Config{
		StartDate:         time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:           time.Date(2024, 1, 4, 0, 0, 0, 0, time.UTC),
		InitialCapital:    dec("100000"),
		Symbols:           []string{"ES"},
		StoreTradeDetails: true,
		ExecutionConfig:   execution.Config{Model: execution.CostModelLegacy},
	}

	allocations := []strategy.Allocation{
		{Strategy: long, Fraction: 0.75},
		{Strategy: short, Fraction: 0.25},
	}

	results, err := coord.RunPortfolio(context.Background(), cfg, allocations)
	require.NoError(t, err)
	require.Len(t, results.EquityCurve, 3)

	// Net aggregated position is 2 ES contracts (0.75*4 + 0.25*-4), with
	// point_value 10: day2 P&L = 2*(101.5-100.0)*10 = 30, day3 P&L =
	// 2*(100.5-101.5)*10 = -20, identical to TestRun_S1's single 2-contract
	// strategy.
	assert.True(t, results.EquityCurve[0].PortfolioValue.Equal(dec("100000")))
	assert.True(t, results.EquityCurve[1].PortfolioValue.Equal(dec("100030")))
	assert.True(t, results.EquityCurve[2].PortfolioValue.Equal(dec("100010")))
	assert.True(t, results.FinalPositions["ES"].Quantity.Equal(dec("2")))
}

func TestRun_InvalidConfig(t *testing.T) {
	provider := marketdata.NewInMemoryProvider(nil)
	registry := testRegistry()
	coord := New(provider, registry)
	strat := &fixedStrategy{positions: map[string]core.Position{}}

	_, err := coord.Run(context.Background(), Config{
		Symbols:        []string{},
		InitialCapital: dec("1000"),
		StartDate:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:        time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}, strat)
	assert.Error(t, err)
}
