package pnl

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/instruments"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestCalculateDailyPnL_S1 reproduces scenario S1 from the module's
// documentation: one symbol, point_value 10, holding +2 contracts across
// three days with closes [100.0, 101.5, 100.5].
func TestCalculateDailyPnL_S1(t *testing.T) {
	registry := instruments.New([]instruments.Instrument{
		{Symbol: "ES", Multiplier: dec("10"), TickSize: decimal.Zero},
	})
	mgr := NewManager(registry, dec("100000"))

	positions := map[string]core.Position{
		"ES": {Symbol: "ES", Quantity: dec("2")},
	}

	// Day 1: no previous close on record yet -> zero contribution.
	day1 := mgr.CalculateDailyPnL(positions, map[string]decimal.Decimal{"ES": dec("100.0")})
	require.Len(t, day1.Positions, 1)
	assert.True(t, day1.TotalDailyPnL.IsZero())
	mgr.UpdatePreviousCloses(map[string]decimal.Decimal{"ES": dec("100.0")})

	// Day 2: 2 * (101.5 - 100.0) * 10 = 30
	day2 := mgr.CalculateDailyPnL(positions, map[string]decimal.Decimal{"ES": dec("101.5")})
	assert.True(t, day2.TotalDailyPnL.Equal(dec("30")))
	mgr.UpdatePreviousCloses(map[string]decimal.Decimal{"ES": dec("101.5")})

	// Day 3: 2 * (100.5 - 101.5) * 10 = -20
	day3 := mgr.CalculateDailyPnL(positions, map[string]decimal.Decimal{"ES": dec("100.5")})
	assert.True(t, day3.TotalDailyPnL.Equal(dec("-20")))
}

func TestCalculateDailyPnL_MissingCloseSkipsSymbol(t *testing.T) {
	registry := instruments.New(nil)
	mgr := NewManager(registry, dec("1000"))
	positions := map[string]core.Position{
		"ZZZ": {Symbol: "ZZZ", Quantity: dec("1")},
	}
	mgr.UpdatePreviousCloses(map[string]decimal.Decimal{"ZZZ": dec("10")})

	result := mgr.CalculateDailyPnL(positions, map[string]decimal.Decimal{})
	assert.Empty(t, result.Positions)
	assert.True(t, result.TotalDailyPnL.IsZero())
}

func TestResetDailyKeepsPreviousCloses(t *testing.T) {
	registry := instruments.New(nil)
	mgr := NewManager(registry, dec("1000"))
	mgr.UpdatePreviousCloses(map[string]decimal.Decimal{"ZZZ": dec("10")})
	mgr.ResetDaily()
	_, ok := mgr.PreviousClose("ZZZ")
	assert.True(t, ok)
}

func TestResetClearsEverything(t *testing.T) {
	registry := instruments.New(nil)
	mgr := NewManager(registry, dec("1000"))
	mgr.UpdatePreviousCloses(map[string]decimal.Decimal{"ZZZ": dec("10")})
	mgr.Reset(dec("5000"))
	_, ok := mgr.PreviousClose("ZZZ")
	assert.False(t, ok)
	assert.True(t, mgr.PortfolioValue().Equal(dec("5000")))
}
