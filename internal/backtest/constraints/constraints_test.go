package constraints

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/backtest/risk"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestApply_S2 reproduces scenario S2 end-to-end through Apply: two symbols
// at 5x gross leverage against a 4x limit get scaled to 0.8; with two
// symbols present the optimizer also runs, landing on an integer lattice
// near the risk-scaled target.
func TestApply_S2(t *testing.T) {
	cfg := DefaultConfig(100)
	cfg.RiskLimits = risk.Limits{MaxGrossLeverage: 4.0, MaxNetLeverage: 10.0}
	c := New(cfg)

	positions := map[string]core.Position{
		"A": {Symbol: "A", Quantity: dec("5")},
		"B": {Symbol: "B", Quantity: dec("-5")},
	}
	bars := map[string]core.Bar{
		"A": {Symbol: "A", Close: dec("50")},
		"B": {Symbol: "B", Close: dec("50")},
	}

	var riskHistory []core.RiskResult
	err := c.Apply(bars, positions, &riskHistory)
	require.NoError(t, err)
	require.Len(t, riskHistory, 1)
	assert.InDelta(t, 0.8, riskHistory[0].RecommendedScale, 1e-9)

	// Risk-scaled pre-optimization target would be 4/-4; the optimizer
	// rounds onto the integer lattice, so the final quantities should land
	// near that scaled target.
	assert.InDelta(t, 4, positions["A"].Quantity.InexactFloat64(), 1)
	assert.InDelta(t, -4, positions["B"].Quantity.InexactFloat64(), 1)
}

func TestApply_SingleSymbolSkipsOptimizer(t *testing.T) {
	cfg := DefaultConfig(1000000)
	cfg.UseRiskManagement = false
	c := New(cfg)

	positions := map[string]core.Position{
		"A": {Symbol: "A", Quantity: dec("3.7")},
	}
	bars := map[string]core.Bar{"A": {Symbol: "A", Close: dec("50")}}

	err := c.Apply(bars, positions, nil)
	require.NoError(t, err)
	// UseOptimization requires len(positions) > 1; a single symbol must
	// pass through unmodified.
	assert.True(t, positions["A"].Quantity.Equal(dec("3.7")))
}

func TestUpdateHistoricalReturns_TruncatesAndComputesReturns(t *testing.T) {
	cfg := DefaultConfig(1000)
	cfg.MaxHistoryLength = 3
	c := New(cfg)

	for _, price := range []string{"100", "110", "121", "133.1"} {
		c.UpdateHistoricalReturns(map[string]decimal.Decimal{"A": dec(price)})
	}

	history := c.PriceHistory("A")
	require.Len(t, history, 3)
	assert.InDelta(t, 110, history[0], 1e-9)
	assert.InDelta(t, 133.1, history[2], 1e-9)

	returns := c.returnHistory["A"]
	require.Len(t, returns, 2)
	assert.InDelta(t, 0.1, returns[0], 1e-9)
	assert.InDelta(t, 0.1, returns[1], 1e-9)
}

// TestCovarianceMatrix_FallsBackToDiagonal verifies that when return history
// is shorter than MinPeriodsForCovariance, the diagonal fallback with
// DefaultVariance is used instead of a sample covariance estimate.
func TestCovarianceMatrix_FallsBackToDiagonal(t *testing.T) {
	cfg := DefaultConfig(1000)
	c := New(cfg)

	c.UpdateHistoricalReturns(map[string]decimal.Decimal{"A": dec("100"), "B": dec("200")})
	c.UpdateHistoricalReturns(map[string]decimal.Decimal{"A": dec("101"), "B": dec("202")})

	cov := c.covarianceMatrix([]string{"A", "B"})
	require.Len(t, cov, 2)
	assert.InDelta(t, cfg.DefaultVariance, cov[0][0], 1e-12)
	assert.InDelta(t, cfg.DefaultVariance, cov[1][1], 1e-12)
	assert.Equal(t, 0.0, cov[0][1])
}
