package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// TestEvaluate_S2 reproduces scenario S2: two symbols with leverage scaled
// to 5x gross against max_gross_leverage=4.0, max_net_leverage=2.0 (net
// leverage held low by opposing positions so only gross binds). Expected
// recommended_scale = min(1, 4/5) = 0.8.
func TestEvaluate_S2(t *testing.T) {
	limits := Limits{MaxGrossLeverage: 4.0, MaxNetLeverage: 2.0}
	mgr := NewManager(limits)

	// Capital 100; +250 notional A, -250 notional B: gross notional 500
	// against capital 100 gives gross=5x.
	positions := map[string]decimal.Decimal{
		"A": dec("5"),
		"B": dec("-5"),
	}
	prices := map[string]decimal.Decimal{
		"A": dec("50"),
		"B": dec("50"),
	}
	// gross = (5*50 + 5*50)/100 = 500/100 = 5; net = |5*50-5*50|/100 = 0
	result := mgr.Evaluate(Input{
		Positions:         positions,
		Prices:            prices,
		HistoricalReturns: map[string][]float64{},
		Capital:           100,
	})

	assert.InDelta(t, 0.8, result.Multipliers[core.RiskLeverage], 1e-9)
	assert.True(t, result.RiskExceeded)
	assert.InDelta(t, 0.8, result.RecommendedScale, 1e-9)
}

// TestEvaluate_ScaleBounds verifies testable property #5: 0 <=
// recommended_scale <= 1, and risk_exceeded iff recommended_scale < 1.
func TestEvaluate_ScaleBounds(t *testing.T) {
	mgr := NewManager(DefaultLimits())
	result := mgr.Evaluate(Input{
		Positions:         map[string]decimal.Decimal{"A": dec("1")},
		Prices:            map[string]decimal.Decimal{"A": dec("100")},
		HistoricalReturns: map[string][]float64{"A": {0.01, -0.02, 0.015, -0.01}},
		Capital:           1000000,
	})
	assert.GreaterOrEqual(t, result.RecommendedScale, 0.0)
	assert.LessOrEqual(t, result.RecommendedScale, 1.0)
	assert.Equal(t, result.RecommendedScale < 1, result.RiskExceeded)
}

func TestEvaluate_NonPositiveCapital(t *testing.T) {
	mgr := NewManager(DefaultLimits())
	result := mgr.Evaluate(Input{
		Positions: map[string]decimal.Decimal{"A": dec("1")},
		Prices:    map[string]decimal.Decimal{"A": dec("100")},
		Capital:   0,
	})
	assert.Equal(t, 0.0, result.RecommendedScale)
	assert.True(t, result.RiskExceeded)
}
