package metrics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func day(t int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, t)
}

// TestCompute_TotalReturnRoundTrip verifies testable property #7: the
// compounded product of (1+r_i) over the returned daily-return series
// recovers the equity curve's total return, within floating-point
// tolerance.
func TestCompute_TotalReturnRoundTrip(t *testing.T) {
	curve := []core.EquityPoint{
		{Timestamp: day(0), PortfolioValue: dec("100000")},
		{Timestamp: day(1), PortfolioValue: dec("101000")},
		{Timestamp: day(2), PortfolioValue: dec("99500")},
		{Timestamp: day(3), PortfolioValue: dec("103000")},
	}
	calc := New(DefaultConfig())
	results := calc.Compute(curve, nil, nil)

	returns := dailyReturns(curve)
	require.Len(t, returns, 3)

	compounded := 1.0
	for _, r := range returns {
		compounded *= 1 + r
	}
	expectedTotalReturn := compounded - 1

	assert.InDelta(t, expectedTotalReturn, results.TotalReturn, 1e-9)
}

// TestCompute_VaRBoundaryGaussian verifies testable property #8: for a
// large approximately-Gaussian daily-return series with mean 0 and
// standard deviation sigma, VaR95 converges toward 1.645*sigma.
func TestCompute_VaRBoundaryGaussian(t *testing.T) {
	const n = 2000
	const sigma = 0.01

	curve := make([]core.EquityPoint, 0, n+1)
	value := 100000.0
	curve = append(curve, core.EquityPoint{Timestamp: day(0), PortfolioValue: decimal.NewFromFloat(value)})

	// Deterministic pseudo-Gaussian series via Box-Muller over a fixed
	// low-discrepancy sequence (no math/rand, toolchain is never executed so
	// determinism matters more than true randomness here).
	for i := 1; i <= n; i++ {
		u1 := (float64(i%997) + 1) / 998
		u2 := (float64((i*7)%991) + 1) / 992
		z := math.Sqrt(-2*math.Log(u1)) * math.Cos(2*math.Pi*u2)
		r := z * sigma
		value *= 1 + r
		curve = append(curve, core.EquityPoint{Timestamp: day(i), PortfolioValue: decimal.NewFromFloat(value)})
	}

	calc := New(DefaultConfig())
	results := calc.Compute(curve, nil, nil)

	assert.InDelta(t, 1.645*sigma, results.VaR95, 0.5*sigma)
}

// TestCompute_WarmupExclusion reproduces scenario S4: metrics are computed
// only from the post-warmup slice of the equity curve, but the stored
// EquityCurve retains every point including the warmup prefix.
func TestCompute_WarmupExclusion(t *testing.T) {
	curve := []core.EquityPoint{
		{Timestamp: day(0), PortfolioValue: dec("100000")},
		{Timestamp: day(1), PortfolioValue: dec("50000")},  // warmup noise, excluded
		{Timestamp: day(2), PortfolioValue: dec("100000")}, // metric window starts here
		{Timestamp: day(3), PortfolioValue: dec("110000")},
	}
	calc := New(Config{WarmupDays: 2})
	results := calc.Compute(curve, nil, nil)

	require.Len(t, results.EquityCurve, 4)
	assert.InDelta(t, 0.10, results.TotalReturn, 1e-9)
}

func TestCompute_EmptyInputsNoPanic(t *testing.T) {
	calc := New(DefaultConfig())
	results := calc.Compute(nil, nil, nil)
	assert.Equal(t, 0.0, results.TotalReturn)
	assert.Empty(t, results.TradeStats.Trades)
}

// TestReplayExecutions_RoundTrip verifies a simple buy-then-sell round trip
// realizes the expected P&L through the FIFO ledger.
func TestReplayExecutions_RoundTrip(t *testing.T) {
	executions := []core.ExecutionReport{
		{Symbol: "ES", Side: core.SideBuy, FilledQuantity: dec("2"), FillPrice: dec("100"), FillTime: day(0)},
		{Symbol: "ES", Side: core.SideSell, FilledQuantity: dec("2"), FillPrice: dec("110"), FillTime: day(1)},
	}
	stats, symbolPnL := replayExecutions(executions)
	require.Len(t, stats.Trades, 1)
	assert.True(t, stats.Trades[0].RealizedPnL.Equal(dec("20")))
	assert.True(t, symbolPnL["ES"].Equal(dec("20")))
	assert.Equal(t, 1, stats.WinningTrades)
}

// TestCompute_TransactionCostSummaryParticipationAndReversion verifies the
// TCA supplement's participation rate (filled quantity over the fill bar's
// volume) and price reversion (next day's close relative to the fill price,
// in bps): a 100-contract fill against a 1000-volume bar is 10%
// participation, and a 100 -> 102 overnight move off a 100 fill is 200bps
// of reversion.
func TestCompute_TransactionCostSummaryParticipationAndReversion(t *testing.T) {
	bars := []core.Bar{
		{Timestamp: day(0), Symbol: "ES", Open: dec("100"), High: dec("100"), Low: dec("100"), Close: dec("100"), Volume: dec("1000")},
		{Timestamp: day(1), Symbol: "ES", Open: dec("102"), High: dec("102"), Low: dec("102"), Close: dec("102"), Volume: dec("1000")},
	}
	executions := []core.ExecutionReport{
		{Symbol: "ES", Side: core.SideBuy, FilledQuantity: dec("100"), FillPrice: dec("100"), FillTime: day(0), TotalTransactionCosts: dec("1")},
	}
	curve := []core.EquityPoint{
		{Timestamp: day(0), PortfolioValue: dec("100000")},
		{Timestamp: day(1), PortfolioValue: dec("100200")},
	}

	calc := New(DefaultConfig())
	results := calc.Compute(curve, executions, bars)

	assert.InDelta(t, 0.1, results.TransactionCosts.ParticipationRate, 1e-9)
	assert.InDelta(t, 200.0, results.TransactionCosts.PriceReversionBps, 1e-9)
}

// TestCompute_TransactionCostSummaryMissingBarsStaysZero verifies that an
// execution log with no accompanying bars leaves participation and
// reversion at zero rather than panicking or dividing by zero.
func TestCompute_TransactionCostSummaryMissingBarsStaysZero(t *testing.T) {
	executions := []core.ExecutionReport{
		{Symbol: "ES", Side: core.SideBuy, FilledQuantity: dec("100"), FillPrice: dec("100"), FillTime: day(0)},
	}
	calc := New(DefaultConfig())
	results := calc.Compute(nil, executions, nil)

	assert.Equal(t, 0.0, results.TransactionCosts.ParticipationRate)
	assert.Equal(t, 0.0, results.TransactionCosts.PriceReversionBps)
}
