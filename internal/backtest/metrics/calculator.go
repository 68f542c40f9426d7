// Package metrics implements the stateless MetricsCalculator: end-of-run
// performance metrics from an equity curve and execution log, per spec
// §4.7. Grounded on the teacher's internal/report/perf.PerfCalculator
// decomposition (CalculatePerformance dispatching to per-concern
// calculateXMetrics helpers operating on a shared result struct), adapted
// from the teacher's simplified/assumed trade outcomes to an exact FIFO
// per-symbol ledger replay as spec §4.7 requires.
package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

const annualizationFactor = 252

// Config fixes the calculator's parameters for a single Compute call.
type Config struct {
	RiskFreeRate float64
	WarmupDays   int
	// SortinoTarget is the minimum acceptable return for the downside
	// deviation denominator; spec §4.7 defaults it to 0.
	SortinoTarget float64
	// Benchmark, if non-nil, is a caller-supplied daily return series
	// aligned to the (post-warmup) equity curve; when present, Beta is the
	// standard OLS beta against it instead of the lag-1 self-correlation
	// placeholder (spec §9 open question).
	Benchmark []float64
}

// DefaultConfig returns risk-free rate 0, no warmup, Sortino target 0.
func DefaultConfig() Config {
	return Config{RiskFreeRate: 0, WarmupDays: 0, SortinoTarget: 0}
}

// Calculator is stateless; a single instance may be reused across runs.
type Calculator struct {
	cfg Config
}

// New constructs a Calculator.
func New(cfg Config) *Calculator {
	return &Calculator{cfg: cfg}
}

// Compute processes the equity curve and execution log into a populated
// core.BacktestResults. equityCurve, executions, and bars are read-only; the
// warmup-excluded prefix is dropped only from the metric computation, never
// from the stored equity curve (spec §4.7). bars is the full, ungrouped bar
// stream the run was loaded from; it feeds the TCA participation-rate and
// price-reversion stats and may be nil (they're simply left at zero then).
func (c *Calculator) Compute(equityCurve []core.EquityPoint, executions []core.ExecutionReport, bars []core.Bar) core.BacktestResults {
	results := core.BacktestResults{
		EquityCurve: equityCurve,
	}

	metricCurve := equityCurve
	if c.cfg.WarmupDays > 0 && c.cfg.WarmupDays < len(equityCurve) {
		metricCurve = equityCurve[c.cfg.WarmupDays:]
	}

	returns := dailyReturns(metricCurve)

	c.computeReturnMetrics(metricCurve, returns, &results)
	results.DrawdownCurve, results.MaxDrawdown = drawdownCurve(metricCurve)
	c.computeRiskAdjustedMetrics(returns, results.MaxDrawdown, results.TotalReturn, &results)
	c.computeTailMetrics(returns, &results)
	c.computeBeta(returns, &results)
	results.MonthlyReturns = monthlyReturns(metricCurve)

	tradeStats, symbolPnL := replayExecutions(executions)
	results.TradeStats = tradeStats
	results.SymbolPnL = symbolPnL
	results.TransactionCosts = summarizeCosts(executions, bars)

	return results
}

// dailyReturns computes r_i = (E_i - E_{i-1}) / E_{i-1}, skipping any
// E_{i-1} <= 0.
func dailyReturns(curve []core.EquityPoint) []float64 {
	if len(curve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].PortfolioValue
		if !prev.IsPositive() {
			continue
		}
		r, _ := curve[i].PortfolioValue.Sub(prev).Div(prev).Float64()
		out = append(out, r)
	}
	return out
}

func (c *Calculator) computeReturnMetrics(curve []core.EquityPoint, returns []float64, results *core.BacktestResults) {
	if len(curve) < 2 {
		return
	}
	e0 := curve[0].PortfolioValue
	eN := curve[len(curve)-1].PortfolioValue
	if e0.IsPositive() {
		tr, _ := eN.Sub(e0).Div(e0).Float64()
		results.TotalReturn = tr
	}
	results.AnnualizedVol = stdev(returns) * math.Sqrt(annualizationFactor)
}

// computeRiskAdjustedMetrics computes Sharpe, Sortino, and Calmar.
func (c *Calculator) computeRiskAdjustedMetrics(returns []float64, maxDrawdown, totalReturn float64, results *core.BacktestResults) {
	n := float64(len(returns))
	if n == 0 {
		return
	}
	meanReturn := mean(returns)
	annualizedReturn := meanReturn * (annualizationFactor / n)

	if results.AnnualizedVol > 0 {
		results.Sharpe = (annualizedReturn - c.cfg.RiskFreeRate) / results.AnnualizedVol
	}

	downside := downsideDeviation(returns, c.cfg.SortinoTarget) * math.Sqrt(annualizationFactor)
	if downside > 0 {
		results.Sortino = (annualizedReturn - c.cfg.RiskFreeRate) / downside
	} else if annualizedReturn >= 0 {
		results.Sortino = 999
	}

	if maxDrawdown > 0 {
		results.Calmar = totalReturn / maxDrawdown
	} else if totalReturn >= 0 {
		results.Calmar = 999
	}
}

// computeTailMetrics computes VaR95 and CVaR95 from the sorted return
// distribution.
func (c *Calculator) computeTailMetrics(returns []float64, results *core.BacktestResults) {
	n := len(returns)
	if n == 0 {
		return
	}
	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)

	cutoff := int(math.Floor(0.05 * float64(n)))
	if cutoff >= n {
		cutoff = n - 1
	}
	results.VaR95 = -sorted[cutoff]

	worstCount := cutoff + 1
	var sum float64
	for i := 0; i < worstCount; i++ {
		sum += sorted[i]
	}
	results.CVaR95 = -sum / float64(worstCount)
}

// computeBeta implements the spec §9 placeholder (lag-1 self-correlation of
// portfolio returns), or a true OLS beta against c.cfg.Benchmark when
// supplied.
func (c *Calculator) computeBeta(returns []float64, results *core.BacktestResults) {
	if len(c.cfg.Benchmark) > 0 {
		results.Beta = olsBeta(returns, c.cfg.Benchmark)
		results.BenchmarkProvided = true
		return
	}
	if len(returns) < 2 {
		return
	}
	results.Beta = correlation(returns[1:], returns[:len(returns)-1])
	results.BenchmarkProvided = false
}

func olsBeta(returns, benchmark []float64) float64 {
	n := len(returns)
	if len(benchmark) < n {
		n = len(benchmark)
	}
	if n < 2 {
		return 0
	}
	r := returns[:n]
	b := benchmark[:n]
	meanB := mean(b)
	var cov, varB float64
	meanR := mean(r)
	for i := 0; i < n; i++ {
		db := b[i] - meanB
		cov += (r[i] - meanR) * db
		varB += db * db
	}
	if varB == 0 {
		return 0
	}
	return cov / varB
}

func correlation(x, y []float64) float64 {
	n := len(x)
	if n != len(y) || n == 0 {
		return 0
	}
	meanX, meanY := mean(x), mean(y)
	var num, sumX2, sumY2 float64
	for i := 0; i < n; i++ {
		dx, dy := x[i]-meanX, y[i]-meanY
		num += dx * dy
		sumX2 += dx * dx
		sumY2 += dy * dy
	}
	denom := math.Sqrt(sumX2 * sumY2)
	if denom == 0 {
		return 0
	}
	return num / denom
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stdev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	m := mean(xs)
	var variance float64
	for _, x := range xs {
		d := x - m
		variance += d * d
	}
	variance /= float64(len(xs) - 1)
	if variance < 0 {
		return 0
	}
	return math.Sqrt(variance)
}

func downsideDeviation(returns []float64, target float64) float64 {
	var sumSq float64
	var count int
	for _, r := range returns {
		if r < target {
			d := r - target
			sumSq += d * d
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Sqrt(sumSq / float64(count))
}

// drawdownCurve computes, for each equity point, (peak - value)/peak, and
// returns the curve alongside the single maximum drawdown value.
func drawdownCurve(curve []core.EquityPoint) ([]core.DrawdownPoint, float64) {
	if len(curve) == 0 {
		return nil, 0
	}
	out := make([]core.DrawdownPoint, len(curve))
	peak := curve[0].PortfolioValue
	var maxDD float64
	for i, point := range curve {
		if point.PortfolioValue.GreaterThan(peak) {
			peak = point.PortfolioValue
		}
		var dd float64
		if peak.IsPositive() {
			dd, _ = peak.Sub(point.PortfolioValue).Div(peak).Float64()
		}
		if dd > maxDD {
			maxDD = dd
		}
		out[i] = core.DrawdownPoint{Timestamp: point.Timestamp, Drawdown: dd}
	}
	return out, maxDD
}

// monthlyReturns sums the per-period returns keyed "YYYY-MM".
func monthlyReturns(curve []core.EquityPoint) map[string]float64 {
	out := make(map[string]float64)
	if len(curve) < 2 {
		return out
	}
	for i := 1; i < len(curve); i++ {
		prev := curve[i-1].PortfolioValue
		if !prev.IsPositive() {
			continue
		}
		r, _ := curve[i].PortfolioValue.Sub(prev).Div(prev).Float64()
		key := curve[i].Timestamp.Format("2006-01")
		out[key] += r
	}
	return out
}

// lot is one open FIFO lot for a symbol's position ledger.
type lot struct {
	quantity  decimal.Decimal
	price     decimal.Decimal
	openTime  time.Time
}

// replayExecutions replays the execution log as a FIFO per-symbol position
// ledger, realizing P&L on position-reducing trades, per spec §4.7.
func replayExecutions(executions []core.ExecutionReport) (core.TradeStatistics, map[string]decimal.Decimal) {
	sorted := append([]core.ExecutionReport(nil), executions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].FillTime.Before(sorted[j].FillTime)
	})

	bySymbol := make(map[string][]lot)
	symbolPnL := make(map[string]decimal.Decimal)
	var trades []core.TradeRecord

	for _, exec := range sorted {
		signed := exec.FilledQuantity
		if exec.Side == core.SideSell {
			signed = signed.Neg()
		}
		queue := bySymbol[exec.Symbol]

		sameDirection := len(queue) == 0 || sameSign(queue[0].quantity, signed)
		if sameDirection {
			queue = append(queue, lot{quantity: signed, price: exec.FillPrice, openTime: exec.FillTime})
			bySymbol[exec.Symbol] = queue
			continue
		}

		remaining := signed.Abs()
		for remaining.IsPositive() && len(queue) > 0 {
			head := queue[0]
			headQty := head.quantity.Abs()
			matched := decimal.Min(headQty, remaining)

			var realized decimal.Decimal
			if head.quantity.IsPositive() {
				// closing a long: sell at exec.FillPrice
				realized = matched.Mul(exec.FillPrice.Sub(head.price))
			} else {
				// closing a short: buy at exec.FillPrice
				realized = matched.Mul(head.price.Sub(exec.FillPrice))
			}
			symbolPnL[exec.Symbol] = symbolPnL[exec.Symbol].Add(realized)

			holdingDays := exec.FillTime.Sub(head.openTime).Hours() / 24
			trades = append(trades, core.TradeRecord{
				Symbol:      exec.Symbol,
				OpenTime:    head.openTime,
				CloseTime:   exec.FillTime,
				Quantity:    matched,
				EntryPrice:  head.price,
				ExitPrice:   exec.FillPrice,
				RealizedPnL: realized,
				HoldingDays: holdingDays,
			})

			remaining = remaining.Sub(matched)
			headQty = headQty.Sub(matched)
			if headQty.IsZero() {
				queue = queue[1:]
			} else {
				if head.quantity.IsPositive() {
					queue[0] = lot{quantity: headQty, price: head.price, openTime: head.openTime}
				} else {
					queue[0] = lot{quantity: headQty.Neg(), price: head.price, openTime: head.openTime}
				}
			}
		}
		if remaining.IsPositive() {
			// Flipped through flat: remainder opens a new lot in the
			// execution's direction.
			newSigned := remaining
			if exec.Side == core.SideSell {
				newSigned = newSigned.Neg()
			}
			queue = append(queue, lot{quantity: newSigned, price: exec.FillPrice, openTime: exec.FillTime})
		}
		bySymbol[exec.Symbol] = queue
	}

	return summarizeTrades(trades), symbolPnL
}

func sameSign(a, b decimal.Decimal) bool {
	if a.IsZero() || b.IsZero() {
		return true
	}
	return a.IsPositive() == b.IsPositive()
}

func summarizeTrades(trades []core.TradeRecord) core.TradeStatistics {
	stats := core.TradeStatistics{Trades: trades, TotalTrades: len(trades)}
	if len(trades) == 0 {
		return stats
	}

	var grossProfit, grossLoss decimal.Decimal
	var totalHoldingDays float64

	for _, trade := range trades {
		totalHoldingDays += trade.HoldingDays
		if trade.RealizedPnL.IsPositive() {
			stats.WinningTrades++
			grossProfit = grossProfit.Add(trade.RealizedPnL)
			if trade.RealizedPnL.GreaterThan(stats.MaxWin) {
				stats.MaxWin = trade.RealizedPnL
			}
		} else if trade.RealizedPnL.IsNegative() {
			stats.LosingTrades++
			grossLoss = grossLoss.Add(trade.RealizedPnL)
			if trade.RealizedPnL.LessThan(stats.MaxLoss) {
				stats.MaxLoss = trade.RealizedPnL
			}
		}
	}

	if stats.WinningTrades > 0 {
		stats.AverageWin = grossProfit.Div(decimal.NewFromInt(int64(stats.WinningTrades)))
	}
	if stats.LosingTrades > 0 {
		stats.AverageLoss = grossLoss.Div(decimal.NewFromInt(int64(stats.LosingTrades)))
	}
	if !grossLoss.IsZero() {
		gp, _ := grossProfit.Float64()
		gl, _ := grossLoss.Abs().Float64()
		if gl > 0 {
			stats.ProfitFactor = gp / gl
		}
	}
	stats.AverageHoldingDays = totalHoldingDays / float64(len(trades))
	return stats
}

// barsBySymbol groups bars by symbol, each series sorted ascending by
// timestamp, for the post-fill lookups summarizeCosts needs.
func barsBySymbol(bars []core.Bar) map[string][]core.Bar {
	grouped := make(map[string][]core.Bar)
	for _, b := range bars {
		grouped[b.Symbol] = append(grouped[b.Symbol], b)
	}
	for symbol, series := range grouped {
		sort.Slice(series, func(i, j int) bool { return series[i].Timestamp.Before(series[j].Timestamp) })
		grouped[symbol] = series
	}
	return grouped
}

// summarizeCosts aggregates the execution log's cost fields into a
// TCA-style convenience report (spec-supplemented per SPEC_FULL.md Part D,
// grounded on trade-ngin's transaction_cost_analysis: participation_rate is
// traded quantity over the market's volume at the fill bar, and
// price_reversion is the post-trade price move relative to the fill price —
// adapted here from trade-ngin's 5-minute/30-minute intraday windows to this
// engine's daily bars: the fill's own day for participation, the following
// day's close for reversion). Both are left at zero for an execution whose
// symbol or fill day isn't present in bars.
func summarizeCosts(executions []core.ExecutionReport, bars []core.Bar) core.TransactionCostSummary {
	var summary core.TransactionCostSummary
	var totalNotional decimal.Decimal
	bySymbol := barsBySymbol(bars)

	var participationNotional, participationWeighted float64
	var reversionSum float64
	var reversionCount int

	for _, exec := range executions {
		summary.TotalCommissions = summary.TotalCommissions.Add(exec.CommissionsFees)
		summary.TotalImplicitImpact = summary.TotalImplicitImpact.Add(exec.ImplicitPriceImpact)
		summary.TotalSlippageImpact = summary.TotalSlippageImpact.Add(exec.SlippageMarketImpact)
		summary.TotalCosts = summary.TotalCosts.Add(exec.TotalTransactionCosts)
		notional := exec.FilledQuantity.Mul(exec.FillPrice)
		totalNotional = totalNotional.Add(notional)

		series := bySymbol[exec.Symbol]
		fillIdx := -1
		for i, b := range series {
			if b.Timestamp.Equal(exec.FillTime) {
				fillIdx = i
				break
			}
		}
		if fillIdx < 0 {
			continue
		}

		if volume := series[fillIdx].Volume; volume.IsPositive() {
			qty, _ := exec.FilledQuantity.Float64()
			vol, _ := volume.Float64()
			w, _ := notional.Abs().Float64()
			participationNotional += (qty / vol) * w
			participationWeighted += w
		}
		if fillIdx+1 < len(series) && exec.FillPrice.IsPositive() {
			nextClose := series[fillIdx+1].Close
			reversion, _ := nextClose.Sub(exec.FillPrice).Div(exec.FillPrice).Float64()
			reversionSum += reversion * 1e4
			reversionCount++
		}
	}

	if totalNotional.IsPositive() {
		bps, _ := summary.TotalCosts.Div(totalNotional).Float64()
		summary.AverageCostBps = bps * 1e4
	}
	if participationWeighted > 0 {
		summary.ParticipationRate = participationNotional / participationWeighted
	}
	if reversionCount > 0 {
		summary.PriceReversionBps = reversionSum / float64(reversionCount)
	}
	return summary
}
