// Package risk implements the RiskManager: four annualized risk multipliers
// (portfolio VaR, jump risk, correlation risk, leverage) folded into a
// single recommended scale factor, per spec §4.6.
package risk

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

const annualizationFactor = 252

// Limits fixes the multiplier-computation thresholds for a run.
type Limits struct {
	MaxGrossLeverage float64
	MaxNetLeverage   float64
	// MaxPortfolioVaR, MaxJumpRisk, MaxCorrelationRisk are the "current"
	// risk levels the historical 99th-percentile tail is compared against;
	// when the historical tail exceeds one of these, the corresponding
	// multiplier scales down proportionally.
	MaxPortfolioVaR    float64
	MaxJumpRisk        float64
	MaxCorrelationRisk float64
}

// DefaultLimits returns conservative defaults grounded on the teacher's
// risk-limit style config blocks (internal/application/config.go).
func DefaultLimits() Limits {
	return Limits{
		MaxGrossLeverage:   4.0,
		MaxNetLeverage:     2.0,
		MaxPortfolioVaR:    0.02,
		MaxJumpRisk:        0.05,
		MaxCorrelationRisk: 0.03,
	}
}

// Manager computes the per-day RiskResult. Stateless apart from its fixed
// Limits; the Coordinator's PortfolioConstraints owns exactly one instance
// per run.
type Manager struct {
	limits Limits
	logger zerolog.Logger
}

// NewManager constructs a Manager with the given limits.
func NewManager(limits Limits) *Manager {
	return &Manager{limits: limits, logger: log.Logger}
}

// WithLogger overrides the package-level logger.
func (m *Manager) WithLogger(l zerolog.Logger) *Manager {
	m.logger = l
	return m
}

// Input is one day's risk-evaluation inputs.
type Input struct {
	// Positions maps symbol -> signed quantity.
	Positions map[string]decimal.Decimal
	// Prices maps symbol -> current price (used for notional weighting).
	Prices map[string]decimal.Decimal
	// HistoricalReturns maps symbol -> a time-ordered return series.
	HistoricalReturns map[string][]float64
	Capital           float64
}

// Evaluate computes the four risk multipliers and the recommended scale.
func (m *Manager) Evaluate(in Input) core.RiskResult {
	result := core.RiskResult{
		Multipliers:   make(map[core.RiskMultiplierKind]float64),
		SourceMetrics: make(map[core.RiskMultiplierKind]float64),
	}

	if in.Capital <= 0 {
		m.logger.Warn().Float64("capital", in.Capital).Msg("risk: non-positive capital, multiplier forced to 0")
		result.Multipliers[core.RiskPortfolioVaR] = 0
		result.Multipliers[core.RiskJump] = 0
		result.Multipliers[core.RiskCorrelation] = 0
		result.Multipliers[core.RiskLeverage] = 0
		result.RecommendedScale = 0
		result.RiskExceeded = true
		return result
	}

	weights := notionalWeights(in.Positions, in.Prices, in.Capital)

	varMult, varSrc := m.portfolioVaR(weights, in.HistoricalReturns)
	jumpMult, jumpSrc := m.jumpRisk(weights, in.HistoricalReturns)
	corrMult, corrSrc := m.correlationRisk(weights, in.HistoricalReturns)
	levMult, levSrc := m.leverage(in.Positions, in.Prices, in.Capital)

	result.Multipliers[core.RiskPortfolioVaR] = varMult
	result.Multipliers[core.RiskJump] = jumpMult
	result.Multipliers[core.RiskCorrelation] = corrMult
	result.Multipliers[core.RiskLeverage] = levMult
	result.SourceMetrics[core.RiskPortfolioVaR] = varSrc
	result.SourceMetrics[core.RiskJump] = jumpSrc
	result.SourceMetrics[core.RiskCorrelation] = corrSrc
	result.SourceMetrics[core.RiskLeverage] = levSrc

	scale := math.Min(varMult, math.Min(jumpMult, math.Min(corrMult, levMult)))
	result.RecommendedScale = scale
	result.RiskExceeded = scale < 1
	return result
}

// notionalWeights returns |q_i * price_i| / sum(|q*price|) per symbol.
func notionalWeights(positions, prices map[string]decimal.Decimal, capital float64) map[string]float64 {
	notional := make(map[string]float64, len(positions))
	var total float64
	for sym, qty := range positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		n := qty.Mul(px).Abs()
		f, _ := n.Float64()
		notional[sym] = f
		total += f
	}
	weights := make(map[string]float64, len(notional))
	if total == 0 {
		return weights
	}
	for sym, n := range notional {
		weights[sym] = n / total
	}
	return weights
}

// percentile99 returns the 99th-percentile value of a sorted-ascending
// copy of values (tail risk, so the high end of the distribution).
func percentile99(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Ceil(0.99*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func scaleMultiplier(historical, current float64) float64 {
	if current <= 0 {
		return 1
	}
	if historical <= current {
		return 1
	}
	m := current / historical
	if m < 0 {
		return 0
	}
	if m > 1 {
		return 1
	}
	return m
}

// portfolioVaR weights each symbol's daily returns by notional weight,
// sums them into a daily portfolio-return series, takes the 99th-percentile
// tail, and annualizes by sqrt(252).
func (m *Manager) portfolioVaR(weights map[string]float64, returns map[string][]float64) (float64, float64) {
	n := maxSeriesLen(returns)
	if n == 0 {
		return 1, 0
	}
	daily := make([]float64, n)
	for sym, w := range weights {
		series := returns[sym]
		for i, r := range series {
			if i >= n {
				break
			}
			daily[i] += w * r
		}
	}
	abs := make([]float64, len(daily))
	for i, r := range daily {
		abs[i] = math.Abs(r)
	}
	tail := percentile99(abs) * math.Sqrt(annualizationFactor)
	return scaleMultiplier(tail, m.limits.MaxPortfolioVaR), tail
}

// jumpRisk takes the per-asset 99th-percentile absolute return, weights by
// notional weight, and annualizes.
func (m *Manager) jumpRisk(weights map[string]float64, returns map[string][]float64) (float64, float64) {
	var weighted float64
	for sym, w := range weights {
		series := returns[sym]
		if len(series) == 0 {
			continue
		}
		abs := make([]float64, len(series))
		for i, r := range series {
			abs[i] = math.Abs(r)
		}
		p99 := percentile99(abs)
		weighted += w * p99
	}
	annualized := weighted * math.Sqrt(annualizationFactor)
	return scaleMultiplier(annualized, m.limits.MaxJumpRisk), annualized
}

// correlationRisk uses sum_i |w_i * r_t,i| as a proxy per spec §4.6,
// annualized; this is intentionally the same shape as portfolioVaR's input
// series but aggregated via the absolute-sum proxy rather than the signed
// portfolio return.
func (m *Manager) correlationRisk(weights map[string]float64, returns map[string][]float64) (float64, float64) {
	n := maxSeriesLen(returns)
	if n == 0 {
		return 1, 0
	}
	series := make([]float64, n)
	for sym, w := range weights {
		for i, r := range returns[sym] {
			if i >= n {
				break
			}
			series[i] += math.Abs(w * r)
		}
	}
	p99 := percentile99(series) * math.Sqrt(annualizationFactor)
	return scaleMultiplier(p99, m.limits.MaxCorrelationRisk), p99
}

// leverage computes gross and net leverage against capital and returns the
// tighter of the two limit-implied multipliers.
func (m *Manager) leverage(positions, prices map[string]decimal.Decimal, capital float64) (float64, float64) {
	var grossNotional, netNotional float64
	for sym, qty := range positions {
		px, ok := prices[sym]
		if !ok {
			continue
		}
		f, _ := qty.Mul(px).Float64()
		grossNotional += math.Abs(f)
		netNotional += f
	}
	gross := grossNotional / capital
	net := math.Abs(netNotional) / capital

	mult := 1.0
	if m.limits.MaxGrossLeverage > 0 && gross > m.limits.MaxGrossLeverage {
		mult = math.Min(mult, m.limits.MaxGrossLeverage/gross)
	}
	if m.limits.MaxNetLeverage > 0 && net > m.limits.MaxNetLeverage {
		mult = math.Min(mult, m.limits.MaxNetLeverage/net)
	}
	if mult < 0 {
		mult = 0
	}
	return mult, gross
}

func maxSeriesLen(returns map[string][]float64) int {
	n := 0
	for _, series := range returns {
		if len(series) > n {
			n = len(series)
		}
	}
	return n
}
