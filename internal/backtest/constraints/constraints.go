// Package constraints implements PortfolioConstraints: the per-day glue
// between RiskManager and the DynamicOptimizer, plus the rolling
// price/return history the optimizer's covariance estimate is built from.
// Per spec §4.4, it always applies risk scaling before optimization and
// never re-invokes the optimizer after a second risk pass.
package constraints

import (
	"math"
	"sort"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/backtest/optimizer"
	"github.com/kestrelquant/backtestlab/internal/backtest/risk"
)

// Config fixes which stages run and the covariance-estimation parameters.
type Config struct {
	UseRiskManagement       bool
	UseOptimization         bool
	RiskLimits              risk.Limits
	OptimizerConfig         optimizer.Config
	MinPeriodsForCovariance int
	DefaultVariance         float64
	MaxHistoryLength        int
	Capital                 float64
}

// DefaultConfig returns the spec's stated defaults: 20 minimum periods for
// covariance, a 252-day rolling history window.
func DefaultConfig(capital float64) Config {
	return Config{
		UseRiskManagement:       true,
		UseOptimization:         true,
		RiskLimits:              risk.DefaultLimits(),
		OptimizerConfig:         optimizer.DefaultConfig(),
		MinPeriodsForCovariance: 20,
		DefaultVariance:         0.0004, // ~2% daily vol squared
		MaxHistoryLength:        252,
		Capital:                 capital,
	}
}

// Constraints owns exactly one RiskManager and one Optimizer instance for
// the lifetime of a run (spec §3 ownership), plus the rolling per-symbol
// price/return history used to build the optimizer's covariance matrix.
type Constraints struct {
	cfg       Config
	riskMgr   *risk.Manager
	optimizer *optimizer.Optimizer
	logger    zerolog.Logger

	priceHistory  map[string][]float64
	returnHistory map[string][]float64
}

// New constructs a Constraints instance for a single run.
func New(cfg Config) *Constraints {
	return &Constraints{
		cfg:           cfg,
		riskMgr:       risk.NewManager(cfg.RiskLimits),
		optimizer:     optimizer.New(cfg.OptimizerConfig),
		logger:        log.Logger,
		priceHistory:  make(map[string][]float64),
		returnHistory: make(map[string][]float64),
	}
}

// WithLogger overrides the package-level logger.
func (c *Constraints) WithLogger(l zerolog.Logger) *Constraints {
	c.logger = l
	return c
}

// UpdateHistoricalReturns appends today's close to each symbol's rolling
// price history, truncates to MaxHistoryLength, and recomputes the simple
// relative return r_t = (p_t - p_{t-1}) / p_{t-1} for p_{t-1} > 0, dropping
// non-finite results, per spec §4.4.
func (c *Constraints) UpdateHistoricalReturns(bars map[string]decimal.Decimal) {
	maxLen := c.cfg.MaxHistoryLength
	if maxLen <= 0 {
		maxLen = 252
	}
	for symbol, closePrice := range bars {
		price, _ := closePrice.Float64()
		series := append(c.priceHistory[symbol], price)
		if len(series) > maxLen {
			series = series[len(series)-maxLen:]
		}
		c.priceHistory[symbol] = series
		c.returnHistory[symbol] = simpleReturns(series)
	}
}

func simpleReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev := prices[i-1]
		if prev <= 0 {
			continue
		}
		r := (prices[i] - prev) / prev
		if math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// PriceHistory exposes a symbol's rolling close-price series, the shape the
// strategy capability set's GetPriceHistory operation returns (spec §6).
func (c *Constraints) PriceHistory(symbol string) []float64 {
	return c.priceHistory[symbol]
}

// Apply performs, in order: risk scaling, then optimization, mutating
// positions in place (spec §4.4). riskMetricsOut is appended to
// unconditionally when risk management is enabled.
func (c *Constraints) Apply(bars map[string]core.Bar, positions map[string]core.Position, riskMetricsOut *[]core.RiskResult) error {
	prices := make(map[string]decimal.Decimal, len(bars))
	for symbol, bar := range bars {
		prices[symbol] = bar.Close
	}

	if c.cfg.UseRiskManagement {
		riskInput := risk.Input{
			Positions:         quantities(positions),
			Prices:            prices,
			HistoricalReturns: c.returnHistory,
			Capital:           c.cfg.Capital,
		}
		result := c.riskMgr.Evaluate(riskInput)
		if riskMetricsOut != nil {
			*riskMetricsOut = append(*riskMetricsOut, result)
		}
		if result.RiskExceeded {
			scaleDecimal := decimal.NewFromFloat(result.RecommendedScale)
			for symbol, pos := range positions {
				pos.Quantity = pos.Quantity.Mul(scaleDecimal)
				positions[symbol] = pos
			}
		}
	}

	if c.cfg.UseOptimization && len(positions) > 1 {
		if err := c.optimize(positions); err != nil {
			// Optimizer failures are logged and swallowed per spec §4.4 and
			// §7: positions are left as risk-scaled, the day continues.
			c.logger.Warn().Err(err).Msg("constraints: optimizer failed, keeping risk-scaled positions")
		}
	}
	return nil
}

// optimize builds the per-symbol (current, target) arrays — both equal to
// the already-scaled quantities, since the optimizer's only job here is to
// project onto an integer-contract lattice — and a covariance matrix from
// the rolling return history, then rewrites positions with the optimizer's
// rounded result.
func (c *Constraints) optimize(positions map[string]core.Position) error {
	symbols := make([]string, 0, len(positions))
	for symbol := range positions {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	current := make(map[string]float64, len(symbols))
	target := make(map[string]float64, len(symbols))
	costs := make(map[string]float64, len(symbols))
	weights := make(map[string]float64, len(symbols))
	for _, symbol := range symbols {
		qty, _ := positions[symbol].Quantity.Float64()
		current[symbol] = qty
		target[symbol] = qty
		costs[symbol] = 0 // cost model lives in ExecutionManager; kept neutral to avoid double counting.
		weights[symbol] = 1
	}

	cov := c.covarianceMatrix(symbols)

	result, err := c.optimizer.Optimize(optimizer.Input{
		Symbols:    symbols,
		Current:    current,
		Target:     target,
		Costs:      costs,
		Weights:    weights,
		Covariance: cov,
	})
	if err != nil {
		return err
	}
	if !result.Converged {
		c.logger.Warn().Int("iterations", result.Iterations).Msg("constraints: optimizer did not converge, using last iterate")
	}

	for symbol, contracts := range result.Positions {
		pos := positions[symbol]
		pos.Quantity = decimal.NewFromInt(contracts)
		positions[symbol] = pos
	}
	return nil
}

// covarianceMatrix computes sample covariance from the common overlapping
// window of symbols' return histories; falls back to a diagonal matrix with
// DefaultVariance when the overlap is shorter than MinPeriodsForCovariance.
func (c *Constraints) covarianceMatrix(symbols []string) [][]float64 {
	n := len(symbols)
	minLen := -1
	for _, symbol := range symbols {
		l := len(c.returnHistory[symbol])
		if minLen == -1 || l < minLen {
			minLen = l
		}
	}
	if minLen < c.cfg.MinPeriodsForCovariance {
		return diagonal(n, c.cfg.DefaultVariance)
	}

	series := make([][]float64, n)
	for i, symbol := range symbols {
		full := c.returnHistory[symbol]
		series[i] = full[len(full)-minLen:]
	}

	means := make([]float64, n)
	for i := range series {
		means[i] = mean(series[i])
	}

	cov := make([][]float64, n)
	for i := range cov {
		cov[i] = make([]float64, n)
	}
	denom := float64(minLen - 1)
	if denom <= 0 {
		return diagonal(n, c.cfg.DefaultVariance)
	}
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			var sum float64
			for t := 0; t < minLen; t++ {
				sum += (series[i][t] - means[i]) * (series[j][t] - means[j])
			}
			v := sum / denom
			cov[i][j] = v
			cov[j][i] = v
		}
	}
	return cov
}

func diagonal(n int, variance float64) [][]float64 {
	m := make([][]float64, n)
	for i := range m {
		m[i] = make([]float64, n)
		m[i][i] = variance
	}
	return m
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

func quantities(positions map[string]core.Position) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(positions))
	for symbol, pos := range positions {
		out[symbol] = pos.Quantity
	}
	return out
}

