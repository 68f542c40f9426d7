// Package coordinator implements the BacktestCoordinator: the per-day
// simulation state machine that wires the PnL manager, execution manager,
// portfolio constraints, and metrics calculator around a strategy, per spec
// §4.1. Grounded on the teacher's internal/backtest/smoke90.Runner for the
// overall run-state/Clock shape, generalized from smoke90's fixed
// stride/hold-period replay to the spec's beginning-of-day per-symbol
// position-delta model.
package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/kestrelquant/backtestlab/internal/backtest/constraints"
	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/backtest/execution"
	"github.com/kestrelquant/backtestlab/internal/backtest/metrics"
	"github.com/kestrelquant/backtestlab/internal/backtest/pnl"
	"github.com/kestrelquant/backtestlab/internal/backtest/strategy"
	"github.com/kestrelquant/backtestlab/internal/instruments"
	"github.com/kestrelquant/backtestlab/internal/marketdata"
)

// state is the Coordinator's internal lifecycle, per spec §4.1:
// Uninitialized -> Initialized -> Running -> Finished | Failed.
type state int

const (
	stateUninitialized state = iota
	stateInitialized
	stateRunning
	stateFinished
	stateFailed
)

// Clock abstracts time.Now so the run id's default timestamp is
// deterministically testable, mirroring the teacher's smoke90.Clock seam.
type Clock interface {
	Now() time.Time
}

// RealClock implements Clock with the wall clock.
type RealClock struct{}

// Now returns time.Now().UTC().
func (RealClock) Now() time.Time { return time.Now().UTC() }

// Config fixes a single run's parameters (spec §6's CLI-surface record).
type Config struct {
	StartDate              time.Time
	EndDate                time.Time
	InitialCapital         decimal.Decimal
	Symbols                []string
	WarmupDays             int
	StoreTradeDetails      bool
	RunID                  string
	UseRiskManagement      bool
	UseOptimization        bool
	ExecutionConfig        execution.Config
	ConstraintsConfig      constraints.Config
	MetricsConfig          metrics.Config
}

// Coordinator runs a single backtest. It exclusively owns its PnL manager,
// execution manager, portfolio constraints, and metrics calculator for the
// run's lifetime (spec §3 ownership); it borrows the strategy/provider and
// shares the registry by reference. Not reentrant: only one Run call may be
// in flight per instance (spec §5).
type Coordinator struct {
	provider marketdata.Provider
	registry *instruments.Registry
	clock    Clock
	logger   zerolog.Logger

	state state

	pnlMgr         *pnl.Manager
	execMgr        *execution.Manager
	constraintsMgr *constraints.Constraints

	stepObserver func(time.Duration)
}

// New constructs an uninitialized Coordinator for provider and registry.
func New(provider marketdata.Provider, registry *instruments.Registry) *Coordinator {
	return &Coordinator{
		provider: provider,
		registry: registry,
		clock:    RealClock{},
		logger:   log.Logger,
		state:    stateUninitialized,
	}
}

// WithClock overrides the default wall clock (test seam).
func (c *Coordinator) WithClock(clock Clock) *Coordinator {
	c.clock = clock
	return c
}

// WithLogger overrides the package-level logger.
func (c *Coordinator) WithLogger(l zerolog.Logger) *Coordinator {
	c.logger = l
	return c
}

// WithStepObserver registers a callback invoked with each simulated
// day's wall-clock processing duration, wired by the CLI into
// obsmetrics.Registry.ObserveDayStep. Optional; no-op when unset.
func (c *Coordinator) WithStepObserver(fn func(time.Duration)) *Coordinator {
	c.stepObserver = fn
	return c
}

// Run executes a complete backtest for a single strategy against cfg,
// driving it through Initialized -> Running -> Finished|Failed.
func (c *Coordinator) Run(ctx context.Context, cfg Config, strat strategy.Strategy) (core.BacktestResults, error) {
	return c.run(ctx, cfg, []strategy.Allocation{{Strategy: strat, Fraction: 1.0}})
}

// RunPortfolio executes a complete backtest for a portfolio of strategies
// (spec §4.1's portfolio variant). Each day, every strategy in allocations
// receives the day's bars independently; its reported positions are scaled
// by its Allocation.Fraction and aggregated into a single position map
// before constraints, execution, and P&L proceed exactly as in the
// single-strategy run.
func (c *Coordinator) RunPortfolio(ctx context.Context, cfg Config, allocations []strategy.Allocation) (core.BacktestResults, error) {
	return c.run(ctx, cfg, allocations)
}

func (c *Coordinator) run(ctx context.Context, cfg Config, allocations []strategy.Allocation) (result core.BacktestResults, err error) {
	defer func() {
		if r := recover(); r != nil {
			c.state = stateFailed
			err = core.NewError(core.KindInternal, "coordinator", fmt.Sprintf("recovered panic: %v", r))
		}
	}()

	if err := c.initialize(cfg); err != nil {
		c.state = stateFailed
		return core.BacktestResults{}, err
	}
	if len(allocations) == 0 {
		c.state = stateFailed
		return core.BacktestResults{}, core.NewError(core.KindInvalidArgument, "coordinator", "portfolio must contain at least one strategy allocation")
	}

	for _, alloc := range allocations {
		if err := alloc.Strategy.Initialize(); err != nil {
			c.state = stateFailed
			return core.BacktestResults{}, core.WrapError(core.KindInternal, "coordinator", "strategy initialization failed", err)
		}
		if err := alloc.Strategy.Start(); err != nil {
			c.state = stateFailed
			return core.BacktestResults{}, core.WrapError(core.KindInternal, "coordinator", "strategy start failed", err)
		}
	}
	defer func() {
		for _, alloc := range allocations {
			_ = alloc.Strategy.Stop()
		}
	}()

	bars, err := c.provider.GetMarketData(ctx, cfg.Symbols, cfg.StartDate, cfg.EndDate, marketdata.AssetClassFuture, marketdata.FrequencyDaily, marketdata.DataTypeBar)
	if err != nil {
		c.state = stateFailed
		return core.BacktestResults{}, core.WrapError(core.KindDataUnavailable, "coordinator", "market data load failed", err)
	}

	days := marketdata.GroupByDay(bars)
	if len(days) == 0 {
		c.state = stateFailed
		return core.BacktestResults{}, core.NewError(core.KindDataUnavailable, "coordinator", "no trading days in requested window")
	}

	c.state = stateRunning

	runID := cfg.RunID
	if runID == "" {
		runID = fmt.Sprintf("BT_%s", c.clock.Now().Format("20060102T150405Z"))
	}
	c.pnlMgr = pnl.NewManager(c.registry, cfg.InitialCapital).WithLogger(c.logger)
	c.execMgr = execution.NewManager(cfg.ExecutionConfig, runID).WithLogger(c.logger)
	c.constraintsMgr = constraints.New(cfg.ConstraintsConfig).WithLogger(c.logger)

	var equityCurve []core.EquityPoint
	var executions []core.ExecutionReport
	var riskMetrics []core.RiskResult
	var previousPositions map[string]core.Position
	var previousBars map[string]core.Bar

	for _, day := range days {
		if err := ctx.Err(); err != nil {
			c.state = stateFailed
			return core.BacktestResults{
				EquityCurve: equityCurve,
				Executions:  executions,
			}, core.WrapError(core.KindCancelled, "coordinator", "run cancelled between days", err)
		}

		stepStart := c.clock.Now()
		barsByDay := day.BySymbol()
		c.constraintsMgr.UpdateHistoricalReturns(closesOf(barsByDay))

		if previousBars == nil {
			// Warmup-seed day: hand bars to every strategy, snapshot each
			// allocation's resulting positions weighted and aggregated,
			// remember the bars, append the initial equity point, and
			// return without executing or accruing P&L.
			for _, alloc := range allocations {
				if err := alloc.Strategy.OnData(day.Bars); err != nil {
					c.state = stateFailed
					return core.BacktestResults{EquityCurve: equityCurve, Executions: executions}, core.WrapError(core.KindInternal, "coordinator", "strategy OnData failed on warmup day", err)
				}
			}
			previousPositions = aggregatePositions(allocations, strategy.Strategy.Positions)
			previousBars = barsByDay
			c.pnlMgr.UpdatePreviousCloses(closesOf(barsByDay))
			equityCurve = append(equityCurve, core.EquityPoint{Timestamp: day.Timestamp, PortfolioValue: c.pnlMgr.PortfolioValue()})
			if c.stepObserver != nil {
				c.stepObserver(c.clock.Now().Sub(stepStart))
			}
			continue
		}

		for _, alloc := range allocations {
			if err := alloc.Strategy.OnData(day.Bars); err != nil {
				c.state = stateFailed
				return core.BacktestResults{EquityCurve: equityCurve, Executions: executions}, core.WrapError(core.KindInternal, "coordinator", "strategy OnData failed", err)
			}
		}

		newPositions := aggregatePositions(allocations, strategy.TargetPositions)

		if cfg.UseRiskManagement || cfg.UseOptimization {
			if err := c.constraintsMgr.Apply(barsByDay, newPositions, &riskMetrics); err != nil {
				c.state = stateFailed
				return core.BacktestResults{EquityCurve: equityCurve, Executions: executions}, core.WrapError(core.KindInternal, "coordinator", "portfolio constraints failed", err)
			}
		}

		executionPrices := closesOf(previousBars)
		dayExecutions := c.execMgr.GenerateExecutions(previousPositions, newPositions, executionPrices, day.Timestamp)
		if cfg.StoreTradeDetails {
			executions = append(executions, dayExecutions...)
		}

		closeT := closesOf(barsByDay)
		dayResult := c.pnlMgr.CalculateDailyPnL(previousPositions, closeT)

		var totalCosts decimal.Decimal
		for _, exec := range dayExecutions {
			totalCosts = totalCosts.Add(exec.TotalTransactionCosts)
		}

		c.pnlMgr.ApplyPortfolioDelta(dayResult.TotalDailyPnL.Sub(totalCosts))
		equityCurve = append(equityCurve, core.EquityPoint{Timestamp: day.Timestamp, PortfolioValue: c.pnlMgr.PortfolioValue()})

		c.pnlMgr.UpdatePreviousCloses(closeT)
		for symbol, vol := range volumesOf(barsByDay) {
			prevClose := previousBars[symbol].Close
			c.execMgr.UpdateDaily(symbol, vol, closeT[symbol], prevClose)
		}

		previousPositions = newPositions
		previousBars = barsByDay

		if c.stepObserver != nil {
			c.stepObserver(c.clock.Now().Sub(stepStart))
		}
	}

	c.state = stateFinished

	calc := metrics.New(cfg.MetricsConfig)
	results := calc.Compute(equityCurve, executions, bars)
	results.RunID = runID
	results.SchemaVersion = core.CurrentSchemaVersion
	results.StartTime = cfg.StartDate
	results.EndTime = cfg.EndDate
	results.FinalPositions = previousPositions
	results.RiskHistory = riskMetrics
	return results, nil
}

func (c *Coordinator) initialize(cfg Config) error {
	if c.provider == nil {
		return core.NewError(core.KindInvalidArgument, "coordinator", "market data provider handle is nil")
	}
	if len(cfg.Symbols) == 0 {
		return core.NewError(core.KindInvalidArgument, "coordinator", "symbol universe must not be empty")
	}
	if !cfg.EndDate.After(cfg.StartDate) {
		return core.NewError(core.KindInvalidArgument, "coordinator", "end_date must be after start_date")
	}
	if !cfg.InitialCapital.IsPositive() {
		return core.NewError(core.KindInvalidArgument, "coordinator", "initial_capital must be positive")
	}
	c.state = stateInitialized
	return nil
}

func closesOf(bars map[string]core.Bar) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(bars))
	for symbol, bar := range bars {
		out[symbol] = bar.Close
	}
	return out
}

func volumesOf(bars map[string]core.Bar) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(bars))
	for symbol, bar := range bars {
		out[symbol] = bar.Volume
	}
	return out
}

// aggregatePositions combines the positions get reports for every
// allocation into a single per-symbol map, scaling each strategy's
// quantity by its Allocation.Fraction before summing (spec §4.1: "the
// Coordinator aggregates positions across strategies weighted by their
// allocation fractions before step 4"). A symbol's aggregated average
// price is the notional-weighted average of the contributing strategies'
// average prices; its last-update is the latest among them. A single
// allocation with Fraction 1.0 reproduces the unweighted single-strategy
// positions exactly.
func aggregatePositions(allocations []strategy.Allocation, get func(strategy.Strategy) map[string]core.Position) map[string]core.Position {
	type accum struct {
		qty        decimal.Decimal
		priceNotl  decimal.Decimal
		weight     decimal.Decimal
		lastUpdate time.Time
	}
	acc := make(map[string]*accum)

	for _, alloc := range allocations {
		fraction := decimal.NewFromFloat(alloc.Fraction)
		for symbol, pos := range get(alloc.Strategy) {
			a, ok := acc[symbol]
			if !ok {
				a = &accum{}
				acc[symbol] = a
			}
			scaledQty := pos.Quantity.Mul(fraction)
			weight := scaledQty.Abs()
			a.qty = a.qty.Add(scaledQty)
			a.priceNotl = a.priceNotl.Add(pos.AveragePrice.Mul(weight))
			a.weight = a.weight.Add(weight)
			if pos.LastUpdate.After(a.lastUpdate) {
				a.lastUpdate = pos.LastUpdate
			}
		}
	}

	out := make(map[string]core.Position, len(acc))
	for symbol, a := range acc {
		avgPrice := decimal.Zero
		if a.weight.IsPositive() {
			avgPrice = a.priceNotl.Div(a.weight)
		}
		out[symbol] = core.Position{
			Symbol:       symbol,
			Quantity:     a.qty,
			AveragePrice: avgPrice,
			LastUpdate:   a.lastUpdate,
		}
	}
	return out
}

