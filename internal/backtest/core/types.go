// Package core holds the value types shared by every backtest component:
// bars, positions, execution reports, risk and optimization results, and the
// final report. Money fields use decimal.Decimal for deterministic
// arithmetic; returns, variances, and other statistically-derived values use
// float64.
package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an execution.
type Side int

const (
	SideBuy Side = iota
	SideSell
)

func (s Side) String() string {
	if s == SideBuy {
		return "BUY"
	}
	return "SELL"
}

// SideFromDelta returns SideBuy for a positive quantity delta, SideSell
// otherwise. Callers must not invoke this with a zero delta.
func SideFromDelta(delta decimal.Decimal) Side {
	if delta.IsNegative() {
		return SideSell
	}
	return SideBuy
}

// Bar is one OHLCV observation for a symbol at a given timestamp.
// Invariant: Low <= Open, Close <= High; Volume >= 0.
type Bar struct {
	Timestamp time.Time
	Symbol    string
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
}

// Valid reports whether the bar satisfies the OHLCV shape invariant.
func (b Bar) Valid() bool {
	if b.Volume.IsNegative() {
		return false
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) || b.Low.GreaterThan(b.High) {
		return false
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return false
	}
	return true
}

// Position is a symbol's signed net quantity. Quantity == 0 is flat and is
// semantically equivalent to the position's absence from a position map.
type Position struct {
	Symbol       string
	Quantity     decimal.Decimal
	AveragePrice decimal.Decimal
	LastUpdate   time.Time
}

// IsFlat reports whether the position carries zero quantity.
func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// ClonePositions returns a deep-enough copy of a position map (decimal.Decimal
// is a value type, so a shallow map copy suffices for correctness, but the
// copy still guards callers against mutating a shared map through an alias).
func ClonePositions(src map[string]Position) map[string]Position {
	dst := make(map[string]Position, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ExecutionReport is one fill produced by the execution manager.
type ExecutionReport struct {
	OrderID                 string
	ExecID                  string
	Symbol                  string
	Side                    Side
	FilledQuantity          decimal.Decimal
	FillPrice               decimal.Decimal
	FillTime                time.Time
	CommissionsFees         decimal.Decimal
	ImplicitPriceImpact     decimal.Decimal
	SlippageMarketImpact    decimal.Decimal
	TotalTransactionCosts   decimal.Decimal
	IsPartial               bool
}

// RiskMultiplierKind names one of the four risk scale contributors.
type RiskMultiplierKind int

const (
	RiskPortfolioVaR RiskMultiplierKind = iota
	RiskJump
	RiskCorrelation
	RiskLeverage
)

func (k RiskMultiplierKind) String() string {
	switch k {
	case RiskPortfolioVaR:
		return "portfolio_var"
	case RiskJump:
		return "jump"
	case RiskCorrelation:
		return "correlation"
	case RiskLeverage:
		return "leverage"
	default:
		return "unknown"
	}
}

// RiskResult is the output of the risk manager's per-day evaluation.
type RiskResult struct {
	Multipliers     map[RiskMultiplierKind]float64
	SourceMetrics   map[RiskMultiplierKind]float64
	RecommendedScale float64
	RiskExceeded    bool
}

// OptimizationResult is the output of the dynamic optimizer's coordinate
// descent over integer contract positions.
type OptimizationResult struct {
	Positions     map[string]int64
	TrackingError float64
	CostPenalty   float64
	Iterations    int
	Converged     bool
}

// EquityPoint is one sample of the equity curve.
type EquityPoint struct {
	Timestamp    time.Time
	PortfolioValue decimal.Decimal
}

// DrawdownPoint is one sample of the drawdown curve (fraction below the
// running peak, 0 at new highs).
type DrawdownPoint struct {
	Timestamp time.Time
	Drawdown  float64
}

// TradeRecord is one realized round-trip (or partial) produced by the FIFO
// position ledger replay in the metrics calculator.
type TradeRecord struct {
	Symbol       string
	OpenTime     time.Time
	CloseTime    time.Time
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	RealizedPnL  decimal.Decimal
	HoldingDays  float64
}

// BacktestResults aggregates every end-of-run artifact.
type BacktestResults struct {
	RunID             string
	SchemaVersion     int
	StartTime         time.Time
	EndTime           time.Time
	EquityCurve       []EquityPoint
	DrawdownCurve     []DrawdownPoint
	Executions        []ExecutionReport
	FinalPositions    map[string]Position
	SymbolPnL         map[string]decimal.Decimal
	MonthlyReturns    map[string]float64
	TotalReturn       float64
	AnnualizedVol     float64
	Sharpe            float64
	Sortino           float64
	Calmar            float64
	MaxDrawdown       float64
	VaR95             float64
	CVaR95            float64
	Beta              float64
	BenchmarkProvided bool
	TradeStats        TradeStatistics
	TransactionCosts  TransactionCostSummary
	RiskHistory       []RiskResult
}

// TradeStatistics summarizes the realized-trade ledger replay.
type TradeStatistics struct {
	TotalTrades        int
	WinningTrades      int
	LosingTrades       int
	AverageWin         decimal.Decimal
	AverageLoss        decimal.Decimal
	MaxWin             decimal.Decimal
	MaxLoss            decimal.Decimal
	ProfitFactor       float64
	AverageHoldingDays float64
	Trades             []TradeRecord
}

// TransactionCostSummary is the supplemented TCA-style aggregate computed
// over the execution log: total cost breakdown plus benchmark-relative
// participation and reversion stats.
type TransactionCostSummary struct {
	TotalCommissions      decimal.Decimal
	TotalImplicitImpact   decimal.Decimal
	TotalSlippageImpact   decimal.Decimal
	TotalCosts            decimal.Decimal
	AverageCostBps        float64
	ParticipationRate     float64
	PriceReversionBps     float64
}

const CurrentSchemaVersion = 1
