// Package config loads the single run's CLI-surface configuration (spec
// §6) from YAML, plus the market-data vendor operations block vendored
// alongside it. Grounded on the teacher's
// src/infrastructure/datafacade/config/loader.go (single LoadConfig entry
// point, load-with-defaults-when-file-absent shape, validate-at-the-end).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/kestrelquant/backtestlab/internal/backtest/constraints"
	"github.com/kestrelquant/backtestlab/internal/backtest/coordinator"
	"github.com/kestrelquant/backtestlab/internal/backtest/execution"
	"github.com/kestrelquant/backtestlab/internal/backtest/metrics"
	"github.com/kestrelquant/backtestlab/internal/backtest/optimizer"
	"github.com/kestrelquant/backtestlab/internal/backtest/risk"
)

// CurrentSchemaVersion marks the on-disk YAML config format; bumped
// whenever a field is added or removed below.
const CurrentSchemaVersion = 1

// RunConfig is the full set of parameters a single `backtestctl run`
// invocation needs: the window, the capital, the universe, and every
// feature toggle spec §6 names.
type RunConfig struct {
	SchemaVersion int `yaml:"schema_version"`

	StartDate      string   `yaml:"start_date"` // YYYY-MM-DD
	EndDate        string   `yaml:"end_date"`
	InitialCapital string   `yaml:"initial_capital"` // decimal string, parsed at load time
	Symbols        []string `yaml:"symbols"`
	WarmupDays     int      `yaml:"warmup_days"`

	RunID             string `yaml:"run_id"` // empty => coordinator generates one
	StoreTradeDetails bool   `yaml:"store_trade_details"`

	UseRiskManagement bool `yaml:"use_risk_management"`
	UseOptimization   bool `yaml:"use_optimization"`

	Risk       RiskConfig       `yaml:"risk"`
	Optimizer  OptimizerConfig  `yaml:"optimizer"`
	Execution  ExecutionConfig  `yaml:"execution"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	DataSource string           `yaml:"data_source"` // the CLI loads market data from CSVPath whatever this holds
	CSVPath    string           `yaml:"csv_path"`
	Persist    PersistenceConfig `yaml:"persist"`
}

// RiskConfig is the YAML mirror of risk.Limits.
type RiskConfig struct {
	MaxGrossLeverage   float64 `yaml:"max_gross_leverage"`
	MaxNetLeverage     float64 `yaml:"max_net_leverage"`
	MaxPortfolioVaR    float64 `yaml:"max_portfolio_var"`
	MaxJumpRisk        float64 `yaml:"max_jump_risk"`
	MaxCorrelationRisk float64 `yaml:"max_correlation_risk"`
}

// OptimizerConfig is the YAML mirror of optimizer.Config.
type OptimizerConfig struct {
	Tau                  float64 `yaml:"tau"`
	CostPenaltyScalar    float64 `yaml:"cost_penalty_scalar"`
	AsymmetricRiskBuffer float64 `yaml:"asymmetric_risk_buffer"`
	MaxIterations        int     `yaml:"max_iterations"`
	ConvergenceThreshold  float64 `yaml:"convergence_threshold"`
}

// ExecutionConfig is the YAML mirror of execution.Config's cost
// parameters. Slippage and market-impact bps apply to the legacy model
// only; the commission rate, fixed cost and explicit fee feed both models
// (the expressive model's windows are fixed at 20 days per spec §4.3).
type ExecutionConfig struct {
	Model                  string  `yaml:"model"` // "legacy" or "expressive"
	CommissionRate         float64 `yaml:"commission_rate"`
	SlippageBps            float64 `yaml:"slippage_bps"`
	MarketImpactBps        float64 `yaml:"market_impact_bps"`
	FixedCostPerTrade      float64 `yaml:"fixed_cost_per_trade"`
	ExplicitFeePerContract float64 `yaml:"explicit_fee_per_contract"`
}

// MetricsConfig is the YAML mirror of metrics.Config's tunables.
// WarmupDays is not repeated here; the top-level RunConfig.WarmupDays is
// the single source of truth and is threaded into metrics.Config by
// ToCoordinatorConfig.
type MetricsConfig struct {
	RiskFreeRate  float64 `yaml:"risk_free_rate"`
	SortinoTarget float64 `yaml:"sortino_target"`
}

// PersistenceConfig controls whether and where results are written via
// internal/persistence.
type PersistenceConfig struct {
	Enabled    bool   `yaml:"enabled"`
	PostgresDSN string `yaml:"postgres_dsn"`
	Timeout    time.Duration `yaml:"timeout"`
}

// DefaultRunConfig returns a config with the spec's stated defaults:
// no warmup, expressive cost model, risk management and optimization
// both enabled, trade details stored.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		SchemaVersion:     CurrentSchemaVersion,
		WarmupDays:        0,
		StoreTradeDetails: true,
		UseRiskManagement: true,
		UseOptimization:   true,
		Risk: RiskConfig{
			MaxGrossLeverage:   4.0,
			MaxNetLeverage:     2.0,
			MaxPortfolioVaR:    0.02,
			MaxJumpRisk:        0.05,
			MaxCorrelationRisk: 0.03,
		},
		Optimizer: OptimizerConfig{
			Tau:                  1.0,
			MaxIterations:        100,
			ConvergenceThreshold: 1e-6,
		},
		Execution: ExecutionConfig{Model: "expressive"},
		DataSource: "csv",
	}
}

// LoadRunConfig reads and validates a RunConfig from path. When path
// doesn't exist, the caller's defaults (DefaultRunConfig) are used
// instead of failing, mirroring the teacher's
// file-absent-use-defaults loader convention.
func LoadRunConfig(path string) (RunConfig, error) {
	cfg := DefaultRunConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("read run config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return RunConfig{}, fmt.Errorf("parse run config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RunConfig{}, fmt.Errorf("invalid run config: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration for the minimum shape the
// coordinator requires before a run starts.
func (c *RunConfig) Validate() error {
	if c.StartDate == "" || c.EndDate == "" {
		return fmt.Errorf("start_date and end_date are required")
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols must not be empty")
	}
	if c.InitialCapital == "" {
		return fmt.Errorf("initial_capital is required")
	}
	switch c.Execution.Model {
	case "legacy", "expressive":
	default:
		return fmt.Errorf("execution.model must be \"legacy\" or \"expressive\", got %q", c.Execution.Model)
	}
	if c.DataSource == "csv" && c.CSVPath == "" {
		return fmt.Errorf("csv_path is required when data_source is \"csv\"")
	}
	return nil
}

// ParseDate parses a YYYY-MM-DD field with the layout every RunConfig date
// string uses.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// ToCoordinatorConfig translates the YAML-loaded RunConfig into the
// coordinator.Config the engine actually runs with, parsing dates and the
// capital decimal string. A nested risk or optimizer block left entirely
// at its zero value keeps the constraints defaults; a block with any field
// set replaces them whole, so its unset fields stay zero.
func (c RunConfig) ToCoordinatorConfig() (coordinator.Config, error) {
	start, err := ParseDate(c.StartDate)
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("start_date: %w", err)
	}
	end, err := ParseDate(c.EndDate)
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("end_date: %w", err)
	}
	capital, err := decimal.NewFromString(c.InitialCapital)
	if err != nil {
		return coordinator.Config{}, fmt.Errorf("initial_capital: %w", err)
	}

	costModel := execution.CostModelExpressive
	if c.Execution.Model == "legacy" {
		costModel = execution.CostModelLegacy
	}

	constraintsCfg := constraints.DefaultConfig(capital.InexactFloat64())
	constraintsCfg.UseRiskManagement = c.UseRiskManagement
	constraintsCfg.UseOptimization = c.UseOptimization
	if c.Risk != (RiskConfig{}) {
		constraintsCfg.RiskLimits = risk.Limits{
			MaxGrossLeverage:   c.Risk.MaxGrossLeverage,
			MaxNetLeverage:     c.Risk.MaxNetLeverage,
			MaxPortfolioVaR:    c.Risk.MaxPortfolioVaR,
			MaxJumpRisk:        c.Risk.MaxJumpRisk,
			MaxCorrelationRisk: c.Risk.MaxCorrelationRisk,
		}
	}
	if c.Optimizer != (OptimizerConfig{}) {
		constraintsCfg.OptimizerConfig = optimizer.Config{
			Tau:                  c.Optimizer.Tau,
			CostPenaltyScalar:    c.Optimizer.CostPenaltyScalar,
			AsymmetricRiskBuffer: c.Optimizer.AsymmetricRiskBuffer,
			MaxIterations:        c.Optimizer.MaxIterations,
			ConvergenceThreshold: c.Optimizer.ConvergenceThreshold,
		}
	}

	return coordinator.Config{
		StartDate:         start,
		EndDate:           end,
		InitialCapital:    capital,
		Symbols:           c.Symbols,
		WarmupDays:        c.WarmupDays,
		StoreTradeDetails: c.StoreTradeDetails,
		RunID:             c.RunID,
		UseRiskManagement: c.UseRiskManagement,
		UseOptimization:   c.UseOptimization,
		ExecutionConfig: execution.Config{
			Model: costModel,
			LegacyParams: execution.LegacyCostParams{
				CommissionRate:         decimal.NewFromFloat(c.Execution.CommissionRate),
				SlippageBps:            decimal.NewFromFloat(c.Execution.SlippageBps),
				MarketImpactBps:        decimal.NewFromFloat(c.Execution.MarketImpactBps),
				FixedCostPerTrade:      decimal.NewFromFloat(c.Execution.FixedCostPerTrade),
				ExplicitFeePerContract: decimal.NewFromFloat(c.Execution.ExplicitFeePerContract),
			},
		},
		ConstraintsConfig: constraintsCfg,
		MetricsConfig: metrics.Config{
			RiskFreeRate:  c.Metrics.RiskFreeRate,
			WarmupDays:    c.WarmupDays,
			SortinoTarget: c.Metrics.SortinoTarget,
		},
	}, nil
}
