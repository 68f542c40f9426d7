package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/backtest/coordinator"
	"github.com/kestrelquant/backtestlab/internal/backtest/strategy/targetweight"
	"github.com/kestrelquant/backtestlab/internal/config"
	"github.com/kestrelquant/backtestlab/internal/instruments"
	"github.com/kestrelquant/backtestlab/internal/marketdata"
	"github.com/kestrelquant/backtestlab/internal/obsmetrics"
	"github.com/kestrelquant/backtestlab/internal/persistence/postgres"
)

// newRunCmd builds the `run` subcommand exposing the §6 configuration
// record as flags, mirroring the split backtest_main.go uses: zerolog for
// structured run logs, plain fmt.Printf for the human-facing summary.
func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a single historical backtest",
		RunE:  runBacktest,
	}

	cmd.Flags().String("config", "", "Path to a RunConfig YAML file; flags below override its fields")
	cmd.Flags().String("start-date", "", "Backtest start date (YYYY-MM-DD)")
	cmd.Flags().String("end-date", "", "Backtest end date (YYYY-MM-DD)")
	cmd.Flags().String("initial-capital", "", "Starting capital, as a decimal string")
	cmd.Flags().StringSlice("symbols", nil, "Comma-separated symbol universe")
	cmd.Flags().Int("warmup-days", 0, "Number of leading days excluded from return-based metrics")
	cmd.Flags().String("run-id", "", "Run identifier; defaults to BT_<UTC timestamp>")
	cmd.Flags().Bool("store-trade-details", true, "Retain the full per-fill execution log in results")
	cmd.Flags().Bool("use-risk-management", true, "Apply portfolio risk scaling before execution")
	cmd.Flags().Bool("use-optimization", true, "Apply integer-lattice position optimization after risk scaling")
	cmd.Flags().String("csv-path", "", "Path to a flat OHLCV CSV data source")
	cmd.Flags().Float64("commission-rate", 0, "Commission per contract (both cost models)")
	cmd.Flags().Float64("slippage-bps", 0, "Legacy cost model: slippage in basis points")
	cmd.Flags().Float64("market-impact-bps", 0, "Legacy cost model: market impact in basis points")
	cmd.Flags().Float64("fixed-cost-per-trade", 0, "Fixed per-trade cost (both cost models)")
	cmd.Flags().Float64("explicit-fee-per-contract", 0, "Explicit per-contract fee (both cost models)")
	cmd.Flags().String("persist-dsn", "", "PostgreSQL DSN to persist results to; empty disables persistence")
	cmd.Flags().Bool("metrics", false, "Record backtest_* Prometheus metrics in an in-process registry during the run (not served over HTTP)")

	return cmd
}

func runBacktest(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	coordCfg, err := cfg.ToCoordinatorConfig()
	if err != nil {
		return fmt.Errorf("build coordinator config: %w", err)
	}

	provider, err := loadProvider(cfg)
	if err != nil {
		return fmt.Errorf("load market data: %w", err)
	}

	registry := instruments.New(nil)

	weights := make([]targetweight.Weight, 0, len(cfg.Symbols))
	fraction := 1.0 / float64(len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		weights = append(weights, targetweight.Weight{Symbol: sym, Fraction: fraction})
	}
	strat := targetweight.New(coordCfg.InitialCapital, weights, registry)

	coord := coordinator.New(provider, registry)

	var reg *obsmetrics.Registry
	useMetrics, _ := cmd.Flags().GetBool("metrics")
	if useMetrics {
		reg = obsmetrics.NewRegistry(prometheus.NewRegistry())
		coord.WithStepObserver(func(d time.Duration) { reg.ObserveDayStep(d.Seconds()) })
	}

	log.Info().
		Str("run_id", coordCfg.RunID).
		Strs("symbols", coordCfg.Symbols).
		Time("start_date", coordCfg.StartDate).
		Time("end_date", coordCfg.EndDate).
		Msg("starting backtest run")

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	results, err := coord.Run(ctx, coordCfg, strat)
	elapsed := time.Since(start)

	if reg != nil {
		outcome := "success"
		if err != nil {
			outcome = "failure"
		}
		reg.ObserveRun(outcome, elapsed.Seconds())
	}

	if err != nil {
		log.Error().Err(err).Msg("backtest run failed")
		return fmt.Errorf("run failed: %w", err)
	}

	dsn, _ := cmd.Flags().GetString("persist-dsn")
	if dsn == "" {
		dsn = cfg.Persist.PostgresDSN
	}
	if dsn != "" {
		if err := persistResults(ctx, dsn, results); err != nil {
			log.Warn().Err(err).Msg("failed to persist results")
		}
	}

	printSummary(results, elapsed)
	return nil
}

func loadRunConfig(cmd *cobra.Command) (config.RunConfig, error) {
	configPath, _ := cmd.Flags().GetString("config")
	cfg := config.DefaultRunConfig()
	if configPath != "" {
		loaded, err := config.LoadRunConfig(configPath)
		if err != nil {
			return config.RunConfig{}, err
		}
		cfg = loaded
	}

	if v, _ := cmd.Flags().GetString("start-date"); v != "" {
		cfg.StartDate = v
	}
	if v, _ := cmd.Flags().GetString("end-date"); v != "" {
		cfg.EndDate = v
	}
	if v, _ := cmd.Flags().GetString("initial-capital"); v != "" {
		cfg.InitialCapital = v
	}
	if v, _ := cmd.Flags().GetStringSlice("symbols"); len(v) > 0 {
		cfg.Symbols = v
	}
	if cmd.Flags().Changed("warmup-days") {
		cfg.WarmupDays, _ = cmd.Flags().GetInt("warmup-days")
	}
	if v, _ := cmd.Flags().GetString("run-id"); v != "" {
		cfg.RunID = v
	}
	if cmd.Flags().Changed("store-trade-details") {
		cfg.StoreTradeDetails, _ = cmd.Flags().GetBool("store-trade-details")
	}
	if cmd.Flags().Changed("use-risk-management") {
		cfg.UseRiskManagement, _ = cmd.Flags().GetBool("use-risk-management")
	}
	if cmd.Flags().Changed("use-optimization") {
		cfg.UseOptimization, _ = cmd.Flags().GetBool("use-optimization")
	}
	if v, _ := cmd.Flags().GetString("csv-path"); v != "" {
		cfg.CSVPath = v
		cfg.DataSource = "csv"
	}
	if cmd.Flags().Changed("commission-rate") {
		cfg.Execution.CommissionRate, _ = cmd.Flags().GetFloat64("commission-rate")
	}
	if cmd.Flags().Changed("slippage-bps") {
		cfg.Execution.SlippageBps, _ = cmd.Flags().GetFloat64("slippage-bps")
	}
	if cmd.Flags().Changed("market-impact-bps") {
		cfg.Execution.MarketImpactBps, _ = cmd.Flags().GetFloat64("market-impact-bps")
	}
	if cmd.Flags().Changed("fixed-cost-per-trade") {
		cfg.Execution.FixedCostPerTrade, _ = cmd.Flags().GetFloat64("fixed-cost-per-trade")
	}
	if cmd.Flags().Changed("explicit-fee-per-contract") {
		cfg.Execution.ExplicitFeePerContract, _ = cmd.Flags().GetFloat64("explicit-fee-per-contract")
	}

	if err := cfg.Validate(); err != nil {
		return config.RunConfig{}, err
	}
	return cfg, nil
}

func loadProvider(cfg config.RunConfig) (marketdata.Provider, error) {
	f, err := os.Open(cfg.CSVPath)
	if err != nil {
		return nil, fmt.Errorf("open csv: %w", err)
	}
	defer f.Close()
	return marketdata.LoadCSV(f)
}

func persistResults(ctx context.Context, dsn string, results core.BacktestResults) error {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	repo := postgres.NewRunRepo(db, 30*time.Second)
	if err := repo.SaveRun(ctx, results); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	log.Info().Str("run_id", results.RunID).Msg("persisted backtest results")
	return nil
}

func printSummary(results core.BacktestResults, elapsed time.Duration) {
	fmt.Printf("Backtest %s completed in %s\n", results.RunID, elapsed.Round(time.Millisecond))
	fmt.Printf("  Total return:   %.2f%%\n", results.TotalReturn*100)
	fmt.Printf("  Sharpe:         %.3f\n", results.Sharpe)
	fmt.Printf("  Sortino:        %.3f\n", results.Sortino)
	fmt.Printf("  Calmar:         %.3f\n", results.Calmar)
	fmt.Printf("  Max drawdown:   %.2f%%\n", results.MaxDrawdown*100)
	fmt.Printf("  VaR 95:         %.4f\n", results.VaR95)
	fmt.Printf("  Total costs:    %s\n", results.TransactionCosts.TotalCosts.StringFixed(2))
	fmt.Printf("  Trades:         %d (%d winning, %d losing)\n",
		results.TradeStats.TotalTrades, results.TradeStats.WinningTrades, results.TradeStats.LosingTrades)
	fmt.Printf("  Equity points:  %d\n", len(results.EquityCurve))
}
