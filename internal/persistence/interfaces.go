// Package persistence defines the optional result-store collaborator: a
// repository interface for durable BacktestResults, plus the PostgreSQL
// implementation under postgres/. The core never depends on this package
// directly — only the CLI wires it in (run's --persist-dsn flag and the
// serve subcommand).
package persistence

import (
	"context"
	"time"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
)

// TimeRange bounds a ListRuns query.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// RunSummary is the queryable projection of a BacktestResults row: the
// headline metrics without the full equity/execution/trade payload.
type RunSummary struct {
	RunID          string    `json:"run_id" db:"run_id"`
	SchemaVersion  int       `json:"schema_version" db:"schema_version"`
	StartTime      time.Time `json:"start_time" db:"start_time"`
	EndTime        time.Time `json:"end_time" db:"end_time"`
	TotalReturn    float64   `json:"total_return" db:"total_return"`
	Sharpe         float64   `json:"sharpe" db:"sharpe"`
	Sortino        float64   `json:"sortino" db:"sortino"`
	Calmar         float64   `json:"calmar" db:"calmar"`
	MaxDrawdown    float64   `json:"max_drawdown" db:"max_drawdown"`
	VaR95          float64   `json:"var_95" db:"var_95"`
	TotalCosts     string    `json:"total_costs" db:"total_costs"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
}

// RunRepo persists and retrieves complete backtest results, keyed by
// run id (spec §6's run_id field).
type RunRepo interface {
	// SaveRun stores result in full (including the JSONB-encoded equity
	// curve, execution log, and trade ledger), upserting on run id.
	SaveRun(ctx context.Context, result core.BacktestResults) error

	// GetRun retrieves the complete results for runID, or nil if absent.
	GetRun(ctx context.Context, runID string) (*core.BacktestResults, error)

	// ListRuns returns run summaries within tr, most recent first.
	ListRuns(ctx context.Context, tr TimeRange, limit int) ([]RunSummary, error)

	// DeleteRun removes a run's stored results.
	DeleteRun(ctx context.Context, runID string) error
}

// Repository aggregates the persistence layer's collaborators. Only one
// repo exists today, but this mirrors the teacher's aggregate-Repository
// shape so a future sink (e.g. a separate audit-log repo) has a home.
type Repository struct {
	Runs RunRepo
}

// HealthCheck is the persistence layer's health status, returned by
// RepositoryHealth.Health.
type HealthCheck struct {
	Healthy        bool           `json:"healthy"`
	Errors         []string       `json:"errors,omitempty"`
	ConnectionPool map[string]int `json:"connection_pool"`
	LastCheck      time.Time      `json:"last_check"`
	ResponseTimeMS int64          `json:"response_time_ms"`
}

// RepositoryHealth provides health monitoring for the persistence layer,
// wired into the HTTP API's /healthz endpoint.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
