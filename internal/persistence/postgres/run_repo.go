// Package postgres implements persistence.RunRepo against PostgreSQL via
// sqlx + lib/pq, grounded on the teacher's internal/persistence/postgres
// trades repository (same sqlx.DB-handle, per-call context-timeout,
// pq.Error duplicate-key detection shape), adapted from per-trade rows to
// one row per backtest run with a JSONB payload column for the full
// result.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/kestrelquant/backtestlab/internal/backtest/core"
	"github.com/kestrelquant/backtestlab/internal/persistence"
)

// runRepo implements persistence.RunRepo for PostgreSQL.
type runRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewRunRepo constructs a RunRepo backed by db, bounding every query to
// timeout.
func NewRunRepo(db *sqlx.DB, timeout time.Duration) persistence.RunRepo {
	return &runRepo{db: db, timeout: timeout}
}

// SaveRun upserts result keyed by run id, storing the headline metrics as
// queryable columns and the full result as a JSONB payload.
func (r *runRepo) SaveRun(ctx context.Context, result core.BacktestResults) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal backtest result: %w", err)
	}

	query := `
		INSERT INTO backtest_runs (
			run_id, schema_version, start_time, end_time,
			total_return, sharpe, sortino, calmar, max_drawdown, var_95,
			total_costs, payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (run_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			start_time = EXCLUDED.start_time,
			end_time = EXCLUDED.end_time,
			total_return = EXCLUDED.total_return,
			sharpe = EXCLUDED.sharpe,
			sortino = EXCLUDED.sortino,
			calmar = EXCLUDED.calmar,
			max_drawdown = EXCLUDED.max_drawdown,
			var_95 = EXCLUDED.var_95,
			total_costs = EXCLUDED.total_costs,
			payload = EXCLUDED.payload`

	_, err = r.db.ExecContext(ctx, query,
		result.RunID, result.SchemaVersion, result.StartTime, result.EndTime,
		result.TotalReturn, result.Sharpe, result.Sortino, result.Calmar,
		result.MaxDrawdown, result.VaR95, result.TransactionCosts.TotalCosts.String(),
		payload)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("failed to save run %s (pq code %s): %w", result.RunID, pqErr.Code, err)
		}
		return fmt.Errorf("failed to save run %s: %w", result.RunID, err)
	}
	return nil
}

// GetRun retrieves the full stored result for runID.
func (r *runRepo) GetRun(ctx context.Context, runID string) (*core.BacktestResults, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var payload []byte
	err := r.db.QueryRowxContext(ctx, `SELECT payload FROM backtest_runs WHERE run_id = $1`, runID).Scan(&payload)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run %s: %w", runID, err)
	}

	var result core.BacktestResults
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run %s payload: %w", runID, err)
	}
	return &result, nil
}

// ListRuns returns run summaries within tr, most recent first.
func (r *runRepo) ListRuns(ctx context.Context, tr persistence.TimeRange, limit int) ([]persistence.RunSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT run_id, schema_version, start_time, end_time,
		       total_return, sharpe, sortino, calmar, max_drawdown, var_95,
		       total_costs, created_at
		FROM backtest_runs
		WHERE start_time >= $1 AND end_time <= $2
		ORDER BY created_at DESC
		LIMIT $3`

	rows, err := r.db.QueryxContext(ctx, query, tr.From, tr.To, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var summaries []persistence.RunSummary
	for rows.Next() {
		var s persistence.RunSummary
		if err := rows.StructScan(&s); err != nil {
			return nil, fmt.Errorf("failed to scan run summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run summaries: %w", err)
	}
	return summaries, nil
}

// DeleteRun removes a run's stored results.
func (r *runRepo) DeleteRun(ctx context.Context, runID string) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	_, err := r.db.ExecContext(ctx, `DELETE FROM backtest_runs WHERE run_id = $1`, runID)
	if err != nil {
		return fmt.Errorf("failed to delete run %s: %w", runID, err)
	}
	return nil
}
