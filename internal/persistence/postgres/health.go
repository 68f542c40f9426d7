package postgres

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/kestrelquant/backtestlab/internal/persistence"
)

// health implements persistence.RepositoryHealth over a sqlx.DB handle.
type health struct {
	db *sqlx.DB
}

// NewHealth constructs a RepositoryHealth backed by db.
func NewHealth(db *sqlx.DB) persistence.RepositoryHealth {
	return &health{db: db}
}

func (h *health) Health(ctx context.Context) persistence.HealthCheck {
	start := time.Now()
	err := h.Ping(ctx)
	check := persistence.HealthCheck{
		Healthy:        err == nil,
		ConnectionPool: map[string]int{"open": h.db.Stats().OpenConnections, "idle": h.db.Stats().Idle},
		LastCheck:      start,
		ResponseTimeMS: time.Since(start).Milliseconds(),
	}
	if err != nil {
		check.Errors = []string{err.Error()}
	}
	return check
}

func (h *health) Ping(ctx context.Context) error {
	return h.db.PingContext(ctx)
}
