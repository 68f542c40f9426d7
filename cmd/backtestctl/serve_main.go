package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kestrelquant/backtestlab/internal/httpapi"
	"github.com/kestrelquant/backtestlab/internal/persistence/postgres"
)

// newServeCmd builds the `serve` subcommand: a read-only HTTP server over
// a persisted results store, started as a long-lived foreground process
// and shut down on SIGINT/SIGTERM.
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve persisted backtest results over HTTP",
		RunE:  runServe,
	}
	cmd.Flags().String("dsn", "", "PostgreSQL DSN to read persisted results from (required)")
	cmd.Flags().String("host", "127.0.0.1", "HTTP bind host")
	cmd.Flags().Int("port", 8090, "HTTP bind port")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("dsn")
	if dsn == "" {
		return fmt.Errorf("--dsn is required")
	}
	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")

	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	runs := postgres.NewRunRepo(db, 30*time.Second)
	health := postgres.NewHealth(db)

	cfg := httpapi.DefaultServerConfig()
	cfg.Host = host
	cfg.Port = port

	server, err := httpapi.NewServer(cfg, runs, health)
	if err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("host", host).Int("port", port).Msg("serving backtest results")
	fmt.Printf("Listening on http://%s:%d (GET /runs/{run_id}, GET /healthz)\n", host, port)

	return server.ListenAndServe(ctx)
}
