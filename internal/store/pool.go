package store

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool opens a connection pool against dsn with bounded connection
// lifetime/idle time so pooled connections are recycled across
// deploys, plus per-connection statement and idle-in-transaction
// timeouts so a stuck query or a worker holding a transaction open
// cannot wedge the pool.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parsing dsn: %w", err)
	}

	if v := os.Getenv("EW_DB_MAX_OPEN_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConns = int32(n)
		}
	}
	if v := os.Getenv("EW_DB_MAX_IDLE_CONNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MinConns = int32(n)
		}
	}
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["statement_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["statement_timeout"] = envOrDefault("EW_DB_STATEMENT_TIMEOUT_MS", "300000")
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"]; !ok {
		cfg.ConnConfig.RuntimeParams["idle_in_transaction_session_timeout"] = envOrDefault("EW_DB_IDLE_TX_TIMEOUT_MS", "120000")
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connecting: %w", err)
	}
	return pool, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Migrate applies the core schema, the per-worker-checkpoint schema,
// and any additional per-workflow schema DDLs passed in workflowDDLs
// (each workflow package exports its own SchemaDDL constant). It is
// idempotent: every statement is IF NOT EXISTS, safe to run on every
// supervisor startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool, workflowDDLs ...string) error {
	if _, err := pool.Exec(ctx, CoreSchemaDDL); err != nil {
		return fmt.Errorf("store: applying core schema: %w", err)
	}
	if _, err := pool.Exec(ctx, WorkerCheckpointDDL); err != nil {
		return fmt.Errorf("store: applying worker checkpoint schema: %w", err)
	}
	for _, ddl := range workflowDDLs {
		if _, err := pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("store: applying workflow schema: %w", err)
		}
	}
	return nil
}
