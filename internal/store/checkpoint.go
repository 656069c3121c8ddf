package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// LoadCheckpoint reads a worker's last-recorded position from the
// shared ew.headers side table, so a worker resumes from the right
// header on restart instead of re-subscribing at the initial sentinel.
func LoadCheckpoint(ctx context.Context, pool *pgxpool.Pool, schema, workerID string) (chain.Header, bool, error) {
	var h chain.Header
	var headerID, parentID string
	err := pool.QueryRow(ctx, `
		SELECT height, header_id, parent_id FROM ew.headers WHERE schema=$1 AND worker_id=$2`,
		schema, workerID).Scan(&h.Height, &headerID, &parentID)
	if errors.Is(err, pgx.ErrNoRows) {
		return chain.InitialHeader, false, nil
	}
	if err != nil {
		return chain.Header{}, false, fmt.Errorf("store: loading checkpoint for %s/%s: %w", schema, workerID, err)
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, true, nil
}

// SaveCheckpoint upserts a worker's current position. Callers running
// inside a larger transaction should call this against that tx (it
// accepts any pgx.Tx-compatible querier) so the checkpoint advances
// atomically with the data it describes.
func SaveCheckpoint(ctx context.Context, db Querier, schema, workerID string, header chain.Header) error {
	_, err := db.Exec(ctx, `
		INSERT INTO ew.headers (schema, worker_id, height, header_id, parent_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (schema, worker_id) DO UPDATE
		SET height=EXCLUDED.height, header_id=EXCLUDED.header_id, parent_id=EXCLUDED.parent_id`,
		schema, workerID, header.Height, string(header.HeaderID), string(header.ParentID))
	if err != nil {
		return fmt.Errorf("store: saving checkpoint for %s/%s: %w", schema, workerID, err)
	}
	return nil
}

// ClearCheckpoint deletes a worker's checkpoint row, the mechanism
// cmd/resync uses to force a worker to resync from scratch after a
// RollbackHorizonExceeded error.
func ClearCheckpoint(ctx context.Context, pool *pgxpool.Pool, schema, workerID string) error {
	_, err := pool.Exec(ctx, `DELETE FROM ew.headers WHERE schema=$1 AND worker_id=$2`, schema, workerID)
	if err != nil {
		return fmt.Errorf("store: clearing checkpoint for %s/%s: %w", schema, workerID, err)
	}
	return nil
}

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// SaveCheckpoint run standalone or as part of a larger worker
// transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}
