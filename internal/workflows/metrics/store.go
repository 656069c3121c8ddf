// Package metrics implements MetricsWorkflow: a LeafWorker rolling up
// simple on-chain metrics (blocks/hour, average box count per block,
// and total ERG supply currently sitting in unspent boxes).
package metrics

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// SchemaDDL records one row per included block; aggregates are derived
// from this log rather than kept as a separately-maintained running
// total, so RollBack is a plain delete with no compensating
// subtraction to get wrong.
const SchemaDDL = `
CREATE SCHEMA IF NOT EXISTS metrics;

CREATE TABLE IF NOT EXISTS metrics.blocks (
	height       INTEGER PRIMARY KEY,
	header_id    TEXT NOT NULL,
	parent_id    TEXT NOT NULL,
	timestamp    BIGINT NOT NULL,
	box_count    INTEGER NOT NULL,
	supply_delta BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_blocks_timestamp ON metrics.blocks (timestamp);
`

// Snapshot is the rolled-up metrics this workflow exposes.
type Snapshot struct {
	Height         chain.Height
	BlocksLastHour int64
	AvgBoxCount    float64
	TotalSupply    int64
}

// Store is the Postgres-backed persistence layer for MetricsWorkflow.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-migrated pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// ApplyBlock records height's box count and net supply change,
// idempotent on replay via ON CONFLICT DO NOTHING, and returns the
// freshly recomputed Snapshot.
func (s *Store) ApplyBlock(ctx context.Context, header chain.Header, boxCount int, supplyDelta int64) (Snapshot, error) {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO metrics.blocks (height, header_id, parent_id, timestamp, box_count, supply_delta)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (height) DO NOTHING`,
		header.Height, string(header.HeaderID), string(header.ParentID), header.Timestamp, boxCount, supplyDelta)
	if err != nil {
		return Snapshot{}, fmt.Errorf("metrics: recording block %d: %w", header.Height, err)
	}
	return s.Snapshot(ctx, header.Height)
}

// RollBack deletes every block recorded at or above height; the
// rolled-up aggregates Snapshot reports are always recomputed fresh
// from what remains, so nothing needs to be subtracted back out.
func (s *Store) RollBack(ctx context.Context, height chain.Height) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM metrics.blocks WHERE height >= $1`, height)
	if err != nil {
		return fmt.Errorf("metrics: rolling back from %d: %w", height, err)
	}
	return nil
}

// Head returns the highest height metrics has recorded a block for.
func (s *Store) Head(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	var headerID, parentID string
	err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM metrics.blocks ORDER BY height DESC LIMIT 1`).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.InitialHeader, nil
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// Snapshot recomputes the rolled-up metrics as of height: the number
// of blocks recorded within the trailing hour of the latest block's
// own timestamp, the average box count over the trailing 100 blocks,
// and the total supply in flight (the running sum of every recorded
// supply_delta).
func (s *Store) Snapshot(ctx context.Context, height chain.Height) (Snapshot, error) {
	var latestTimestamp int64
	if err := s.pool.QueryRow(ctx, `SELECT timestamp FROM metrics.blocks WHERE height=$1`, height).Scan(&latestTimestamp); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: reading block %d: %w", height, err)
	}

	var blocksLastHour int64
	if err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM metrics.blocks WHERE timestamp >= $1`, latestTimestamp-3600000).
		Scan(&blocksLastHour); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: counting blocks in last hour: %w", err)
	}

	var avgBoxCount float64
	if err := s.pool.QueryRow(ctx, `
		SELECT coalesce(avg(box_count), 0) FROM (
			SELECT box_count FROM metrics.blocks WHERE height <= $1 ORDER BY height DESC LIMIT 100
		) recent`, height).Scan(&avgBoxCount); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: averaging box count: %w", err)
	}

	var totalSupply int64
	if err := s.pool.QueryRow(ctx, `
		SELECT coalesce(sum(supply_delta), 0) FROM metrics.blocks WHERE height <= $1`, height).Scan(&totalSupply); err != nil {
		return Snapshot{}, fmt.Errorf("metrics: summing supply: %w", err)
	}

	return Snapshot{Height: height, BlocksLastHour: blocksLastHour, AvgBoxCount: avgBoxCount, TotalSupply: totalSupply}, nil
}
