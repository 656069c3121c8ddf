// Package exchanges implements ExchangeSupplyWorkflow: a LeafWorker
// that queries the balances worker's QueryHandler for the exchange
// addresses' balance diffs at each included block, and uses a
// two-phase PatchableStore rollback to reverse a block's effect
// without re-deriving it from scratch.
package exchanges

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// SchemaDDL creates the single-row running total, which also records
// the header it reflects so Head can answer (this worker has no
// Sourceable downstream, so unlike balances/tokens it keeps no
// per-height history, just enough to resume and identify its own
// position).
const SchemaDDL = `
CREATE SCHEMA IF NOT EXISTS exchanges;

CREATE TABLE IF NOT EXISTS exchanges.supply (
	id            SMALLINT PRIMARY KEY DEFAULT 1,
	total_balance BIGINT NOT NULL DEFAULT 0,
	height        INTEGER NOT NULL DEFAULT -1,
	header_id     TEXT NOT NULL DEFAULT '',
	parent_id     TEXT NOT NULL DEFAULT '',
	timestamp     BIGINT NOT NULL DEFAULT 0,
	CHECK (id = 1)
);
`

// Store is the Postgres-backed persistence layer for
// ExchangeSupplyWorkflow: one mutable row tracking the current known
// exchange supply and the height it reflects.
type Store struct {
	pool         *pgxpool.Pool
	pendingPatch int64
	hasPending   bool
}

// NewStore wraps an already-migrated pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// Head returns the worker's current position, or chain.InitialHeader
// if exchanges.supply has never been written.
func (s *Store) Head(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	var headerID, parentID string
	err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM exchanges.supply WHERE id=1`).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.InitialHeader, nil
	}
	if h.Height == chain.InitialHeight {
		return chain.InitialHeader, nil
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// Total returns the currently known exchange supply.
func (s *Store) Total(ctx context.Context) (int64, error) {
	var total int64
	err := s.pool.QueryRow(ctx, `SELECT total_balance FROM exchanges.supply WHERE id=1`).Scan(&total)
	if err != nil {
		return 0, nil
	}
	return total, nil
}

// SetTotal sets the running total to the absolute value total
// (recomputed by the workflow from a fresh balances query) and
// advances the recorded position to header, in one transaction. Unlike
// RollBack this does not go through the staged-patch path: the patch
// mechanism exists for rollback specifically, while a normal include
// recomputes the absolute total directly from the query response.
func (s *Store) SetTotal(ctx context.Context, header chain.Header, total int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exchanges.supply (id, total_balance, height, header_id, parent_id, timestamp)
		VALUES (1, $1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			total_balance = EXCLUDED.total_balance, height = EXCLUDED.height,
			header_id = EXCLUDED.header_id, parent_id = EXCLUDED.parent_id,
			timestamp = EXCLUDED.timestamp`,
		total, header.Height, string(header.HeaderID), string(header.ParentID), header.Timestamp)
	if err != nil {
		return fmt.Errorf("exchanges: setting total at block %d: %w", header.Height, err)
	}
	return nil
}

// StageRollbackPatch implements workflow.PatchableStore: the workflow
// computes, via a cross-worker query, the compensating delta that
// undoes the block at the height it is about to roll back, and stages
// it here before calling RollBack.
func (s *Store) StageRollbackPatch(patch int64) {
	s.pendingPatch = patch
	s.hasPending = true
}

// RollBack applies whatever patch was staged (zero if none) and winds
// the recorded position back to newHead, within one transaction. The
// staged patch is consumed whether or not it was ever set; staging
// twice overwrites the previous patch.
func (s *Store) RollBack(ctx context.Context, newHead chain.Header) (int64, error) {
	patch := int64(0)
	if s.hasPending {
		patch = s.pendingPatch
	}
	s.pendingPatch = 0
	s.hasPending = false

	var total int64
	err := s.pool.QueryRow(ctx, `
		UPDATE exchanges.supply SET
			total_balance = total_balance + $1,
			height = $2, header_id = $3, parent_id = $4, timestamp = $5
		WHERE id = 1
		RETURNING total_balance`,
		patch, newHead.Height, string(newHead.HeaderID), string(newHead.ParentID), newHead.Timestamp).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("exchanges: applying rollback patch: %w", err)
	}
	return total, nil
}
