// Package tokens implements TokenBalanceWorkflow, a second independent
// SourceWorker fanning out from the same core stream as balances: it
// tracks per-(address, asset) token balances instead of the native
// nanoERG balance.
package tokens

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// SchemaDDL mirrors balances.SchemaDDL's shape with an extra asset_id
// column in every key.
const SchemaDDL = `
CREATE SCHEMA IF NOT EXISTS tokens;

CREATE TABLE IF NOT EXISTS tokens.current (
	address_id BIGINT NOT NULL,
	asset_id   BIGINT NOT NULL,
	balance    BIGINT NOT NULL,
	PRIMARY KEY (address_id, asset_id)
);

CREATE TABLE IF NOT EXISTS tokens.diffs (
	height     INTEGER NOT NULL,
	address_id BIGINT NOT NULL,
	asset_id   BIGINT NOT NULL,
	token_id   TEXT NOT NULL,
	delta      BIGINT NOT NULL,
	balance    BIGINT NOT NULL,
	PRIMARY KEY (height, address_id, asset_id)
);
CREATE INDEX IF NOT EXISTS idx_tokens_diffs_height ON tokens.diffs (height);

CREATE TABLE IF NOT EXISTS tokens.blocks (
	height    INTEGER PRIMARY KEY,
	header_id TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	timestamp BIGINT NOT NULL
);
`

// Delta is a single address/asset balance change computed by the
// workflow before it reaches the store.
type Delta struct {
	AddressID int64
	AssetID   int64
	TokenID   chain.Digest
	Amount    int64
}

// Diff is a persisted token balance change.
type Diff struct {
	AddressID int64
	AssetID   int64
	TokenID   chain.Digest
	Delta     int64
	Balance   int64
}

// Store is the Postgres-backed persistence layer for TokenBalanceWorkflow.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-migrated pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// ApplyBlock persists deltas for height, idempotent on replay exactly
// like balances.Store.ApplyBlock.
func (s *Store) ApplyBlock(ctx context.Context, header chain.Header, deltas []Delta) ([]Diff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("tokens: begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM tokens.blocks WHERE height=$1`, header.Height).Scan(&existing); err != nil {
		return nil, fmt.Errorf("tokens: checking existing block: %w", err)
	}
	if existing > 0 {
		diffs, err := s.diffsAt(ctx, tx, header.Height)
		if err != nil {
			return nil, err
		}
		return diffs, tx.Commit(ctx)
	}

	diffs := make([]Diff, 0, len(deltas))
	for _, d := range deltas {
		var balance int64
		err := tx.QueryRow(ctx, `
			INSERT INTO tokens.current (address_id, asset_id, balance) VALUES ($1, $2, $3)
			ON CONFLICT (address_id, asset_id) DO UPDATE SET balance = tokens.current.balance + EXCLUDED.balance
			RETURNING balance`, d.AddressID, d.AssetID, d.Amount).Scan(&balance)
		if err != nil {
			return nil, fmt.Errorf("tokens: updating current balance: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO tokens.diffs (height, address_id, asset_id, token_id, delta, balance)
			VALUES ($1, $2, $3, $4, $5, $6)`, header.Height, d.AddressID, d.AssetID, string(d.TokenID), d.Amount, balance); err != nil {
			return nil, fmt.Errorf("tokens: inserting diff: %w", err)
		}
		diffs = append(diffs, Diff{AddressID: d.AddressID, AssetID: d.AssetID, TokenID: d.TokenID, Delta: d.Amount, Balance: balance})
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO tokens.blocks (height, header_id, parent_id, timestamp) VALUES ($1, $2, $3, $4)`,
		header.Height, string(header.HeaderID), string(header.ParentID), header.Timestamp); err != nil {
		return nil, fmt.Errorf("tokens: recording block: %w", err)
	}

	return diffs, tx.Commit(ctx)
}

// RollBack undoes height's diffs.
func (s *Store) RollBack(ctx context.Context, height chain.Height) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("tokens: begin rollback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	diffs, err := s.diffsAt(ctx, tx, height)
	if err != nil {
		return err
	}
	for _, d := range diffs {
		if _, err := tx.Exec(ctx, `UPDATE tokens.current SET balance = balance - $1 WHERE address_id=$2 AND asset_id=$3`,
			d.Delta, d.AddressID, d.AssetID); err != nil {
			return fmt.Errorf("tokens: reverting balance: %w", err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tokens.diffs WHERE height=$1`, height); err != nil {
		return fmt.Errorf("tokens: deleting diffs at %d: %w", height, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM tokens.blocks WHERE height=$1`, height); err != nil {
		return fmt.Errorf("tokens: deleting block record at %d: %w", height, err)
	}
	return tx.Commit(ctx)
}

// rowQuerier is satisfied by both pgx.Tx and the poolTx adapter below,
// letting diffsAt run inside a transaction or standalone.
type rowQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *Store) diffsAt(ctx context.Context, tx rowQuerier, height chain.Height) ([]Diff, error) {
	rows, err := tx.Query(ctx, `SELECT address_id, asset_id, token_id, delta, balance FROM tokens.diffs WHERE height=$1`, height)
	if err != nil {
		return nil, fmt.Errorf("tokens: reading diffs at %d: %w", height, err)
	}
	defer rows.Close()
	var out []Diff
	for rows.Next() {
		var d Diff
		var tokenID string
		if err := rows.Scan(&d.AddressID, &d.AssetID, &tokenID, &d.Delta, &d.Balance); err != nil {
			return nil, err
		}
		d.TokenID = chain.Digest(tokenID)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ContainsHeader reports whether tokens recorded exactly this header.
func (s *Store) ContainsHeader(ctx context.Context, header chain.Header) bool {
	if header.IsInitial() {
		return true
	}
	var id string
	err := s.pool.QueryRow(ctx, `SELECT header_id FROM tokens.blocks WHERE height=$1`, header.Height).Scan(&id)
	return err == nil && chain.Digest(id) == header.HeaderID
}

// GetAt reconstructs the StampedData recorded for height.
func (s *Store) GetAt(ctx context.Context, height chain.Height) (chain.StampedData[Data], error) {
	var h chain.Header
	var headerID, parentID string
	if err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM tokens.blocks WHERE height=$1`, height).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp); err != nil {
		return chain.StampedData[Data]{}, fmt.Errorf("tokens: no block recorded at height %d: %w", height, err)
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)

	diffs, err := s.diffsAt(ctx, poolTx{s.pool}, height)
	if err != nil {
		return chain.StampedData[Data]{}, err
	}
	return chain.NewStampedData(h, Data{Height: height, Diffs: diffs}), nil
}

// poolTx adapts *pgxpool.Pool to the subset of pgx.Tx diffsAt needs, so
// GetAt can reuse it outside of a transaction.
type poolTx struct{ pool *pgxpool.Pool }

func (p poolTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return p.pool.Query(ctx, sql, args...)
}

// Head returns the highest height tokens has recorded a block for.
func (s *Store) Head(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	var headerID, parentID string
	err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM tokens.blocks ORDER BY height DESC LIMIT 1`).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.InitialHeader, nil
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// BalanceFor returns a single address/asset pair's current balance,
// used by the consumer API's token balance endpoint. ok is false if
// the pair has no recorded balance.
func (s *Store) BalanceFor(ctx context.Context, addressID, assetID int64) (int64, bool, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM tokens.current WHERE address_id=$1 AND asset_id=$2`, addressID, assetID).Scan(&bal)
	if err != nil {
		return 0, false, nil
	}
	return bal, true, nil
}
