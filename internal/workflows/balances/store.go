// Package balances implements AddressBalanceWorkflow, the first
// SourceWorker off the core stream: it keeps a running nanoERG balance
// per address, exposes its own history to further subscribers
// (Sourceable), and answers "balance diffs at height <= H for these
// addresses" queries from the exchanges workflow (QueryHandler).
package balances

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// SchemaDDL creates the balances.* tables: current balances, the
// per-height diff log (also serves as the Sourceable history and the
// QueryHandler's answer source), and the per-height header record
// Sourceable.ContainsHeader/GetAt need to identify which chain a
// height belongs to.
const SchemaDDL = `
CREATE SCHEMA IF NOT EXISTS balances;

CREATE TABLE IF NOT EXISTS balances.current (
	address_id BIGINT PRIMARY KEY,
	balance    BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS balances.diffs (
	height     INTEGER NOT NULL,
	address_id BIGINT NOT NULL,
	address    TEXT NOT NULL,
	delta      BIGINT NOT NULL,
	balance    BIGINT NOT NULL,
	PRIMARY KEY (height, address_id)
);
CREATE INDEX IF NOT EXISTS idx_balances_diffs_height ON balances.diffs (height);
CREATE INDEX IF NOT EXISTS idx_balances_diffs_address ON balances.diffs (address_id, height);

CREATE TABLE IF NOT EXISTS balances.blocks (
	height    INTEGER PRIMARY KEY,
	header_id TEXT NOT NULL,
	parent_id TEXT NOT NULL,
	timestamp BIGINT NOT NULL
);
`

// Delta is one address's net balance change within a block, computed
// by the workflow from the upstream core boxes before it ever reaches
// the store.
type Delta struct {
	AddressID int64
	Address   string
	Amount    int64
}

// AddressDiff is a persisted balance change: the delta applied at a
// height plus the resulting balance, the unit both Sourceable.GetAt and
// the QueryHandler response traffic in.
type AddressDiff struct {
	Height    chain.Height
	AddressID int64
	Address   string
	Delta     int64
	Balance   int64
}

// Store is the Postgres-backed persistence layer for AddressBalanceWorkflow.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-migrated pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// ApplyBlock persists deltas for height inside one transaction,
// returning the resulting diffs. Idempotent: re-applying an
// already-recorded height returns the persisted diffs unchanged
// instead of double-counting, the same contract CoreStore.Process
// gives the tracker.
func (s *Store) ApplyBlock(ctx context.Context, header chain.Header, deltas []Delta) ([]AddressDiff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("balances: begin apply tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM balances.blocks WHERE height=$1`, header.Height).Scan(&existing); err != nil {
		return nil, fmt.Errorf("balances: checking existing block: %w", err)
	}
	if existing > 0 {
		diffs, err := s.diffsAt(ctx, tx, header.Height)
		if err != nil {
			return nil, err
		}
		return diffs, tx.Commit(ctx)
	}

	diffs := make([]AddressDiff, 0, len(deltas))
	for _, d := range deltas {
		var balance int64
		err := tx.QueryRow(ctx, `
			INSERT INTO balances.current (address_id, balance) VALUES ($1, $2)
			ON CONFLICT (address_id) DO UPDATE SET balance = balances.current.balance + EXCLUDED.balance
			RETURNING balance`, d.AddressID, d.Amount).Scan(&balance)
		if err != nil {
			return nil, fmt.Errorf("balances: updating current balance for %s: %w", d.Address, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO balances.diffs (height, address_id, address, delta, balance)
			VALUES ($1, $2, $3, $4, $5)`, header.Height, d.AddressID, d.Address, d.Amount, balance); err != nil {
			return nil, fmt.Errorf("balances: inserting diff for %s: %w", d.Address, err)
		}
		diffs = append(diffs, AddressDiff{Height: header.Height, AddressID: d.AddressID, Address: d.Address, Delta: d.Amount, Balance: balance})
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO balances.blocks (height, header_id, parent_id, timestamp) VALUES ($1, $2, $3, $4)`,
		header.Height, string(header.HeaderID), string(header.ParentID), header.Timestamp); err != nil {
		return nil, fmt.Errorf("balances: recording block: %w", err)
	}

	return diffs, tx.Commit(ctx)
}

// RollBack undoes height's diffs, subtracting each one back out of
// balances.current, and deletes height's block record.
func (s *Store) RollBack(ctx context.Context, height chain.Height) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("balances: begin rollback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	diffs, err := s.diffsAt(ctx, tx, height)
	if err != nil {
		return err
	}
	for _, d := range diffs {
		if _, err := tx.Exec(ctx, `UPDATE balances.current SET balance = balance - $1 WHERE address_id = $2`, d.Delta, d.AddressID); err != nil {
			return fmt.Errorf("balances: reverting balance for address %d: %w", d.AddressID, err)
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM balances.diffs WHERE height=$1`, height); err != nil {
		return fmt.Errorf("balances: deleting diffs at %d: %w", height, err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM balances.blocks WHERE height=$1`, height); err != nil {
		return fmt.Errorf("balances: deleting block record at %d: %w", height, err)
	}
	return tx.Commit(ctx)
}

func (s *Store) diffsAt(ctx context.Context, tx pgx.Tx, height chain.Height) ([]AddressDiff, error) {
	rows, err := tx.Query(ctx, `SELECT height, address_id, address, delta, balance FROM balances.diffs WHERE height=$1`, height)
	if err != nil {
		return nil, fmt.Errorf("balances: reading diffs at %d: %w", height, err)
	}
	defer rows.Close()
	var out []AddressDiff
	for rows.Next() {
		var d AddressDiff
		if err := rows.Scan(&d.Height, &d.AddressID, &d.Address, &d.Delta, &d.Balance); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Head returns the highest height balances has recorded a block for,
// or chain.InitialHeader if none.
func (s *Store) Head(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	var headerID, parentID string
	err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM balances.blocks ORDER BY height DESC LIMIT 1`).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.InitialHeader, nil
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// ContainsHeader reports whether balances recorded exactly this header
// at its height.
func (s *Store) ContainsHeader(ctx context.Context, header chain.Header) bool {
	if header.IsInitial() {
		return true
	}
	var id string
	err := s.pool.QueryRow(ctx, `SELECT header_id FROM balances.blocks WHERE height=$1`, header.Height).Scan(&id)
	return err == nil && chain.Digest(id) == header.HeaderID
}

// GetAt reconstructs the StampedData balances recorded for height, for
// Sourceable lagging-cursor replay.
func (s *Store) GetAt(ctx context.Context, height chain.Height) (chain.StampedData[BalanceData], error) {
	var h chain.Header
	var headerID, parentID string
	if err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM balances.blocks WHERE height=$1`, height).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp); err != nil {
		return chain.StampedData[BalanceData]{}, fmt.Errorf("balances: no block recorded at height %d: %w", height, err)
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)

	rows, err := s.pool.Query(ctx, `SELECT height, address_id, address, delta, balance FROM balances.diffs WHERE height=$1`, height)
	if err != nil {
		return chain.StampedData[BalanceData]{}, err
	}
	defer rows.Close()
	var diffs []AddressDiff
	for rows.Next() {
		var d AddressDiff
		if err := rows.Scan(&d.Height, &d.AddressID, &d.Address, &d.Delta, &d.Balance); err != nil {
			return chain.StampedData[BalanceData]{}, err
		}
		diffs = append(diffs, d)
	}
	return chain.NewStampedData(h, BalanceData{Height: height, Diffs: diffs}), rows.Err()
}

// DiffsFor answers the QueryHandler's "balance diffs at height <= H for
// these addresses" query directly against the diff log, so the handler
// never touches the in-memory cache a concurrently-running
// IncludeBlock/RollBack turn might be mutating.
func (s *Store) DiffsFor(ctx context.Context, addressIDs []int64, maxHeight chain.Height) ([]AddressDiff, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT height, address_id, address, delta, balance FROM balances.diffs
		WHERE address_id = ANY($1) AND height <= $2
		ORDER BY height`, addressIDs, maxHeight)
	if err != nil {
		return nil, fmt.Errorf("balances: querying diffs: %w", err)
	}
	defer rows.Close()
	var out []AddressDiff
	for rows.Next() {
		var d AddressDiff
		if err := rows.Scan(&d.Height, &d.AddressID, &d.Address, &d.Delta, &d.Balance); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CurrentBalances reloads every known address's balance, used to
// rebuild the workflow's in-memory cache after a rollback.
func (s *Store) CurrentBalances(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT address_id, balance FROM balances.current`)
	if err != nil {
		return nil, fmt.Errorf("balances: loading current balances: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]int64)
	for rows.Next() {
		var id, bal int64
		if err := rows.Scan(&id, &bal); err != nil {
			return nil, err
		}
		out[id] = bal
	}
	return out, rows.Err()
}

// BalanceFor returns a single address's current balance, used by the
// consumer API's address balance endpoint. ok is false if the address
// has no recorded balance (zero, not an error).
func (s *Store) BalanceFor(ctx context.Context, addressID int64) (int64, bool, error) {
	var bal int64
	err := s.pool.QueryRow(ctx, `SELECT balance FROM balances.current WHERE address_id=$1`, addressID).Scan(&bal)
	if err != nil {
		return 0, false, nil
	}
	return bal, true, nil
}
