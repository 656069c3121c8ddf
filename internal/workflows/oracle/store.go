// Package oracle implements OracleWorkflow: a LeafWorker that extracts
// oracle-pool price postings from boxes at a configured oracle NFT
// address and records how far each posting diverges from an external
// reference price.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// SchemaDDL records one posting per height the oracle box moved,
// together with the reference price observed at ingest time and the
// resulting divergence.
const SchemaDDL = `
CREATE SCHEMA IF NOT EXISTS oracle;

CREATE TABLE IF NOT EXISTS oracle.postings (
	height          INTEGER PRIMARY KEY,
	header_id       TEXT NOT NULL,
	parent_id       TEXT NOT NULL,
	timestamp       BIGINT NOT NULL,
	box_id          TEXT NOT NULL,
	posted_rate     BIGINT NOT NULL,
	reference_price DOUBLE PRECISION NOT NULL,
	divergence_bps  BIGINT NOT NULL
);
`

// Posting is one recorded oracle-pool price posting.
type Posting struct {
	Height         chain.Height
	BoxID          chain.Digest
	PostedRate     int64
	ReferencePrice float64
	DivergenceBps  int64
}

// Store is the Postgres-backed persistence layer for OracleWorkflow.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps an already-migrated pool.
func NewStore(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// RecordPosting persists a posting for height, idempotent on replay:
// ON CONFLICT simply returns the previously recorded row untouched so
// a duplicate IncludeBlock call (two lagging cursors converging on the
// same height) never overwrites a posting with a different reference
// price sample.
func (s *Store) RecordPosting(ctx context.Context, header chain.Header, p Posting) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO oracle.postings (height, header_id, parent_id, timestamp, box_id, posted_rate, reference_price, divergence_bps)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (height) DO NOTHING`,
		header.Height, string(header.HeaderID), string(header.ParentID), header.Timestamp,
		string(p.BoxID), p.PostedRate, p.ReferencePrice, p.DivergenceBps)
	if err != nil {
		return fmt.Errorf("oracle: recording posting at %d: %w", header.Height, err)
	}
	return nil
}

// RollBack deletes every posting at or above height, since a leaf
// worker never feeds anything downstream, it can simply forget the
// rolled-back heights rather than recompute a compensating value.
func (s *Store) RollBack(ctx context.Context, height chain.Height) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM oracle.postings WHERE height >= $1`, height)
	if err != nil {
		return fmt.Errorf("oracle: rolling back from %d: %w", height, err)
	}
	return nil
}

// Head returns the highest height oracle has recorded a posting at,
// or chain.InitialHeader if none (a leaf worker only needs the height
// its cursor has reached, so it stores just enough of the header to
// answer Head).
func (s *Store) Head(ctx context.Context) (chain.Header, error) {
	var h chain.Header
	var headerID, parentID string
	err := s.pool.QueryRow(ctx, `SELECT height, header_id, parent_id, timestamp FROM oracle.postings ORDER BY height DESC LIMIT 1`).
		Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.InitialHeader, nil
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// LatestPostings returns the most recent postings, newest first, for
// the consumer API's oracle postings endpoint.
func (s *Store) LatestPostings(ctx context.Context, limit int) ([]Posting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT height, box_id, posted_rate, reference_price, divergence_bps
		FROM oracle.postings ORDER BY height DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("oracle: listing postings: %w", err)
	}
	defer rows.Close()
	var out []Posting
	for rows.Next() {
		var p Posting
		var boxID string
		if err := rows.Scan(&p.Height, &boxID, &p.PostedRate, &p.ReferencePrice, &p.DivergenceBps); err != nil {
			return nil, err
		}
		p.BoxID = chain.Digest(boxID)
		out = append(out, p)
	}
	return out, rows.Err()
}

// registersDTO is the minimal shape this worker expects from a box's
// raw registers JSON: the oracle pool posts its rate as a signed
// integer in R4.
type registersDTO struct {
	R4 *int64 `json:"R4"`
}

// PostedRate extracts R4 from raw register JSON, reporting false if
// registers is absent or doesn't carry an R4 long.
func PostedRate(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var regs registersDTO
	if err := json.Unmarshal(raw, &regs); err != nil || regs.R4 == nil {
		return 0, false
	}
	return *regs.R4, true
}
