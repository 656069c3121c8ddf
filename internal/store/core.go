package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/tracker"
)

// ResolvedAsset is a token amount with its stable integer asset id
// already resolved, so downstream workflows never touch core.tokens
// directly.
type ResolvedAsset struct {
	AssetID int64
	TokenID chain.Digest
	Amount  int64
}

// ResolvedBox is a box with its owning address already resolved to
// core.addresses' stable integer id.
type ResolvedBox struct {
	BoxID     chain.Digest
	AddressID int64
	Address   string
	Value     int64
	Assets    []ResolvedAsset
	Registers json.RawMessage
}

// CoreData is the payload the ChainTracker's own workflow produces for
// each included block: the net set of boxes created and spent, with
// address/token ids already resolved. It is what downstream workflows
// (balances, tokens, exchanges, oracle, metrics) subscribe to.
type CoreData struct {
	Height       chain.Height
	CreatedBoxes []ResolvedBox
	SpentBoxes   []ResolvedBox
}

// CoreStore implements tracker.CoreStore[CoreData] against the core.*
// schema: the header ledger, address/token id assignment, and the box
// ledger, one private helper per table.
type CoreStore struct {
	pool *pgxpool.Pool
}

// NewCoreStore wraps an already-migrated pool.
func NewCoreStore(pool *pgxpool.Pool) *CoreStore {
	return &CoreStore{pool: pool}
}

var _ tracker.CoreStore[CoreData] = (*CoreStore)(nil)

func (s *CoreStore) Head(ctx context.Context) chain.Header {
	row := s.pool.QueryRow(ctx, `
		SELECT height, header_id, parent_id, timestamp FROM core.headers
		WHERE main_chain ORDER BY height DESC LIMIT 1`)
	var h chain.Header
	var headerID, parentID string
	if err := row.Scan(&h.Height, &headerID, &parentID, &h.Timestamp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return chain.InitialHeader
		}
		return chain.InitialHeader
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h
}

func (s *CoreStore) HasGenesisData(ctx context.Context) bool {
	var v string
	err := s.pool.QueryRow(ctx, `SELECT value FROM core.meta WHERE key = 'genesis_done'`).Scan(&v)
	return err == nil && v == "true"
}

func (s *CoreStore) IncludeGenesis(ctx context.Context, raw []byte) error {
	boxes, err := ParseGenesisBoxes(raw)
	if err != nil {
		return err
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin genesis tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, b := range boxes {
		if _, err := s.persistBox(ctx, tx, chain.InitialHeight, b); err != nil {
			return fmt.Errorf("store: persisting genesis box %s: %w", b.BoxID, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO core.meta (key, value) VALUES ('genesis_done', 'true')
		ON CONFLICT (key) DO UPDATE SET value = 'true'`); err != nil {
		return fmt.Errorf("store: marking genesis done: %w", err)
	}
	return tx.Commit(ctx)
}

// GenesisData reads back the genesis boxes persisted by IncludeGenesis,
// stamped at the initial sentinel header, for the tracker to dispatch
// to every cursor still sitting at -1. Safe to call repeatedly: it is a
// plain read, never mutates core.boxes.
func (s *CoreStore) GenesisData(ctx context.Context) (chain.StampedData[CoreData], error) {
	created, err := queryBoxes(ctx, s.pool, `
		SELECT b.box_id, b.address_id, a.address, b.value, b.assets, b.registers FROM core.boxes b
		JOIN core.addresses a ON a.id=b.address_id WHERE b.height=$1`, chain.InitialHeight)
	if err != nil {
		return chain.StampedData[CoreData]{}, fmt.Errorf("store: reading genesis boxes: %w", err)
	}
	return chain.NewStampedData(chain.InitialHeader, CoreData{Height: chain.InitialHeight, CreatedBoxes: created}), nil
}

// Process persists the block at height and returns the net created/
// spent box set. Idempotent: a re-Process of an already-recorded
// height is a no-op read-back rather than a duplicate insert, since
// joinCursors may ask the same height of more than one lagging cursor.
func (s *CoreStore) Process(ctx context.Context, height chain.Height, raw tracker.RawBlock) (chain.StampedData[CoreData], error) {
	parsed, err := ParseBlock(raw)
	if err != nil {
		return chain.StampedData[CoreData]{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chain.StampedData[CoreData]{}, fmt.Errorf("store: begin process tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var existing int
	if err := tx.QueryRow(ctx, `SELECT count(*) FROM core.headers WHERE height=$1 AND header_id=$2`,
		height, string(parsed.Header.HeaderID)).Scan(&existing); err != nil {
		return chain.StampedData[CoreData]{}, fmt.Errorf("store: checking existing header: %w", err)
	}
	if existing > 0 {
		data, err := s.readBlockData(ctx, tx, height)
		if err != nil {
			return chain.StampedData[CoreData]{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return chain.StampedData[CoreData]{}, err
		}
		return chain.NewStampedData(parsed.Header, data), nil
	}

	var created []ResolvedBox
	for _, b := range parsed.CreatedBoxes {
		resolved, err := s.persistBox(ctx, tx, height, b)
		if err != nil {
			return chain.StampedData[CoreData]{}, fmt.Errorf("store: persisting box %s: %w", b.BoxID, err)
		}
		created = append(created, resolved)
	}

	var spent []ResolvedBox
	for _, id := range parsed.SpentBoxIDs {
		resolved, err := s.spendBox(ctx, tx, height, id)
		if err != nil {
			return chain.StampedData[CoreData]{}, fmt.Errorf("store: spending box %s: %w", id, err)
		}
		spent = append(spent, resolved)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO core.headers (height, header_id, parent_id, timestamp, main_chain)
		VALUES ($1, $2, $3, $4, true)`,
		height, string(parsed.Header.HeaderID), string(parsed.Header.ParentID), parsed.Header.Timestamp); err != nil {
		return chain.StampedData[CoreData]{}, fmt.Errorf("store: inserting header: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return chain.StampedData[CoreData]{}, fmt.Errorf("store: committing process tx: %w", err)
	}

	return chain.NewStampedData(parsed.Header, CoreData{Height: height, CreatedBoxes: created, SpentBoxes: spent}), nil
}

// RollBack undoes height's boxes (deleting what it created, un-spending
// what it spent), orphans its header row rather than deleting it so
// the rollback ledger can still answer future parent queries, and
// returns the parent header the now-former tip pointed at.
func (s *CoreStore) RollBack(ctx context.Context, height chain.Height) (chain.Header, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return chain.Header{}, fmt.Errorf("store: begin rollback tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var headerID, parentID string
	if err := tx.QueryRow(ctx, `
		SELECT header_id, parent_id FROM core.headers WHERE height=$1 AND main_chain`, height).
		Scan(&headerID, &parentID); err != nil {
		return chain.Header{}, fmt.Errorf("store: no canonical header at height %d: %w", height, err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM core.boxes WHERE height=$1`, height); err != nil {
		return chain.Header{}, fmt.Errorf("store: deleting boxes created at %d: %w", height, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE core.boxes SET spent_height=NULL WHERE spent_height=$1`, height); err != nil {
		return chain.Header{}, fmt.Errorf("store: un-spending boxes at %d: %w", height, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE core.headers SET main_chain=false WHERE height=$1 AND header_id=$2`,
		height, headerID); err != nil {
		return chain.Header{}, fmt.Errorf("store: orphaning header at %d: %w", height, err)
	}

	var parent chain.Header
	if height-1 == chain.InitialHeight {
		parent = chain.InitialHeader
	} else {
		var ts int64
		var parentHeight chain.Height
		if err := tx.QueryRow(ctx, `
			SELECT height, timestamp FROM core.headers WHERE header_id=$1`, parentID).
			Scan(&parentHeight, &ts); err != nil {
			return chain.Header{}, fmt.Errorf("store: parent header %s not found in ledger: %w", parentID, err)
		}
		parent = chain.Header{Height: parentHeight, HeaderID: chain.Digest(parentID), ParentID: "", Timestamp: ts}
	}

	if err := tx.Commit(ctx); err != nil {
		return chain.Header{}, fmt.Errorf("store: committing rollback tx: %w", err)
	}
	return parent, nil
}

func (s *CoreStore) persistBox(ctx context.Context, tx pgx.Tx, height chain.Height, b BoxDTO) (ResolvedBox, error) {
	addrID, err := resolveAddress(ctx, tx, height, b.Address)
	if err != nil {
		return ResolvedBox{}, err
	}

	resolvedAssets := make([]ResolvedAsset, len(b.Assets))
	for i, a := range b.Assets {
		assetID, err := resolveToken(ctx, tx, height, a.TokenID)
		if err != nil {
			return ResolvedBox{}, err
		}
		resolvedAssets[i] = ResolvedAsset{AssetID: assetID, TokenID: a.TokenID, Amount: a.Amount}
	}

	assetsJSON, err := json.Marshal(resolvedAssets)
	if err != nil {
		return ResolvedBox{}, err
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO core.boxes (box_id, height, creation_height, address_id, value, size, assets, registers)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (box_id) DO NOTHING`,
		string(b.BoxID), height, b.CreationHeight, addrID, b.Value, b.Size, assetsJSON, nullableRaw(b.Registers)); err != nil {
		return ResolvedBox{}, err
	}

	return ResolvedBox{BoxID: b.BoxID, AddressID: addrID, Address: b.Address, Value: b.Value, Assets: resolvedAssets, Registers: b.Registers}, nil
}

func (s *CoreStore) spendBox(ctx context.Context, tx pgx.Tx, height chain.Height, id chain.Digest) (ResolvedBox, error) {
	var addrID int64
	var address string
	var value int64
	var assetsJSON []byte
	var registers []byte
	if err := tx.QueryRow(ctx, `
		SELECT b.address_id, a.address, b.value, b.assets, b.registers FROM core.boxes b
		JOIN core.addresses a ON a.id = b.address_id
		WHERE b.box_id = $1`, string(id)).Scan(&addrID, &address, &value, &assetsJSON, &registers); err != nil {
		return ResolvedBox{}, fmt.Errorf("box %s not found for spending: %w", id, err)
	}
	var assets []ResolvedAsset
	if err := json.Unmarshal(assetsJSON, &assets); err != nil {
		return ResolvedBox{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE core.boxes SET spent_height=$1 WHERE box_id=$2`, height, string(id)); err != nil {
		return ResolvedBox{}, err
	}
	return ResolvedBox{BoxID: id, AddressID: addrID, Address: address, Value: value, Assets: assets, Registers: registers}, nil
}

// readBlockData reconstructs the CoreData a height would have produced,
// used when Process is asked to replay an already-persisted height.
func (s *CoreStore) readBlockData(ctx context.Context, tx pgx.Tx, height chain.Height) (CoreData, error) {
	created, err := queryBoxes(ctx, tx, `SELECT b.box_id, b.address_id, a.address, b.value, b.assets, b.registers FROM core.boxes b JOIN core.addresses a ON a.id=b.address_id WHERE b.height=$1`, height)
	if err != nil {
		return CoreData{}, err
	}
	spent, err := queryBoxes(ctx, tx, `SELECT b.box_id, b.address_id, a.address, b.value, b.assets, b.registers FROM core.boxes b JOIN core.addresses a ON a.id=b.address_id WHERE b.spent_height=$1`, height)
	if err != nil {
		return CoreData{}, err
	}
	return CoreData{Height: height, CreatedBoxes: created, SpentBoxes: spent}, nil
}

// querier is satisfied by both pgx.Tx and *pgxpool.Pool, letting
// queryBoxes run either inside an open transaction or directly against
// the pool.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryBoxes(ctx context.Context, tx querier, query string, height chain.Height) ([]ResolvedBox, error) {
	rows, err := tx.Query(ctx, query, height)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ResolvedBox
	for rows.Next() {
		var boxID, address string
		var addrID, value int64
		var assetsJSON []byte
		var registers []byte
		if err := rows.Scan(&boxID, &addrID, &address, &value, &assetsJSON, &registers); err != nil {
			return nil, err
		}
		var assets []ResolvedAsset
		if err := json.Unmarshal(assetsJSON, &assets); err != nil {
			return nil, err
		}
		out = append(out, ResolvedBox{BoxID: chain.Digest(boxID), AddressID: addrID, Address: address, Value: value, Assets: assets, Registers: registers})
	}
	return out, rows.Err()
}

func resolveAddress(ctx context.Context, tx pgx.Tx, height chain.Height, address string) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO core.addresses (spot_height, address) VALUES ($1, $2)
		ON CONFLICT (address) DO UPDATE SET address = EXCLUDED.address
		RETURNING id`, height, address).Scan(&id)
	return id, err
}

func resolveToken(ctx context.Context, tx pgx.Tx, height chain.Height, tokenID chain.Digest) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO core.tokens (spot_height, token_id) VALUES ($1, $2)
		ON CONFLICT (token_id) DO UPDATE SET token_id = EXCLUDED.token_id
		RETURNING asset_id`, height, string(tokenID)).Scan(&id)
	return id, err
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
