package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
)

// HeaderAt looks up the canonical header recorded at height in the
// core.headers rollback ledger. Unlike CoreStore.RollBack, this is a
// read-only helper any downstream workflow can use to resolve the
// header it should wind back to without needing CoreStore's
// tracker-only Process/RollBack surface.
func HeaderAt(ctx context.Context, pool *pgxpool.Pool, height chain.Height) (chain.Header, error) {
	if height <= chain.InitialHeight {
		return chain.InitialHeader, nil
	}
	var h chain.Header
	var headerID, parentID string
	err := pool.QueryRow(ctx, `
		SELECT height, header_id, parent_id, timestamp FROM core.headers
		WHERE height=$1 AND main_chain`, height).Scan(&h.Height, &headerID, &parentID, &h.Timestamp)
	if err != nil {
		return chain.Header{}, fmt.Errorf("store: header at height %d: %w", height, err)
	}
	h.HeaderID = chain.Digest(headerID)
	h.ParentID = chain.Digest(parentID)
	return h, nil
}

// ResolveAddressID looks up (without creating) the stable integer id
// core.addresses assigned to address, used by downstream workflows
// (exchanges) that need to map a configured address string onto the
// id CoreStore already resolved when the address first appeared
// on-chain.
func ResolveAddressID(ctx context.Context, pool *pgxpool.Pool, address string) (int64, bool, error) {
	var id int64
	err := pool.QueryRow(ctx, `SELECT id FROM core.addresses WHERE address=$1`, address).Scan(&id)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// ResolveAssetID is ResolveAddressID's counterpart for core.tokens,
// used by the consumer API's token balance endpoint to map a token id
// string onto the asset_id tokens.Store keys its balances by.
func ResolveAssetID(ctx context.Context, pool *pgxpool.Pool, tokenID string) (int64, bool, error) {
	var id int64
	err := pool.QueryRow(ctx, `SELECT asset_id FROM core.tokens WHERE token_id=$1`, tokenID).Scan(&id)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}
