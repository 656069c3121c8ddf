package store

import (
	"encoding/json"
	"fmt"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/tracker"
)

// AssetAmount is a token amount carried by a box, stored in
// core.boxes' assets column.
type AssetAmount struct {
	TokenID chain.Digest `json:"tokenId"`
	Amount  int64        `json:"amount"`
}

// BoxDTO is the wire shape of a box created by a block, as returned
// embedded in a node block body.
type BoxDTO struct {
	BoxID          chain.Digest    `json:"boxId"`
	CreationHeight chain.Height    `json:"creationHeight"`
	Address        string          `json:"address"`
	Value          int64           `json:"value"`
	Size           int32           `json:"size"`
	Assets         []AssetAmount   `json:"assets"`
	Registers      json.RawMessage `json:"registers,omitempty"`
}

// blockBodyDTO is the wire shape of GET /blocks/{id}: a header plus the
// set of boxes the block's transactions created and spent. Parsing at
// tx granularity is a per-worker concern; the core store only needs
// the net created/spent set.
type blockBodyDTO struct {
	Height       chain.Height `json:"height"`
	ID           string       `json:"id"`
	ParentID     string       `json:"parentId"`
	Timestamp    int64        `json:"timestamp"`
	CreatedBoxes []BoxDTO     `json:"createdBoxes"`
	SpentBoxIDs  []string     `json:"spentBoxIds"`
}

// ParsedBlock is a block body decoded off the wire, ready to persist.
type ParsedBlock struct {
	Header       chain.Header
	CreatedBoxes []BoxDTO
	SpentBoxIDs  []chain.Digest
}

// ParseBlock decodes a raw block body fetched from the node,
// validating every digest at the boundary.
func ParseBlock(raw tracker.RawBlock) (ParsedBlock, error) {
	var dto blockBodyDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return ParsedBlock{}, fmt.Errorf("store: decoding block body: %w", err)
	}
	id, err := chain.ParseDigest(dto.ID)
	if err != nil {
		return ParsedBlock{}, fmt.Errorf("store: block id: %w", err)
	}
	parentID, err := chain.ParseDigest(dto.ParentID)
	if err != nil {
		return ParsedBlock{}, fmt.Errorf("store: block parent id: %w", err)
	}

	spent := make([]chain.Digest, len(dto.SpentBoxIDs))
	for i, s := range dto.SpentBoxIDs {
		d, err := chain.ParseDigest(s)
		if err != nil {
			return ParsedBlock{}, fmt.Errorf("store: spent box %d: %w", i, err)
		}
		spent[i] = d
	}

	for i, b := range dto.CreatedBoxes {
		if _, err := chain.ParseDigest(string(b.BoxID)); err != nil {
			return ParsedBlock{}, fmt.Errorf("store: created box %d: %w", i, err)
		}
		for j, a := range b.Assets {
			if _, err := chain.ParseDigest(string(a.TokenID)); err != nil {
				return ParsedBlock{}, fmt.Errorf("store: created box %d asset %d: %w", i, j, err)
			}
		}
	}

	return ParsedBlock{
		Header: chain.Header{
			Height:    dto.Height,
			HeaderID:  id,
			ParentID:  parentID,
			Timestamp: dto.Timestamp,
		},
		CreatedBoxes: dto.CreatedBoxes,
		SpentBoxIDs:  spent,
	}, nil
}

// GenesisBoxesDTO is the wire shape of GET /utxo/genesis.
type GenesisBoxesDTO struct {
	Boxes []BoxDTO `json:"boxes"`
}

// ParseGenesisBoxes decodes the genesis UTXO set.
func ParseGenesisBoxes(raw []byte) ([]BoxDTO, error) {
	var dto GenesisBoxesDTO
	if err := json.Unmarshal(raw, &dto); err != nil {
		return nil, fmt.Errorf("store: decoding genesis boxes: %w", err)
	}
	return dto.Boxes, nil
}
