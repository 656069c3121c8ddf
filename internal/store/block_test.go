package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/tracker"
)

func digest(b byte) string {
	s := make([]byte, 64)
	for i := range s {
		s[i] = '0'
	}
	hex := "0123456789abcdef"
	s[63] = hex[b&0xf]
	s[62] = hex[(b>>4)&0xf]
	return "0x" + string(s)
}

func TestParseBlockDecodesHeaderAndBoxes(t *testing.T) {
	raw := tracker.RawBlock(`{
		"height": 5,
		"id": "` + digest(5) + `",
		"parentId": "` + digest(4) + `",
		"timestamp": 1000,
		"createdBoxes": [
			{"boxId": "` + digest(10) + `", "creationHeight": 5, "address": "addr1", "value": 100, "size": 64, "assets": [{"tokenId": "` + digest(20) + `", "amount": 7}]}
		],
		"spentBoxIds": ["` + digest(9) + `"]
	}`)

	parsed, err := ParseBlock(raw)
	require.NoError(t, err)

	assert.Equal(t, chain.Height(5), parsed.Header.Height)
	assert.Equal(t, chain.Digest(digest(5)), parsed.Header.HeaderID)
	assert.Equal(t, chain.Digest(digest(4)), parsed.Header.ParentID)
	require.Len(t, parsed.CreatedBoxes, 1)
	assert.Equal(t, "addr1", parsed.CreatedBoxes[0].Address)
	assert.Equal(t, int64(100), parsed.CreatedBoxes[0].Value)
	require.Len(t, parsed.CreatedBoxes[0].Assets, 1)
	assert.Equal(t, int64(7), parsed.CreatedBoxes[0].Assets[0].Amount)
	require.Len(t, parsed.SpentBoxIDs, 1)
	assert.Equal(t, chain.Digest(digest(9)), parsed.SpentBoxIDs[0])
}

func TestParseBlockRejectsMalformedID(t *testing.T) {
	raw := tracker.RawBlock(`{"height": 1, "id": "not-hex", "parentId": "` + digest(0) + `", "timestamp": 0}`)
	_, err := ParseBlock(raw)
	assert.Error(t, err)
}

func TestParseGenesisBoxes(t *testing.T) {
	raw := []byte(`{"boxes": [{"boxId": "` + digest(1) + `", "address": "genesisAddr", "value": 5000, "size": 32}]}`)
	boxes, err := ParseGenesisBoxes(raw)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	assert.Equal(t, "genesisAddr", boxes[0].Address)
	assert.Equal(t, int64(5000), boxes[0].Value)
}
