package tokens

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
)

func TestNetDeltasNetsAssetsAcrossBoxes(t *testing.T) {
	data := corestore.CoreData{
		Height: 3,
		CreatedBoxes: []corestore.ResolvedBox{
			{AddressID: 1, Assets: []corestore.ResolvedAsset{{AssetID: 9, TokenID: "0xaa", Amount: 5}}},
		},
		SpentBoxes: []corestore.ResolvedBox{
			{AddressID: 1, Assets: []corestore.ResolvedAsset{{AssetID: 9, TokenID: "0xaa", Amount: 2}}},
		},
	}

	deltas := netDeltas(data)

	assert.Len(t, deltas, 1)
	assert.Equal(t, int64(3), deltas[0].Amount)
}

func TestWorkflowHeaderStartsAtInitial(t *testing.T) {
	w := New(nil, chain.InitialHeader, 20)
	assert.True(t, w.Header().IsInitial())
}
