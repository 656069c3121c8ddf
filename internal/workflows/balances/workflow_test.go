package balances

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
)

func box(addrID int64, addr string, value int64) corestore.ResolvedBox {
	return corestore.ResolvedBox{AddressID: addrID, Address: addr, Value: value}
}

func TestNetDeltasNetsCreatedAndSpentBoxes(t *testing.T) {
	data := corestore.CoreData{
		Height: 10,
		CreatedBoxes: []corestore.ResolvedBox{
			box(1, "addrA", 100),
			box(2, "addrB", 50),
		},
		SpentBoxes: []corestore.ResolvedBox{
			box(1, "addrA", 30),
		},
	}

	deltas := netDeltas(data)

	byAddr := map[int64]int64{}
	for _, d := range deltas {
		byAddr[d.AddressID] = d.Amount
	}
	assert.Equal(t, int64(70), byAddr[1])
	assert.Equal(t, int64(50), byAddr[2])
}

func TestWorkflowHeaderStartsAtInitial(t *testing.T) {
	w := New(nil, chain.InitialHeader, 20, 8)
	assert.True(t, w.Header().IsInitial())
}
