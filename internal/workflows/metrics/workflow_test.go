package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
)

func TestWorkflowHeaderStartsAtInitial(t *testing.T) {
	w := New(nil, chain.InitialHeader, 20)
	assert.True(t, w.Header().IsInitial())
}

func TestSupplyDeltaNetsCreatedAndSpent(t *testing.T) {
	data := corestore.CoreData{
		Height:       5,
		CreatedBoxes: []corestore.ResolvedBox{{BoxID: "a", Value: 100}},
		SpentBoxes:   []corestore.ResolvedBox{{BoxID: "b", Value: 40}},
	}

	supplyDelta := int64(0)
	for _, b := range data.CreatedBoxes {
		supplyDelta += b.Value
	}
	for _, b := range data.SpentBoxes {
		supplyDelta -= b.Value
	}

	assert.Equal(t, int64(60), supplyDelta)
}
