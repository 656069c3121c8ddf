package tokens

import (
	"context"
	"log"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/workflow"
)

// WorkerID is this workflow's cursor/checkpoint id.
const WorkerID = "tokens"

// Data is what TokenBalanceWorkflow exposes downstream.
type Data struct {
	Height chain.Height
	Diffs  []Diff
}

// Workflow implements workflow.Workflow[store.CoreData, Data] and
// workflow.Sourceable[Data]. Unlike balances it has no QueryHandler
// role in this module's worker graph, so it does not hold a query
// channel.
type Workflow struct {
	store   *Store
	horizon chain.Height
	head    *workflow.Position
}

var (
	_ workflow.Workflow[corestore.CoreData, Data] = (*Workflow)(nil)
	_ workflow.Sourceable[Data]                   = (*Workflow)(nil)
)

// New constructs a Workflow resuming from head.
func New(store *Store, head chain.Header, horizon chain.Height) *Workflow {
	return &Workflow{store: store, horizon: horizon, head: workflow.NewPosition(head)}
}

func (w *Workflow) Header() chain.Header { return w.head.Get() }

// IncludeGenesis applies the genesis box set's token assets the same
// way a regular block's would be (genesis boxes arrive as created
// boxes stamped at the initial sentinel). Persisting at
// chain.InitialHeader leaves w.head unchanged.
func (w *Workflow) IncludeGenesis(ctx context.Context, data chain.StampedData[corestore.CoreData]) {
	w.IncludeBlock(ctx, data)
}

func (w *Workflow) IncludeBlock(ctx context.Context, data chain.StampedData[corestore.CoreData]) Data {
	deltas := netDeltas(data.Data)
	diffs, err := w.store.ApplyBlock(ctx, data.Header, deltas)
	if err != nil {
		log.Panicf("[tokens] applying block %d: %v", data.Height, err)
	}
	w.head.Set(data.Header)
	return Data{Height: data.Height, Diffs: diffs}
}

func (w *Workflow) RollBack(ctx context.Context, height chain.Height) chain.Header {
	if head := w.head.Get(); head.Height-height > w.horizon {
		log.Panicf("[tokens] rollback horizon exceeded: head %d, requested %d, horizon %d",
			head.Height, height, w.horizon)
	}
	if err := w.store.RollBack(ctx, height); err != nil {
		log.Panicf("[tokens] rolling back height %d: %v", height, err)
	}
	newHead, err := corestore.HeaderAt(ctx, w.store.pool, height-1)
	if err != nil {
		log.Panicf("[tokens] resolving parent header for height %d: %v", height-1, err)
	}
	w.head.Set(newHead)
	return newHead
}

func (w *Workflow) ContainsHeader(ctx context.Context, header chain.Header) bool {
	return w.store.ContainsHeader(ctx, header)
}

func (w *Workflow) GetAt(ctx context.Context, height chain.Height) chain.StampedData[Data] {
	stamped, err := w.store.GetAt(ctx, height)
	if err != nil {
		log.Panicf("[tokens] GetAt(%d): %v", height, err)
	}
	return chain.NewStampedData(stamped.Header, Data{Height: height, Diffs: stamped.Data.Diffs})
}

// netDeltas folds a block's created/spent boxes' asset lists into one
// delta per touched (address, asset) pair.
func netDeltas(data corestore.CoreData) []Delta {
	type key struct {
		addr  int64
		asset int64
	}
	byKey := make(map[key]*Delta)
	touch := func(addressID, assetID int64, tokenID chain.Digest, amount int64) {
		k := key{addressID, assetID}
		d, ok := byKey[k]
		if !ok {
			d = &Delta{AddressID: addressID, AssetID: assetID, TokenID: tokenID}
			byKey[k] = d
		}
		d.Amount += amount
	}
	for _, b := range data.CreatedBoxes {
		for _, a := range b.Assets {
			touch(b.AddressID, a.AssetID, a.TokenID, a.Amount)
		}
	}
	for _, b := range data.SpentBoxes {
		for _, a := range b.Assets {
			touch(b.AddressID, a.AssetID, a.TokenID, -a.Amount)
		}
	}
	out := make([]Delta, 0, len(byKey))
	for _, d := range byKey {
		out = append(out, *d)
	}
	return out
}
