package metrics

import (
	"context"
	"log"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/workflow"
)

// WorkerID is this workflow's cursor/checkpoint id.
const WorkerID = "metrics"

// Workflow implements workflow.Workflow[store.CoreData, struct{}]: a
// pure LeafWorker sink exposing its rolled-up Snapshot for the API
// layer to read directly off the store, with no downstream fan-out.
type Workflow struct {
	store   *Store
	horizon chain.Height
	head    *workflow.Position
}

var _ workflow.Workflow[corestore.CoreData, struct{}] = (*Workflow)(nil)

// New constructs a Workflow resuming from head.
func New(store *Store, head chain.Header, horizon chain.Height) *Workflow {
	return &Workflow{store: store, horizon: horizon, head: workflow.NewPosition(head)}
}

func (w *Workflow) Header() chain.Header { return w.head.Get() }

// IncludeGenesis folds the genesis box set into the running box-count/
// supply snapshot the same way a regular block's would be (genesis
// boxes arrive as created boxes stamped at the initial sentinel).
// Persisting at chain.InitialHeader leaves w.head unchanged.
func (w *Workflow) IncludeGenesis(ctx context.Context, data chain.StampedData[corestore.CoreData]) {
	w.IncludeBlock(ctx, data)
}

func (w *Workflow) IncludeBlock(ctx context.Context, data chain.StampedData[corestore.CoreData]) struct{} {
	boxCount := len(data.Data.CreatedBoxes) + len(data.Data.SpentBoxes)
	supplyDelta := int64(0)
	for _, b := range data.Data.CreatedBoxes {
		supplyDelta += b.Value
	}
	for _, b := range data.Data.SpentBoxes {
		supplyDelta -= b.Value
	}
	if _, err := w.store.ApplyBlock(ctx, data.Header, boxCount, supplyDelta); err != nil {
		log.Panicf("[metrics] applying block %d: %v", data.Height, err)
	}
	w.head.Set(data.Header)
	return struct{}{}
}

func (w *Workflow) RollBack(ctx context.Context, height chain.Height) chain.Header {
	if head := w.head.Get(); head.Height-height > w.horizon {
		log.Panicf("[metrics] rollback horizon exceeded: head %d, requested %d, horizon %d",
			head.Height, height, w.horizon)
	}
	if err := w.store.RollBack(ctx, height); err != nil {
		log.Panicf("[metrics] rolling back height %d: %v", height, err)
	}
	newHead, err := corestore.HeaderAt(ctx, w.store.pool, height-1)
	if err != nil {
		log.Panicf("[metrics] resolving parent header for height %d: %v", height-1, err)
	}
	w.head.Set(newHead)
	return newHead
}
