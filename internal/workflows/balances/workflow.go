package balances

import (
	"context"
	"log"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/workflow"
)

// WorkerID is this workflow's cursor/checkpoint id.
const WorkerID = "balances"

// Query asks for the balance diffs of the given addresses at heights
// no greater than MaxHeight. The caller pins MaxHeight to the upstream
// height it is currently processing so the answer is reproducible
// regardless of how far balances itself has advanced.
type Query struct {
	AddressIDs []int64
	MaxHeight  chain.Height
}

// Response carries the matching diffs, oldest height first.
type Response struct {
	Diffs []AddressDiff
}

// BalanceData is what AddressBalanceWorkflow exposes downstream: the
// set of balance changes a block produced.
type BalanceData struct {
	Height chain.Height
	Diffs  []AddressDiff
}

// Workflow implements workflow.Workflow[store.CoreData, BalanceData],
// workflow.Sourceable[BalanceData], and workflow.QueryHandler[Query,
// Response].
type Workflow struct {
	store   *Store
	horizon chain.Height
	head    *workflow.Position

	// cache mirrors balances.current: IncludeBlock updates it from each
	// block's resulting diffs, and it is rebuilt wholesale after every
	// rollback rather than patched incrementally. Block processing and
	// Handle read balances from the store, not from this cache.
	cache map[int64]int64

	queryCh chan workflow.QueryWrapper[Query, Response]
}

var (
	_ workflow.Workflow[corestore.CoreData, BalanceData] = (*Workflow)(nil)
	_ workflow.Sourceable[BalanceData]                   = (*Workflow)(nil)
	_ workflow.QueryHandler[Query, Response]             = (*Workflow)(nil)
)

// New constructs a Workflow resuming from head (typically loaded via
// store.LoadCheckpoint by the supervisor). channelCapacity sizes the
// query channel Connect hands to callers.
func New(store *Store, head chain.Header, horizon chain.Height, channelCapacity int) *Workflow {
	if channelCapacity <= 0 {
		channelCapacity = 8
	}
	return &Workflow{
		store:   store,
		horizon: horizon,
		head:    workflow.NewPosition(head),
		cache:   make(map[int64]int64),
		queryCh: make(chan workflow.QueryWrapper[Query, Response], channelCapacity),
	}
}

func (w *Workflow) Header() chain.Header { return w.head.Get() }

// IncludeGenesis credits each genesis box's owner the same way a
// regular block's created boxes would, since the genesis payload has
// the same CoreData shape (genesis boxes arrive as created boxes
// stamped at the initial sentinel). Persisting at chain.InitialHeader
// leaves w.head unchanged, so the cursor's first real Include still
// targets height 0.
func (w *Workflow) IncludeGenesis(ctx context.Context, data chain.StampedData[corestore.CoreData]) {
	w.IncludeBlock(ctx, data)
}

// IncludeBlock computes each touched address's net delta from the
// upstream core data's created/spent boxes and persists it.
func (w *Workflow) IncludeBlock(ctx context.Context, data chain.StampedData[corestore.CoreData]) BalanceData {
	deltas := netDeltas(data.Data)
	diffs, err := w.store.ApplyBlock(ctx, data.Header, deltas)
	if err != nil {
		log.Panicf("[balances] applying block %d: %v", data.Height, err)
	}
	for _, d := range diffs {
		w.cache[d.AddressID] = d.Balance
	}
	w.head.Set(data.Header)
	return BalanceData{Height: data.Height, Diffs: diffs}
}

// RollBack enforces the rollback horizon, undoes height's diffs, and
// rebuilds the in-memory cache from the store so the next
// IncludeBlock observes a cache consistent with the store's new tip.
func (w *Workflow) RollBack(ctx context.Context, height chain.Height) chain.Header {
	if head := w.head.Get(); head.Height-height > w.horizon {
		log.Panicf("[balances] rollback horizon exceeded: head %d, requested %d, horizon %d",
			head.Height, height, w.horizon)
	}
	if err := w.store.RollBack(ctx, height); err != nil {
		log.Panicf("[balances] rolling back height %d: %v", height, err)
	}
	newHead, err := corestore.HeaderAt(ctx, w.store.pool, height-1)
	if err != nil {
		log.Panicf("[balances] resolving parent header for height %d: %v", height-1, err)
	}
	cache, err := w.store.CurrentBalances(ctx)
	if err != nil {
		log.Panicf("[balances] rebuilding balance cache: %v", err)
	}
	w.cache = cache
	w.head.Set(newHead)
	return newHead
}

// ContainsHeader implements workflow.Sourceable.
func (w *Workflow) ContainsHeader(ctx context.Context, header chain.Header) bool {
	return w.store.ContainsHeader(ctx, header)
}

// GetAt implements workflow.Sourceable.
func (w *Workflow) GetAt(ctx context.Context, height chain.Height) chain.StampedData[BalanceData] {
	stamped, err := w.store.GetAt(ctx, height)
	if err != nil {
		log.Panicf("[balances] GetAt(%d): %v", height, err)
	}
	return chain.NewStampedData(stamped.Header, BalanceData{Height: height, Diffs: stamped.Data.Diffs})
}

// Connect implements workflow.QueryHandler, handing back a QuerySender
// wrapping this workflow's query channel. The supervisor is
// responsible for running worker.RunQueryHandler against w.Handle to
// actually drain it.
func (w *Workflow) Connect() *workflow.QuerySender[Query, Response] {
	return workflow.NewQuerySender[Query, Response](w.queryCh)
}

// QueryChannel exposes the receive side so the supervisor can start a
// dedicated worker.RunQueryHandler task against it.
func (w *Workflow) QueryChannel() <-chan workflow.QueryWrapper[Query, Response] {
	return w.queryCh
}

// Handle answers one query directly against the store, never the
// in-memory cache, so a concurrently-running IncludeBlock can't race
// it.
func (w *Workflow) Handle(ctx context.Context, q Query) Response {
	diffs, err := w.store.DiffsFor(ctx, q.AddressIDs, q.MaxHeight)
	if err != nil {
		log.Printf("[balances] query handler error: %v", err)
		return Response{}
	}
	return Response{Diffs: diffs}
}

// netDeltas folds a block's created/spent boxes into one delta per
// touched address.
func netDeltas(data corestore.CoreData) []Delta {
	byAddr := make(map[int64]*Delta)
	touch := func(addressID int64, address string, amount int64) {
		d, ok := byAddr[addressID]
		if !ok {
			d = &Delta{AddressID: addressID, Address: address}
			byAddr[addressID] = d
		}
		d.Amount += amount
	}
	for _, b := range data.CreatedBoxes {
		touch(b.AddressID, b.Address, b.Value)
	}
	for _, b := range data.SpentBoxes {
		touch(b.AddressID, b.Address, -b.Value)
	}
	out := make([]Delta, 0, len(byAddr))
	for _, d := range byAddr {
		out = append(out, *d)
	}
	return out
}
