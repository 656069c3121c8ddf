package exchanges

import (
	"context"
	"log"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/workflow"
	"github.com/chainwatch/ew/internal/workflows/balances"
)

// WorkerID is this workflow's cursor/checkpoint id.
const WorkerID = "exchanges"

// Workflow is a pure sink subscribed to the balances worker's own
// downstream stream: it needs nothing from a block beyond its stamp,
// and riding the balances stream guarantees balances has committed a
// block before this workflow queries its diff log for it. It
// implements workflow.Workflow[balances.BalanceData, struct{}],
// workflow.Querying[balances.Query, balances.Response], and
// workflow.PatchableStore[int64] via its Store.
type Workflow struct {
	pool    *pgxpool.Pool
	store   *Store
	horizon chain.Height
	head    *workflow.Position

	addresses  []string
	addressIDs []int64

	querySender *workflow.QuerySender[balances.Query, balances.Response]
}

var (
	_ workflow.Workflow[balances.BalanceData, struct{}]    = (*Workflow)(nil)
	_ workflow.Querying[balances.Query, balances.Response] = (*Workflow)(nil)
	_ workflow.PatchableStore[int64]                       = (*Workflow)(nil)
)

// New constructs a Workflow resuming from head, tracking the given
// exchange address strings. addressIDs is resolved lazily on first use
// since core.addresses may not yet contain every configured exchange
// address at startup (an address that has never appeared on-chain
// simply never contributes to the total).
func New(pool *pgxpool.Pool, store *Store, head chain.Header, horizon chain.Height, addresses []string) *Workflow {
	return &Workflow{pool: pool, store: store, horizon: horizon, head: workflow.NewPosition(head), addresses: addresses}
}

func (w *Workflow) Header() chain.Header { return w.head.Get() }

// SetQuerySender implements workflow.Querying; the supervisor calls
// this once it has connected this workflow to balances' QueryHandler.
func (w *Workflow) SetQuerySender(sender *workflow.QuerySender[balances.Query, balances.Response]) {
	w.querySender = sender
}

// StageRollbackPatch implements workflow.PatchableStore, delegating to
// the store.
func (w *Workflow) StageRollbackPatch(patch int64) {
	w.store.StageRollbackPatch(patch)
}

// resolveAddressIDs resolves w.addresses to core.addresses ids, once
// per process, skipping any address core has never seen.
func (w *Workflow) resolveAddressIDs(ctx context.Context) []int64 {
	if w.addressIDs != nil {
		return w.addressIDs
	}
	ids := make([]int64, 0, len(w.addresses))
	for _, addr := range w.addresses {
		id, ok, err := corestore.ResolveAddressID(ctx, w.pool, addr)
		if err != nil {
			log.Panicf("[exchanges] resolving address %q: %v", addr, err)
		}
		if ok {
			ids = append(ids, id)
		}
	}
	w.addressIDs = ids
	return ids
}

// latestPerAddress reduces a flat, possibly-multi-height diff list down
// to the single most recent balance per address, since
// balances.DiffsFor returns every diff at or below MaxHeight, not just
// the current block's.
func latestPerAddress(diffs []balances.AddressDiff) map[int64]int64 {
	latest := make(map[int64]int64)
	seenAt := make(map[int64]chain.Height)
	for _, d := range diffs {
		if at, ok := seenAt[d.AddressID]; !ok || d.Height > at {
			latest[d.AddressID] = d.Balance
			seenAt[d.AddressID] = d.Height
		}
	}
	return latest
}

func sumBalances(balancesByAddr map[int64]int64) int64 {
	var total int64
	for _, b := range balancesByAddr {
		total += b
	}
	return total
}

// IncludeGenesis seeds the exchange supply total from the genesis
// balances alone (MaxHeight pinned to the initial sentinel), before any
// real block is processed. Persisting at chain.InitialHeader leaves
// w.head unchanged. In the production wiring this is never called: the
// balances source worker consumes its own genesis moment without
// re-emitting it, so this workflow's first event is Include(0).
func (w *Workflow) IncludeGenesis(ctx context.Context, data chain.StampedData[balances.BalanceData]) {
	w.IncludeBlock(ctx, data)
}

// IncludeBlock queries balances for the tracked addresses' balances as
// of this block's height and recomputes the absolute exchange supply
// total from the response, rather than applying this block's delta
// incrementally.
func (w *Workflow) IncludeBlock(ctx context.Context, data chain.StampedData[balances.BalanceData]) struct{} {
	ids := w.resolveAddressIDs(ctx)
	total := int64(0)
	if len(ids) > 0 {
		respCh := w.querySender.Send(ctx, balances.Query{AddressIDs: ids, MaxHeight: data.Height})
		resp, ok := <-respCh
		if !ok {
			log.Panicf("[exchanges] balances query channel closed at height %d", data.Height)
		}
		total = sumBalances(latestPerAddress(resp.Diffs))
	}
	if err := w.store.SetTotal(ctx, data.Header, total); err != nil {
		log.Panicf("[exchanges] setting total at block %d: %v", data.Height, err)
	}
	w.head.Set(data.Header)
	return struct{}{}
}

// RollBack computes the compensating patch by querying balances for
// the tracked addresses' state as of height-1, comparing it against
// the currently recorded total, stages that patch, and applies it
// atomically via Store.RollBack.
func (w *Workflow) RollBack(ctx context.Context, height chain.Height) chain.Header {
	if head := w.head.Get(); head.Height-height > w.horizon {
		log.Panicf("[exchanges] rollback horizon exceeded: head %d, requested %d, horizon %d",
			head.Height, height, w.horizon)
	}

	currentTotal, err := w.store.Total(ctx)
	if err != nil {
		log.Panicf("[exchanges] reading current total: %v", err)
	}

	ids := w.resolveAddressIDs(ctx)
	totalBefore := int64(0)
	if len(ids) > 0 {
		respCh := w.querySender.Send(ctx, balances.Query{AddressIDs: ids, MaxHeight: height - 1})
		resp, ok := <-respCh
		if !ok {
			log.Panicf("[exchanges] balances query channel closed during rollback to %d", height)
		}
		totalBefore = sumBalances(latestPerAddress(resp.Diffs))
	}

	w.store.StageRollbackPatch(totalBefore - currentTotal)

	newHead, err := corestore.HeaderAt(ctx, w.pool, height-1)
	if err != nil {
		log.Panicf("[exchanges] resolving parent header for height %d: %v", height-1, err)
	}
	if _, err := w.store.RollBack(ctx, newHead); err != nil {
		log.Panicf("[exchanges] rolling back to height %d: %v", height-1, err)
	}
	w.head.Set(newHead)
	return newHead
}
