package oracle

import (
	"context"
	"log"

	"github.com/chainwatch/ew/internal/chain"
	corestore "github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/workflow"
)

// WorkerID is this workflow's cursor/checkpoint id.
const WorkerID = "oracle"

// Workflow implements workflow.Workflow[store.CoreData, struct{}]: a
// pure LeafWorker sink with no Sourceable/Querying role. It watches
// every block for a box sitting at the configured oracle pool address,
// extracts its posted rate, and compares it against an external
// reference price.
type Workflow struct {
	store         *Store
	reference     *ReferenceClient
	oracleAddress string
	rateScale     float64
	horizon       chain.Height
	head          *workflow.Position
}

var _ workflow.Workflow[corestore.CoreData, struct{}] = (*Workflow)(nil)

// New constructs a Workflow watching oracleAddress for postings.
// rateScale converts a posted R4 long into the same units as the
// reference price's USD quote (e.g. 1e9 if the pool posts
// nanoERG-per-cent rates); a zero rateScale is replaced by 1.
func New(store *Store, reference *ReferenceClient, oracleAddress string, rateScale float64, head chain.Header, horizon chain.Height) *Workflow {
	if rateScale == 0 {
		rateScale = 1
	}
	return &Workflow{store: store, reference: reference, oracleAddress: oracleAddress, rateScale: rateScale, head: workflow.NewPosition(head), horizon: horizon}
}

func (w *Workflow) Header() chain.Header { return w.head.Get() }

// IncludeGenesis checks the genesis box set for an oracle posting the
// same way IncludeBlock checks a regular block's created boxes. Real
// oracle pools are never seeded at genesis, but the check costs
// nothing and keeps this workflow's genesis handling uniform with the
// others in this module.
func (w *Workflow) IncludeGenesis(ctx context.Context, data chain.StampedData[corestore.CoreData]) {
	w.IncludeBlock(ctx, data)
}

// IncludeBlock looks for a created box at the oracle address carrying
// an R4 posting; if found, it fetches the current reference price and
// records the divergence. Blocks without a posting simply advance the
// head with nothing recorded, same as any other leaf worker skipping a
// block that doesn't concern it.
func (w *Workflow) IncludeBlock(ctx context.Context, data chain.StampedData[corestore.CoreData]) struct{} {
	w.head.Set(data.Header)

	for _, b := range data.Data.CreatedBoxes {
		if b.Address != w.oracleAddress {
			continue
		}
		rate, ok := PostedRate(b.Registers)
		if !ok {
			continue
		}

		ref, err := w.reference.Fetch(ctx)
		if err != nil {
			log.Printf("[oracle] fetching reference price at block %d: %v", data.Height, err)
			continue
		}

		posted := float64(rate) / w.rateScale
		var divergenceBps int64
		if ref.USD != 0 {
			divergenceBps = int64((posted - ref.USD) / ref.USD * 10000)
		}

		posting := Posting{
			Height:         data.Height,
			BoxID:          b.BoxID,
			PostedRate:     rate,
			ReferencePrice: ref.USD,
			DivergenceBps:  divergenceBps,
		}
		if err := w.store.RecordPosting(ctx, data.Header, posting); err != nil {
			log.Panicf("[oracle] recording posting at %d: %v", data.Height, err)
		}
		break
	}

	return struct{}{}
}

func (w *Workflow) RollBack(ctx context.Context, height chain.Height) chain.Header {
	if head := w.head.Get(); head.Height-height > w.horizon {
		log.Panicf("[oracle] rollback horizon exceeded: head %d, requested %d, horizon %d",
			head.Height, height, w.horizon)
	}
	if err := w.store.RollBack(ctx, height); err != nil {
		log.Panicf("[oracle] rolling back height %d: %v", height, err)
	}
	newHead, err := corestore.HeaderAt(ctx, w.store.pool, height-1)
	if err != nil {
		log.Panicf("[oracle] resolving parent header for height %d: %v", height-1, err)
	}
	w.head.Set(newHead)
	return newHead
}
