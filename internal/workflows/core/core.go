// Package core wires the ChainTracker's own workflow: the node client,
// the core.* Postgres store, and the tracker's fork-detection loop. It
// is the root of the worker graph every other workflow package
// subscribes off.
package core

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
	"github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/tracker"
)

// TrackerID is the cursor/worker id the monitor and logs use for the
// chain tracker itself.
const TrackerID = "core"

// NewTracker builds the ChainTracker that drives the canonical
// Include/Rollback stream every other workflow in this module
// subscribes to. node and pool must already be connected; pool must
// already have had store.Migrate applied.
func NewTracker(node tracker.NodeClient, pool *pgxpool.Pool, reporter cursor.StatusReporter, pollInterval time.Duration, window chain.Height) *tracker.ChainTracker[store.CoreData] {
	coreStore := store.NewCoreStore(pool)
	return tracker.New[store.CoreData](TrackerID, node, coreStore, reporter, pollInterval, window)
}
