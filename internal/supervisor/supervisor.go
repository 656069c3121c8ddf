// Package supervisor wires the tracker and every workflow package into
// one running engine: it loads each worker's checkpoint, subscribes it
// to its upstream, connects query edges between workers, and runs
// everything under one errgroup so a fatal error in any worker brings
// the whole engine down for orderly restart.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/config"
	"github.com/chainwatch/ew/internal/cursor"
	"github.com/chainwatch/ew/internal/monitor"
	"github.com/chainwatch/ew/internal/store"
	"github.com/chainwatch/ew/internal/tracker"
	"github.com/chainwatch/ew/internal/worker"
	"github.com/chainwatch/ew/internal/workflows/balances"
	"github.com/chainwatch/ew/internal/workflows/core"
	"github.com/chainwatch/ew/internal/workflows/exchanges"
	"github.com/chainwatch/ew/internal/workflows/metrics"
	"github.com/chainwatch/ew/internal/workflows/oracle"
	"github.com/chainwatch/ew/internal/workflows/tokens"
)

// CheckpointInterval is how often every workflow's current head is
// persisted to ew.headers, the mechanism a restart uses to resume
// instead of resubscribing at the initial sentinel.
const CheckpointInterval = 10 * time.Second

// monitorSink adapts *monitor.Monitor (a cursor.StatusReporter) to
// worker.MonitorSink, which the worker package (kept independent of
// the monitor package) addresses by a flat worker id rather than a
// cursor name.
type monitorSink struct{ m *monitor.Monitor }

func (s monitorSink) ReportWorkerHeight(workerID string, height chain.Height) {
	s.m.ReportCursor(workerID, height)
}

// Supervisor owns every running worker's goroutine.
type Supervisor struct {
	cfg     config.Config
	pool    *pgxpool.Pool
	node    tracker.NodeClient
	monitor *monitor.Monitor

	headers []headerSaver
}

// headerSaver is implemented by every workflow's schema/worker id pair
// plus a way to read its current Header, so the checkpoint loop can
// save every workflow's position without a type switch per workflow.
type headerSaver struct {
	schema   string
	workerID string
	header   func(ctx context.Context) chain.Header
}

// headerFn adapts a workflow's ctx-less Header method to the
// headerSaver signature (workflow heads are in-memory reads; only the
// tracker's comes from the store).
func headerFn(f func() chain.Header) func(context.Context) chain.Header {
	return func(context.Context) chain.Header { return f() }
}

// New constructs a Supervisor ready to Run. pool must already have had
// store.Migrate applied with every workflow's SchemaDDL.
func New(cfg config.Config, pool *pgxpool.Pool, node tracker.NodeClient, mon *monitor.Monitor) *Supervisor {
	return &Supervisor{cfg: cfg, pool: pool, node: node, monitor: mon}
}

// Run builds the tracker and every workflow, wires their subscriptions
// and query edges, then runs them all until ctx is canceled or one
// returns a fatal error. It blocks until every worker has stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	reporter := cursor.StatusReporter(s.monitor)
	sink := worker.MonitorSink(monitorSink{s.monitor})

	chainTracker := core.NewTracker(s.node, s.pool, reporter, s.cfg.PollInterval, s.cfg.ChainSliceWindow)
	chainTracker.ChannelCapacity = s.cfg.ChannelCapacity

	balancesWF, balancesHead, err := s.buildBalances(ctx)
	if err != nil {
		return err
	}
	tokensWF, tokensHead, err := s.buildTokens(ctx)
	if err != nil {
		return err
	}
	exchangesWF, exchangesHead, err := s.buildExchanges(ctx)
	if err != nil {
		return err
	}
	oracleWF, oracleHead, err := s.buildOracle(ctx)
	if err != nil {
		return err
	}
	metricsWF, metricsHead, err := s.buildMetrics(ctx)
	if err != nil {
		return err
	}

	// Event edges: who subscribes to whom. Query edges: who queries
	// whose QueryHandler. A query edge A -> B is only legal when B is
	// not downstream of A in the event graph (a handler waiting on its
	// own upstream's include turn would deadlock), so both edge sets
	// are checked together rather than hardcoding the wiring's safety.
	eventEdges := map[string][]string{
		core.TrackerID:    {balances.WorkerID, tokens.WorkerID, oracle.WorkerID, metrics.WorkerID},
		balances.WorkerID: {exchanges.WorkerID},
	}
	queryEdges := map[string][]string{
		exchanges.WorkerID: {balances.WorkerID},
	}
	if err := checkQueryDAG(queryEdges, eventEdges); err != nil {
		return fmt.Errorf("supervisor: %w", err)
	}
	exchangesWF.SetQuerySender(balancesWF.Connect())

	balancesRx := chainTracker.Subscribe(ctx, balancesHead, balances.WorkerID)
	tokensRx := chainTracker.Subscribe(ctx, tokensHead, tokens.WorkerID)
	oracleRx := chainTracker.Subscribe(ctx, oracleHead, oracle.WorkerID)
	metricsRx := chainTracker.Subscribe(ctx, metricsHead, metrics.WorkerID)

	balancesWorker := worker.NewSourceWorker[store.CoreData, balances.BalanceData](balances.WorkerID, balancesWF, balancesRx, reporter, sink)
	balancesWorker.Emitter.Capacity = s.cfg.ChannelCapacity
	tokensWorker := worker.NewSourceWorker[store.CoreData, tokens.Data](tokens.WorkerID, tokensWF, tokensRx, reporter, sink)
	tokensWorker.Emitter.Capacity = s.cfg.ChannelCapacity

	// exchanges rides the balances worker's own downstream stream: it
	// only needs each block's stamp, and subscribing one hop down
	// guarantees balances has committed a block before exchanges
	// queries its diff log for it.
	exchangesRx := balancesWorker.Subscribe(ctx, exchangesHead, exchanges.WorkerID)

	exchangesWorker := worker.NewLeafWorker[balances.BalanceData](exchanges.WorkerID, exchangesWF, exchangesRx, sink)
	oracleWorker := worker.NewLeafWorker[store.CoreData](oracle.WorkerID, oracleWF, oracleRx, sink)
	metricsWorker := worker.NewLeafWorker[store.CoreData](metrics.WorkerID, metricsWF, metricsRx, sink)

	coreStore := store.NewCoreStore(s.pool)
	s.headers = []headerSaver{
		{core.TrackerID, core.TrackerID, coreStore.Head},
		{balances.WorkerID, balances.WorkerID, headerFn(balancesWF.Header)},
		{tokens.WorkerID, tokens.WorkerID, headerFn(tokensWF.Header)},
		{exchanges.WorkerID, exchanges.WorkerID, headerFn(exchangesWF.Header)},
		{oracle.WorkerID, oracle.WorkerID, headerFn(oracleWF.Header)},
		{metrics.WorkerID, metrics.WorkerID, headerFn(metricsWF.Header)},
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return chainTracker.Run(groupCtx) })
	group.Go(func() error { return balancesWorker.Run(groupCtx) })
	group.Go(func() error { return tokensWorker.Run(groupCtx) })
	group.Go(func() error { return exchangesWorker.Run(groupCtx) })
	group.Go(func() error { return oracleWorker.Run(groupCtx) })
	group.Go(func() error { return metricsWorker.Run(groupCtx) })
	group.Go(func() error {
		return worker.RunQueryHandler[balances.Query, balances.Response](groupCtx, balances.WorkerID, balancesWF.QueryChannel(), balancesWF.Handle)
	})
	group.Go(func() error { return s.runCheckpointLoop(groupCtx) })

	return group.Wait()
}

// Resync implements api.Resyncer: it clears a worker's checkpoint so
// the next supervisor start resubscribes it from the initial sentinel.
// It does not restart the running process itself; taking a worker
// offline is an operator action, not something this engine automates
// mid-run.
func (s *Supervisor) Resync(ctx context.Context, schema, workerID string) error {
	return store.ClearCheckpoint(ctx, s.pool, schema, workerID)
}

func (s *Supervisor) buildBalances(ctx context.Context) (*balances.Workflow, chain.Header, error) {
	head, _, err := store.LoadCheckpoint(ctx, s.pool, balances.WorkerID, balances.WorkerID)
	if err != nil {
		return nil, chain.Header{}, err
	}
	st := balances.NewStore(s.pool)
	wf := balances.New(st, head, s.cfg.RollbackHorizon, s.cfg.ChannelCapacity)
	return wf, head, nil
}

func (s *Supervisor) buildTokens(ctx context.Context) (*tokens.Workflow, chain.Header, error) {
	head, _, err := store.LoadCheckpoint(ctx, s.pool, tokens.WorkerID, tokens.WorkerID)
	if err != nil {
		return nil, chain.Header{}, err
	}
	st := tokens.NewStore(s.pool)
	wf := tokens.New(st, head, s.cfg.RollbackHorizon)
	return wf, head, nil
}

func (s *Supervisor) buildExchanges(ctx context.Context) (*exchanges.Workflow, chain.Header, error) {
	head, _, err := store.LoadCheckpoint(ctx, s.pool, exchanges.WorkerID, exchanges.WorkerID)
	if err != nil {
		return nil, chain.Header{}, err
	}
	st := exchanges.NewStore(s.pool)
	wf := exchanges.New(s.pool, st, head, s.cfg.RollbackHorizon, s.cfg.ExchangeAddresses)
	return wf, head, nil
}

func (s *Supervisor) buildOracle(ctx context.Context) (*oracle.Workflow, chain.Header, error) {
	head, _, err := store.LoadCheckpoint(ctx, s.pool, oracle.WorkerID, oracle.WorkerID)
	if err != nil {
		return nil, chain.Header{}, err
	}
	st := oracle.NewStore(s.pool)
	ref := oracle.NewReferenceClient(s.cfg.OracleReferenceURL, s.cfg.OracleAsset)
	wf := oracle.New(st, ref, s.cfg.OracleAddress, s.cfg.OracleRateScale, head, s.cfg.RollbackHorizon)
	return wf, head, nil
}

func (s *Supervisor) buildMetrics(ctx context.Context) (*metrics.Workflow, chain.Header, error) {
	head, _, err := store.LoadCheckpoint(ctx, s.pool, metrics.WorkerID, metrics.WorkerID)
	if err != nil {
		return nil, chain.Header{}, err
	}
	st := metrics.NewStore(s.pool)
	wf := metrics.New(st, head, s.cfg.RollbackHorizon)
	return wf, head, nil
}

// runCheckpointLoop persists every workflow's current head on a fixed
// interval, so a restart resumes close to where it left off rather
// than at the initial sentinel. Losing up to CheckpointInterval worth
// of progress on an unclean shutdown is acceptable: every store's
// ApplyBlock/Process call is itself idempotent, so replaying a few
// already-persisted blocks is harmless.
func (s *Supervisor) runCheckpointLoop(ctx context.Context) error {
	ticker := time.NewTicker(CheckpointInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.saveCheckpoints(context.Background())
			return nil
		case <-ticker.C:
			s.saveCheckpoints(ctx)
		}
	}
}

func (s *Supervisor) saveCheckpoints(ctx context.Context) {
	for _, h := range s.headers {
		if err := store.SaveCheckpoint(ctx, s.pool, h.schema, h.workerID, h.header(ctx)); err != nil {
			log.Printf("[supervisor] saving checkpoint for %s/%s: %v", h.schema, h.workerID, err)
		}
	}
}

// checkQueryDAG validates the cross-worker wiring before anything
// starts: the query edges themselves must be acyclic, and no query
// edge may target a worker that sits downstream of the querying worker
// in the event graph (such a handler could be blocked waiting for the
// very include turn the query is issued from). Failing startup loudly
// beats letting two workers deadlock each other at runtime.
func checkQueryDAG(queryEdges, eventEdges map[string][]string) error {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int)
	var visit func(node string, path []string) error
	visit = func(node string, path []string) error {
		switch color[node] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("query dependency cycle detected: %v", append(path, node))
		}
		color[node] = gray
		for _, next := range queryEdges[node] {
			if err := visit(next, append(path, node)); err != nil {
				return err
			}
		}
		color[node] = black
		return nil
	}
	for node := range queryEdges {
		if err := visit(node, nil); err != nil {
			return err
		}
	}

	for from, targets := range queryEdges {
		for _, to := range targets {
			if downstreamOf(eventEdges, from, to) {
				return fmt.Errorf("query edge %s -> %s targets a worker downstream of the querier in the event graph", from, to)
			}
		}
	}
	return nil
}

// downstreamOf reports whether target is reachable from node by
// following event (subscription) edges.
func downstreamOf(eventEdges map[string][]string, node, target string) bool {
	seen := map[string]bool{}
	stack := []string{node}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[n] {
			continue
		}
		seen[n] = true
		for _, next := range eventEdges[n] {
			if next == target {
				return true
			}
			stack = append(stack, next)
		}
	}
	return false
}
