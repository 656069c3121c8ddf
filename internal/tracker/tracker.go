// Package tracker implements the root source of the indexing engine:
// it polls the node's HTTP API, detects forks against the node's
// reported chain, and drives a canonical Include/Rollback event stream
// to every downstream subscriber. It reuses cursor.Cursor rather than
// a tracker-specific cursor type, since both play an identical role
// (position plus fan-out senders).
package tracker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
	"github.com/chainwatch/ew/internal/errkind"
	"github.com/chainwatch/ew/internal/eventbus"
)

// Polling defaults, overridable via configuration.
const (
	DefaultPollInterval     = 5 * time.Second
	DefaultChainSliceWindow = 10
)

// RawBlock is an opaque, not-yet-parsed block body as returned by the
// node's block endpoint; the core store is responsible for decoding it.
type RawBlock []byte

// NodeClient is what the tracker needs from the node's HTTP API.
type NodeClient interface {
	// ChainSlice returns the ordered canonical headers in (from, to],
	// at most (to-from) of them.
	ChainSlice(ctx context.Context, from, to chain.Height) ([]chain.Header, error)
	// Block fetches the full block body for the given header id.
	Block(ctx context.Context, id chain.Digest) (RawBlock, error)
	// GenesisUTXOs fetches the chain's genesis output boxes.
	GenesisUTXOs(ctx context.Context) ([]byte, error)
}

// CoreStore is what the tracker needs from the core relational store.
// It owns the canonical `core.headers` ledger, which is why the
// tracker asks it (rather than the node) for a rolled-back header's
// parent: the node has no stable orphan-lookup API once it has moved
// past a fork.
type CoreStore[C any] interface {
	// Head returns the store's current canonical header.
	Head(ctx context.Context) chain.Header
	// HasGenesisData reports whether genesis UTXOs have already been
	// persisted, so a restart does not refetch them.
	HasGenesisData(ctx context.Context) bool
	// IncludeGenesis persists the genesis output boxes.
	IncludeGenesis(ctx context.Context, raw []byte) error
	// GenesisData returns the persisted genesis payload, stamped at the
	// initial sentinel header, for dispatch to cursors still sitting at
	// -1. Must be safe to call repeatedly (e.g. once per cursor).
	GenesisData(ctx context.Context) (chain.StampedData[C], error)
	// Process persists the block at height (fetched and parsed from
	// raw) and returns the resulting stamped core data. Idempotent:
	// calling it again for an already-persisted height returns the
	// same data without duplicating rows, since multiple lagging
	// cursors may independently reach the same height.
	Process(ctx context.Context, height chain.Height, raw RawBlock) (chain.StampedData[C], error)
	// RollBack undoes the row(s) recorded at height and returns that
	// height's parent header from the ledger.
	RollBack(ctx context.Context, height chain.Height) (chain.Header, error)
}

// ChainTracker is the single upstream source: it owns no cursors of
// its own identity beyond the set subscribers have created, and
// produces events by asking NodeClient what changed since each
// cursor's position.
type ChainTracker[C any] struct {
	ID           string
	Node         NodeClient
	Store        CoreStore[C]
	Reporter     cursor.StatusReporter
	PollInterval time.Duration
	Window       chain.Height
	// ChannelCapacity sizes subscriber channels; zero or negative
	// falls back to eventbus.EventChannelCapacity.
	ChannelCapacity int

	cursors []*cursor.Cursor[C]
}

// New constructs a ChainTracker. reporter may be nil. pollInterval <= 0
// and window <= 0 fall back to the package defaults.
func New[C any](id string, node NodeClient, store CoreStore[C], reporter cursor.StatusReporter, pollInterval time.Duration, window chain.Height) *ChainTracker[C] {
	if reporter == nil {
		reporter = cursor.NoopReporter{}
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if window <= 0 {
		window = DefaultChainSliceWindow
	}
	return &ChainTracker[C]{
		ID:           id,
		Node:         node,
		Store:        store,
		Reporter:     reporter,
		PollInterval: pollInterval,
		Window:       window,
	}
}

// Subscribe returns a channel that will receive events starting from
// the block after header. A header past the store's current head is
// capped to it; an existing cursor at that exact position is shared.
func (t *ChainTracker[C]) Subscribe(ctx context.Context, header chain.Header, name string) <-chan chain.Event[C] {
	head := t.Store.Head(ctx)
	capped := header
	if header.Height > head.Height {
		log.Printf("[tracker] cursor %q is ahead of tracker - using tracker's height", name)
		capped = head
	}

	capacity := t.ChannelCapacity
	if capacity <= 0 {
		capacity = eventbus.EventChannelCapacity
	}
	ch := make(chan chain.Event[C], capacity)
	sub := cursor.Subscriber[C]{Ch: ch, Done: cursor.Closed(ctx)}

	for _, c := range t.cursors {
		if c.IsAt(capped) {
			c.Senders = append(c.Senders, sub)
			return ch
		}
	}

	t.cursors = append(t.cursors, cursor.New[C](name, capped, t.Reporter, sub))
	return ch
}

// Run ensures genesis data is present, converges any initially-distinct
// subscriber cursors, then polls forever in single-cursor steady state
// until ctx is canceled or a fatal error occurs.
func (t *ChainTracker[C]) Run(ctx context.Context) error {
	if err := t.ensureGenesisPersisted(ctx); err != nil {
		return err
	}
	if err := t.dispatchGenesis(ctx); err != nil {
		return err
	}
	if err := t.joinCursors(ctx); err != nil {
		return err
	}
	if len(t.cursors) == 0 {
		return nil
	}
	return t.watch(ctx)
}

// ensureGenesisPersisted fetches and persists the genesis UTXO set once,
// the first time the store reports it hasn't seen it yet.
func (t *ChainTracker[C]) ensureGenesisPersisted(ctx context.Context) error {
	if t.Store.HasGenesisData(ctx) {
		return nil
	}
	raw, err := t.Node.GenesisUTXOs(ctx)
	if err != nil {
		return errkind.New(errkind.Transient, t.ID, chain.InitialHeight, fmt.Errorf("fetching genesis utxos: %w", err))
	}
	if err := t.Store.IncludeGenesis(ctx, raw); err != nil {
		return errkind.New(errkind.ProtocolViolation, t.ID, chain.InitialHeight, fmt.Errorf("persisting genesis utxos: %w", err))
	}
	return nil
}

// dispatchGenesis delivers the genesis payload to every cursor still
// sitting at the initial sentinel, before joinCursors/watch begin
// stepping any cursor forward.
func (t *ChainTracker[C]) dispatchGenesis(ctx context.Context) error {
	var data chain.StampedData[C]
	var fetched bool
	for _, c := range t.cursors {
		if !c.Header.IsInitial() {
			continue
		}
		if !fetched {
			var err error
			data, err = t.Store.GenesisData(ctx)
			if err != nil {
				return errkind.New(errkind.ProtocolViolation, t.ID, chain.InitialHeight, fmt.Errorf("reading genesis data: %w", err))
			}
			fetched = true
		}
		c.Genesis(ctx, data)
	}
	return nil
}

// joinCursors steps every cursor once per pass and merges any that
// reach the same header, until at most one remains.
func (t *ChainTracker[C]) joinCursors(ctx context.Context) error {
	for len(t.cursors) > 1 {
		for _, c := range t.cursors {
			if _, err := t.step(ctx, c); err != nil {
				if ek, ok := errkind.As(err); ok && !ek.Kind.Fatal() {
					log.Printf("[tracker] transient error stepping cursor %q: %v", c.ID, err)
					continue
				}
				return err
			}
		}
		t.mergeCursors()
	}
	return nil
}

// mergeCursors folds every cursor sharing a header with another into
// one, keeping the grouping's first-seen cursor as the survivor.
func (t *ChainTracker[C]) mergeCursors() {
	var merged []*cursor.Cursor[C]
	for _, c := range t.cursors {
		var target *cursor.Cursor[C]
		for _, m := range merged {
			if c.IsOn(m) {
				target = m
				break
			}
		}
		if target != nil {
			target.Merge(c)
		} else {
			merged = append(merged, c)
		}
	}
	t.cursors = merged
}

// watch polls the sole remaining cursor forever, sleeping PollInterval
// whenever a step makes no progress.
func (t *ChainTracker[C]) watch(ctx context.Context) error {
	if len(t.cursors) != 1 {
		return errkind.New(errkind.ProtocolViolation, t.ID, chain.InitialHeight,
			fmt.Errorf("watch requires exactly one cursor, have %d", len(t.cursors)))
	}
	c := t.cursors[0]
	c.Rename("main")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		progressed, err := t.step(ctx, c)
		if err != nil {
			if ek, ok := errkind.As(err); ok && !ek.Kind.Fatal() {
				log.Printf("[tracker] transient error: %v", err)
			} else {
				return err
			}
		}
		if !progressed {
			select {
			case <-time.After(t.PollInterval):
			case <-ctx.Done():
				return nil
			}
		}
	}
}

// step asks the node for headers in (cursor.Header.Height-1,
// cursor.Header.Height+Window] and decides whether to include, roll
// back, or do nothing. It returns whether the cursor's position
// changed.
func (t *ChainTracker[C]) step(ctx context.Context, c *cursor.Cursor[C]) (bool, error) {
	// ChainSlice is exclusive of from, so from = height-1 makes the
	// response start at the cursor's own height. At the initial
	// sentinel there is no current block to re-confirm, so from stays
	// at -1 and the response starts at height 0.
	from := c.Header.Height - 1
	if c.Header.IsInitial() {
		from = c.Header.Height
	}
	to := c.Header.Height + t.Window
	headers, err := t.Node.ChainSlice(ctx, from, to)
	if err != nil {
		return false, errkind.New(errkind.Transient, c.ID, c.Header.Height, err)
	}
	if len(headers) == 0 {
		return false, errkind.New(errkind.ProtocolViolation, c.ID, c.Header.Height,
			fmt.Errorf("node returned an empty chain slice for (%d, %d]", from, to))
	}

	start := 0
	if !c.Header.IsInitial() {
		if headers[0].HeaderID != c.Header.HeaderID {
			// The cursor's current tip has been orphaned.
			return true, t.rollback(ctx, c)
		}
		start = 1
	}

	prev := c.Header
	progressed := false
	for _, h := range headers[start:] {
		if h.Height != prev.Height+1 || (!prev.IsInitial() && h.ParentID != prev.HeaderID) {
			if err := t.rollback(ctx, c); err != nil {
				return progressed, err
			}
			return progressed, nil
		}
		if err := t.include(ctx, c, h); err != nil {
			return progressed, err
		}
		progressed = true
		prev = h
	}
	return progressed, nil
}

// include fetches the full block for h and broadcasts its inclusion.
func (t *ChainTracker[C]) include(ctx context.Context, c *cursor.Cursor[C], h chain.Header) error {
	raw, err := t.Node.Block(ctx, h.HeaderID)
	if err != nil {
		return errkind.New(errkind.Transient, c.ID, h.Height, fmt.Errorf("fetching block %s: %w", h.HeaderID, err))
	}
	data, err := t.Store.Process(ctx, h.Height, raw)
	if err != nil {
		if ek, ok := errkind.As(err); ok {
			return ek
		}
		return errkind.New(errkind.ProtocolViolation, c.ID, h.Height, fmt.Errorf("processing block %s: %w", h.HeaderID, err))
	}
	c.Include(ctx, data)
	return nil
}

// rollback undoes the cursor's current tip and winds it back to the
// parent the store's ledger reports.
func (t *ChainTracker[C]) rollback(ctx context.Context, c *cursor.Cursor[C]) error {
	if c.Header.Height < 0 {
		return errkind.New(errkind.ProtocolViolation, c.ID, c.Header.Height,
			fmt.Errorf("cannot roll back past the initial sentinel"))
	}
	parent, err := t.Store.RollBack(ctx, c.Header.Height)
	if err != nil {
		if ek, ok := errkind.As(err); ok {
			return ek
		}
		return errkind.New(errkind.Transient, c.ID, c.Header.Height, fmt.Errorf("rolling back: %w", err))
	}
	c.RollBack(ctx, parent)
	return nil
}
