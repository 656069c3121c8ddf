// Package worker runs a Workflow against the stream of events a Cursor
// delivers. Two shapes cover every worker in the system: a LeafWorker
// only consumes upstream events and persists them, while a SourceWorker
// also re-publishes what it produces through its own eventbus.Emitter
// so other workers can subscribe to it in turn.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
	"github.com/chainwatch/ew/internal/errkind"
	"github.com/chainwatch/ew/internal/eventbus"
	"github.com/chainwatch/ew/internal/workflow"
)

// LaggingCatchUpStep is how many blocks a SourceWorker lets its lagging
// cursors replay per catch-up turn. Replaying more than one block per
// turn is what lets a lagging subscriber converge on a head that is
// itself advancing one block per upstream event.
const LaggingCatchUpStep = 8

// LaggingCatchUpInterval is how long a SourceWorker with lagging
// cursors waits for an upstream event before running a catch-up turn
// anyway, so lagging subscribers keep progressing while the chain is
// idle.
const LaggingCatchUpInterval = 100 * time.Millisecond

// MonitorSink receives the per-worker height updates the Monitor
// renders on /status and /ws/status.
type MonitorSink interface {
	ReportWorkerHeight(workerID string, height chain.Height)
}

// NoopMonitorSink discards every report. Useful in tests and for
// workers started before the monitor is wired up.
type NoopMonitorSink struct{}

func (NoopMonitorSink) ReportWorkerHeight(string, chain.Height) {}

// runOnce applies a single upstream event to wf, enforcing the parent
// linkage and monotonic-height invariants an upstream cursor is
// supposed to already guarantee. A capped cursor may still replay
// blocks the workflow has already passed, which runOnce reports as
// Skipped rather than an error. A Genesis event is also reported
// Skipped upstream: it is consumed directly by wf and never forwarded
// to this worker's own subscribers.
func runOnce[U any, D any](ctx context.Context, id string, wf workflow.Workflow[U, D], event chain.Event[U]) (chain.Handled[D], error) {
	head := wf.Header()

	switch event.Kind {
	case chain.EventGenesis:
		wf.IncludeGenesis(ctx, event.Included)
		return chain.Skipped[D](), nil

	case chain.EventInclude:
		data := event.Included
		if data.Height <= head.Height {
			return chain.Skipped[D](), nil
		}
		if data.Height != head.Height+1 || data.ParentID != head.HeaderID {
			return chain.Handled[D]{}, errkind.New(errkind.InvariantViolation, id, data.Height,
				fmt.Errorf("block %d (%s, parent %s) is not a child of head %d (%s)",
					data.Height, data.HeaderID, data.ParentID, head.Height, head.HeaderID))
		}
		out := wf.IncludeBlock(ctx, data)
		return chain.HandledIncluded(chain.NewStampedData(data.Header, out)), nil

	case chain.EventRollback:
		if event.Rollback != head.Height {
			return chain.Handled[D]{}, errkind.New(errkind.InvariantViolation, id, event.Rollback,
				fmt.Errorf("rollback requested at %d does not match head %d", event.Rollback, head.Height))
		}
		newHead := wf.RollBack(ctx, event.Rollback)
		return chain.HandledRolledBack[D](newHead), nil

	default:
		return chain.Handled[D]{}, errkind.New(errkind.ProtocolViolation, id, head.Height,
			fmt.Errorf("unknown event kind %v", event.Kind))
	}
}

// LeafWorker drives a sink workflow: it consumes upstream events and
// persists them but exposes nothing further downstream.
type LeafWorker[U any] struct {
	ID       string
	Workflow workflow.Workflow[U, struct{}]
	Rx       <-chan chain.Event[U]
	Monitor  MonitorSink
}

// NewLeafWorker constructs a LeafWorker. monitor may be nil.
func NewLeafWorker[U any](id string, wf workflow.Workflow[U, struct{}], rx <-chan chain.Event[U], monitor MonitorSink) *LeafWorker[U] {
	if monitor == nil {
		monitor = NoopMonitorSink{}
	}
	return &LeafWorker[U]{ID: id, Workflow: wf, Rx: rx, Monitor: monitor}
}

// Run processes events until ctx is canceled or the upstream channel
// closes. A non-fatal error (per errkind.Kind.Fatal) is dropped without
// being logged or returned, and the loop continues; a fatal error stops
// the loop and propagates to the supervisor.
func (w *LeafWorker[U]) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Rx:
			if !ok {
				return errkind.New(errkind.ChannelClosed, w.ID, w.Workflow.Header().Height,
					fmt.Errorf("upstream channel closed"))
			}
			if _, err := runOnce[U, struct{}](ctx, w.ID, w.Workflow, event); err != nil {
				if ek, ok := errkind.As(err); ok && !ek.Kind.Fatal() {
					continue
				}
				return err
			}
			w.Monitor.ReportWorkerHeight(w.ID, w.Workflow.Header().Height)
		}
	}
}

// sourceableWorkflow is what a SourceWorker needs from its workflow:
// the usual include/roll_back/header contract plus the ability to
// answer get_at/contains_header for its own downstream subscribers.
type sourceableWorkflow[U any, D any] interface {
	workflow.Workflow[U, D]
	workflow.Sourceable[D]
}

// SourceWorker drives a workflow and republishes what it produces
// through its own Emitter, so other workers can subscribe to it the
// same way it subscribes to whatever feeds it.
type SourceWorker[U any, D any] struct {
	ID       string
	Workflow sourceableWorkflow[U, D]
	Rx       <-chan chain.Event[U]
	Emitter  *eventbus.Emitter[D]
	Monitor  MonitorSink
}

// NewSourceWorker constructs a SourceWorker with its own Emitter.
// monitor may be nil.
func NewSourceWorker[U any, D any](id string, wf sourceableWorkflow[U, D], rx <-chan chain.Event[U], reporter cursor.StatusReporter, monitor MonitorSink) *SourceWorker[U, D] {
	if monitor == nil {
		monitor = NoopMonitorSink{}
	}
	return &SourceWorker[U, D]{
		ID:       id,
		Workflow: wf,
		Rx:       rx,
		Emitter:  eventbus.New[D](reporter),
		Monitor:  monitor,
	}
}

// Header implements eventbus.Source.
func (w *SourceWorker[U, D]) Header() chain.Header { return w.Workflow.Header() }

// ContainsHeader implements eventbus.Source.
func (w *SourceWorker[U, D]) ContainsHeader(ctx context.Context, header chain.Header) bool {
	return w.Workflow.ContainsHeader(ctx, header)
}

// GetSlice implements eventbus.Source by calling GetAt once per height
// in the range; workflows with a bulk-fetch path may want a store-level
// range query instead, but this keeps the contract to a single method.
func (w *SourceWorker[U, D]) GetSlice(ctx context.Context, r eventbus.BlockRange) []chain.StampedData[D] {
	out := make([]chain.StampedData[D], 0, r.Size())
	for h := r.FirstHeight; h <= r.LastHeight; h++ {
		out = append(out, w.Workflow.GetAt(ctx, h))
	}
	return out
}

// Subscribe attaches a new downstream subscriber at header and returns
// the channel it should read from.
func (w *SourceWorker[U, D]) Subscribe(ctx context.Context, header chain.Header, cursorName string) <-chan chain.Event[D] {
	return w.Emitter.Subscribe(ctx, header, cursorName, w)
}

// Run processes upstream events, forwarding each handled result to this
// worker's own subscribers. Lagging cursors progress both after every
// upstream event and on an idle tick, so a late subscriber converges on
// the head even while the chain is quiet.
func (w *SourceWorker[U, D]) Run(ctx context.Context) error {
	for {
		if w.Emitter.HasLaggingCursors() {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-w.Rx:
				if err := w.handleEvent(ctx, event, ok); err != nil {
					return err
				}
			case <-time.After(LaggingCatchUpInterval):
				w.Emitter.ProgressLaggingCursors(ctx, w, LaggingCatchUpStep)
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.Rx:
			if err := w.handleEvent(ctx, event, ok); err != nil {
				return err
			}
		}
	}
}

func (w *SourceWorker[U, D]) handleEvent(ctx context.Context, event chain.Event[U], ok bool) error {
	if !ok {
		return errkind.New(errkind.ChannelClosed, w.ID, w.Workflow.Header().Height,
			fmt.Errorf("upstream channel closed"))
	}
	handled, err := runOnce[U, D](ctx, w.ID, w.Workflow, event)
	if err != nil {
		if ek, ok := errkind.As(err); ok && !ek.Kind.Fatal() {
			return nil
		}
		return err
	}
	w.Emitter.Forward(ctx, handled)
	if w.Emitter.HasLaggingCursors() {
		w.Emitter.ProgressLaggingCursors(ctx, w, LaggingCatchUpStep)
	}
	w.Monitor.ReportWorkerHeight(w.ID, w.Workflow.Header().Height)
	return nil
}
