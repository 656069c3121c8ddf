// Package cursor implements the per-subscriber position tracker shared
// by the ChainTracker and every SourceWorker's EventEmitter: a named
// chain position plus the set of channels subscribed at it.
package cursor

import (
	"context"
	"log"

	"github.com/chainwatch/ew/internal/chain"
)

// StatusReporter receives lifecycle reports for the Monitor.
// Implementations must not block meaningfully; the Monitor's ingestion
// path is buffered and non-fatal on overflow.
type StatusReporter interface {
	ReportCursor(name string, height chain.Height)
	ReportRollback(name string, height chain.Height)
	ReportCursorDropped(name string)
}

// NoopReporter discards all reports. Useful in tests.
type NoopReporter struct{}

func (NoopReporter) ReportCursor(string, chain.Height)   {}
func (NoopReporter) ReportRollback(string, chain.Height) {}
func (NoopReporter) ReportCursorDropped(string)          {}

// Subscriber bundles a subscriber's event channel with a Done signal it
// closes on exit. A channel send cannot observe that its receiver is
// gone, so broken-channel detection is done by watching Done instead of
// inspecting the result of a send.
type Subscriber[D any] struct {
	Ch   chan<- chain.Event[D]
	Done <-chan struct{}
}

// Cursor is a named position on the chain plus the set of subscribers
// currently attached at that position. Multiple subscribers share one
// Cursor when they are at the same header.
type Cursor[D any] struct {
	ID       string
	Header   chain.Header
	Senders  []Subscriber[D]
	Reporter StatusReporter
}

// New creates a Cursor at header with a single subscriber.
func New[D any](id string, header chain.Header, reporter StatusReporter, sub Subscriber[D]) *Cursor[D] {
	if reporter == nil {
		reporter = NoopReporter{}
	}
	return &Cursor[D]{ID: id, Header: header, Senders: []Subscriber[D]{sub}, Reporter: reporter}
}

// IsAt reports whether the cursor occupies the given header.
func (c *Cursor[D]) IsAt(header chain.Header) bool {
	return c.Header.IsAt(header)
}

// IsOn reports whether the cursor is at the same position as other.
func (c *Cursor[D]) IsOn(other *Cursor[D]) bool {
	return c.IsAt(other.Header)
}

// Closed returns a channel that closes once ctx is done, suitable as a
// Subscriber's Done field when a subscriber's lifetime is governed by
// a context rather than an explicit close-on-exit signal.
func Closed(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(done)
	}()
	return done
}

// Rename changes the cursor's display id, used when a lagging cursor
// is promoted to tracking.
func (c *Cursor[D]) Rename(id string) {
	c.ID = id
}

// Merge absorbs other's senders into c and reports the drop to the
// Monitor. No sender is ever silently dropped.
func (c *Cursor[D]) Merge(other *Cursor[D]) {
	log.Printf("[cursor] merging %q into %q", other.ID, c.ID)
	c.Senders = append(c.Senders, other.Senders...)
	other.Senders = nil
	c.Reporter.ReportCursorDropped(other.ID)
}

// Include broadcasts an Include event for data to every subscriber,
// then advances the cursor's header. ctx allows callers to bound how
// long a full send fans out for; per-channel sends still honor
// backpressure, suspending while a subscriber's channel is full.
func (c *Cursor[D]) Include(ctx context.Context, data chain.StampedData[D]) {
	log.Printf("[cursor %s] including block %d %s", c.ID, data.Height, data.HeaderID)
	c.send(ctx, chain.Include(data))
	c.Header = data.Header
	c.Reporter.ReportCursor(c.ID, c.Header.Height)
}

// Genesis broadcasts a Genesis event to every subscriber without
// advancing the cursor's position. Valid only while the cursor is
// still at the initial sentinel: a subscriber there must see the
// genesis dispatch before its first Include.
func (c *Cursor[D]) Genesis(ctx context.Context, data chain.StampedData[D]) {
	if !c.Header.IsInitial() {
		log.Panicf("[cursor %s] genesis dispatch requested at non-initial header %s", c.ID, c.Header)
	}
	log.Printf("[cursor %s] dispatching genesis data", c.ID)
	c.send(ctx, chain.Genesis(data))
}

// RollBack broadcasts a Rollback event for the cursor's current height,
// then winds the cursor back to previousHeader.
func (c *Cursor[D]) RollBack(ctx context.Context, previousHeader chain.Header) {
	if previousHeader.Height != c.Header.Height-1 {
		log.Panicf("[cursor %s] roll_back invariant violated: previous height %d, current %d", c.ID, previousHeader.Height, c.Header.Height)
	}
	log.Printf("[cursor %s] rolling back block %d %s", c.ID, c.Header.Height, c.Header.HeaderID)
	c.Reporter.ReportRollback(c.ID, c.Header.Height)
	c.send(ctx, chain.RollbackTo[D](c.Header.Height))
	c.Header = previousHeader
	c.Reporter.ReportCursor(c.ID, c.Header.Height)
}

// send fans event out to every subscriber. A broken channel (receiver
// gone, signaled via Subscriber.Done) is logged and dropped from the
// fan-out list rather than treated as fatal.
func (c *Cursor[D]) send(ctx context.Context, event chain.Event[D]) {
	var broken []int
	for i, sub := range c.Senders {
		select {
		case sub.Ch <- event:
		case <-sub.Done:
			broken = append(broken, i)
		case <-ctx.Done():
			return
		}
	}
	if len(broken) > 0 {
		c.dropBroken(broken)
	}
}

// dropBroken removes the given sender indices, highest first so removal
// doesn't shift the remaining indices out from under the loop.
func (c *Cursor[D]) dropBroken(indices []int) {
	for i := len(indices) - 1; i >= 0; i-- {
		idx := indices[i]
		log.Printf("[cursor %s] dropping broken channel to downstream worker", c.ID)
		c.Senders = append(c.Senders[:idx], c.Senders[idx+1:]...)
	}
}
