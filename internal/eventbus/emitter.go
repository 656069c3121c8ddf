// Package eventbus implements the tracking/lagging cursor fan-out a
// SourceWorker needs: every downstream subscriber gets its own Cursor,
// subscribers at the same height share one, and lagging subscribers
// replay history independently until they catch up and merge into the
// tracking cursor.
package eventbus

import (
	"context"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
)

// EventChannelCapacity bounds every subscriber channel created by
// Subscribe. A full channel blocks the sender, which is how
// backpressure propagates upstream to the node poller.
const EventChannelCapacity = 8

// BlockRange is an inclusive height range used to replay history to a
// lagging cursor.
type BlockRange struct {
	FirstHeight chain.Height
	LastHeight  chain.Height
}

// Size returns the number of blocks in the range.
func (r BlockRange) Size() int32 { return int32(r.LastHeight-r.FirstHeight) + 1 }

// Source is what an Emitter needs from the worker it is attached to:
// the worker's current head, whether it already holds data for a given
// header, and a way to replay a height range for lagging cursors.
type Source[D any] interface {
	Header() chain.Header
	ContainsHeader(ctx context.Context, header chain.Header) bool
	GetSlice(ctx context.Context, r BlockRange) []chain.StampedData[D]
}

// Emitter holds at most one tracking cursor (at the source's current
// head) plus any number of lagging cursors still replaying history.
type Emitter[D any] struct {
	// Capacity sizes the channels Subscribe hands out; zero or
	// negative falls back to EventChannelCapacity.
	Capacity int

	reporter       cursor.StatusReporter
	trackingCursor *cursor.Cursor[D]
	laggingCursors []*cursor.Cursor[D]
}

// New creates an empty Emitter. reporter may be nil, in which case
// reports are discarded.
func New[D any](reporter cursor.StatusReporter) *Emitter[D] {
	if reporter == nil {
		reporter = cursor.NoopReporter{}
	}
	return &Emitter[D]{reporter: reporter}
}

// HasLaggingCursors reports whether any subscriber is still catching up.
func (e *Emitter[D]) HasLaggingCursors() bool {
	return len(e.laggingCursors) > 0
}

// Forward delivers a handled upstream event to the tracking cursor, if
// one exists. Lagging cursors are untouched; they progress only via
// ProgressLaggingCursors.
func (e *Emitter[D]) Forward(ctx context.Context, handled chain.Handled[D]) {
	if e.trackingCursor == nil {
		return
	}
	switch handled.Kind {
	case chain.HandledSkipped:
	case chain.HandledInclude:
		e.trackingCursor.Include(ctx, handled.Included)
	case chain.HandledRollback:
		e.trackingCursor.RollBack(ctx, handled.NewHead)
	}
}

// ProgressLaggingCursors steps every lagging cursor forward by at most n
// blocks, never past the source's current head, then merges any cursor
// that has caught up into the tracking cursor.
func (e *Emitter[D]) ProgressLaggingCursors(ctx context.Context, source Source[D], n int32) {
	maxHeight := source.Header().Height

	for _, c := range e.laggingCursors {
		steps := n
		if remaining := maxHeight - c.Header.Height; remaining < steps {
			steps = remaining
		}
		if steps <= 0 {
			continue
		}
		first := c.Header.Height + 1
		last := c.Header.Height + steps
		for _, data := range source.GetSlice(ctx, BlockRange{FirstHeight: first, LastHeight: last}) {
			c.Include(ctx, data)
		}
	}
	e.mergeCursors(source)
}

// mergeCursors folds every lagging cursor that has reached the source's
// current head into the tracking cursor, promoting it to tracking if
// none exists yet.
func (e *Emitter[D]) mergeCursors(source Source[D]) {
	head := source.Header()

	var stillLagging []*cursor.Cursor[D]
	for _, c := range e.laggingCursors {
		if !c.IsAt(head) {
			stillLagging = append(stillLagging, c)
			continue
		}
		if e.trackingCursor != nil {
			e.trackingCursor.Merge(c)
		} else {
			c.Rename("main")
			e.trackingCursor = c
		}
	}
	e.laggingCursors = stillLagging
}

// Subscribe attaches a new subscriber at header, returning the channel
// it should read Events from. A header past the source's current head
// is capped to the source's head, since a cursor can never point past
// its worker. Subscribers at the same position share a cursor.
func (e *Emitter[D]) Subscribe(ctx context.Context, header chain.Header, cursorName string, source Source[D]) <-chan chain.Event[D] {
	head := source.Header()
	capped := header
	if header.Height > head.Height {
		capped = head
	}

	capacity := e.Capacity
	if capacity <= 0 {
		capacity = EventChannelCapacity
	}
	ch := make(chan chain.Event[D], capacity)
	sub := cursor.Subscriber[D]{Ch: ch, Done: cursor.Closed(ctx)}

	if capped.IsAt(head) {
		if e.trackingCursor != nil {
			e.trackingCursor.Senders = append(e.trackingCursor.Senders, sub)
			return ch
		}
		e.trackingCursor = cursor.New[D](cursorName, capped, e.reporter, sub)
		return ch
	}

	for _, c := range e.laggingCursors {
		if c.IsAt(capped) {
			c.Senders = append(c.Senders, sub)
			return ch
		}
	}

	e.laggingCursors = append(e.laggingCursors, cursor.New[D](cursorName, capped, e.reporter, sub))
	return ch
}
