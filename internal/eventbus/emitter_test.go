package eventbus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
)

// fakeSource is a minimal in-memory Source[int] for exercising Emitter
// without a real worker or store.
type fakeSource struct {
	head  chain.Header
	slice []chain.StampedData[int]
}

func (f *fakeSource) Header() chain.Header { return f.head }

func (f *fakeSource) ContainsHeader(_ context.Context, h chain.Header) bool {
	for _, s := range f.slice {
		if s.Header.IsAt(h) {
			return true
		}
	}
	return false
}

func (f *fakeSource) GetSlice(_ context.Context, r BlockRange) []chain.StampedData[int] {
	var out []chain.StampedData[int]
	for _, s := range f.slice {
		if s.Height >= r.FirstHeight && s.Height <= r.LastHeight {
			out = append(out, s)
		}
	}
	return out
}

func blockHeader(h chain.Height) chain.Header {
	return chain.Header{Height: h, HeaderID: chain.Digest("0xaa"), ParentID: chain.Digest("0xbb")}
}

func TestEmitterSubscribeAtHeadTracksForwardedEvents(t *testing.T) {
	src := &fakeSource{head: blockHeader(5)}
	e := New[int](nil)

	ch := e.Subscribe(context.Background(), blockHeader(5), "main", src)
	require.False(t, e.HasLaggingCursors())

	e.Forward(context.Background(), chain.HandledIncluded(chain.NewStampedData(blockHeader(6), 99)))
	evt := <-ch
	assert.Equal(t, chain.EventInclude, evt.Kind)
	assert.Equal(t, 99, evt.Included.Data)
}

func TestEmitterSubscribeAheadOfHeadIsCapped(t *testing.T) {
	src := &fakeSource{head: blockHeader(3)}
	e := New[int](nil)

	e.Subscribe(context.Background(), blockHeader(100), "main", src)
	require.NotNil(t, e.trackingCursor)
	assert.Equal(t, chain.Height(3), e.trackingCursor.Header.Height)
}

func TestEmitterLaggingCursorCatchesUpAndMerges(t *testing.T) {
	slice := []chain.StampedData[int]{
		chain.NewStampedData(blockHeader(1), 10),
		chain.NewStampedData(blockHeader(2), 20),
		chain.NewStampedData(blockHeader(3), 30),
	}
	src := &fakeSource{head: blockHeader(3), slice: slice}
	e := New[int](nil)

	// tracking cursor at current head
	trackCh := e.Subscribe(context.Background(), blockHeader(3), "main", src)
	// lagging cursor starting from genesis
	lagCh := e.Subscribe(context.Background(), chain.InitialHeader, "replay", src)
	require.True(t, e.HasLaggingCursors())

	e.ProgressLaggingCursors(context.Background(), src, 10)

	require.False(t, e.HasLaggingCursors(), "lagging cursor should have merged after catching up")
	for i := 0; i < 3; i++ {
		evt := <-lagCh
		assert.Equal(t, chain.EventInclude, evt.Kind)
		assert.Equal(t, slice[i].Data, evt.Included.Data)
	}

	// now that merged, forwarding delivers to both original channels
	e.Forward(context.Background(), chain.HandledIncluded(chain.NewStampedData(blockHeader(4), 40)))
	assert.Equal(t, 40, (<-trackCh).Included.Data)
	assert.Equal(t, 40, (<-lagCh).Included.Data)
}

func TestEmitterProgressLaggingCursorsNeverPassesSourceHead(t *testing.T) {
	slice := []chain.StampedData[int]{
		chain.NewStampedData(blockHeader(1), 10),
		chain.NewStampedData(blockHeader(2), 20),
	}
	src := &fakeSource{head: blockHeader(2), slice: slice}
	e := New[int](nil)

	e.Subscribe(context.Background(), chain.InitialHeader, "replay", src)
	// request a huge step; should stop at source head (2), not panic or overrun
	e.ProgressLaggingCursors(context.Background(), src, 1000)

	require.Len(t, e.laggingCursors, 0, "cursor reaching head should merge into tracking")
	require.NotNil(t, e.trackingCursor)
	assert.Equal(t, chain.Height(2), e.trackingCursor.Header.Height)
}
