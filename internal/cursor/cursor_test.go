package cursor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
)

func header(h chain.Height) chain.Header {
	return chain.Header{Height: h, HeaderID: chain.Digest("0xaa"), ParentID: chain.Digest("0xbb")}
}

func newSub[D any](buf int) (Subscriber[D], <-chan chain.Event[D]) {
	ch := make(chan chain.Event[D], buf)
	return Subscriber[D]{Ch: ch, Done: make(chan struct{})}, ch
}

func TestCursorIncludeAdvancesHeader(t *testing.T) {
	sub, rx := newSub[int](1)
	c := New[int]("main", chain.InitialHeader, NoopReporter{}, sub)

	data := chain.NewStampedData(header(0), 42)
	c.Include(context.Background(), data)

	require.Equal(t, chain.Height(0), c.Header.Height)
	evt := <-rx
	assert.Equal(t, chain.EventInclude, evt.Kind)
	assert.Equal(t, 42, evt.Included.Data)
}

func TestCursorRollBackWindsHeaderBack(t *testing.T) {
	sub, rx := newSub[int](2)
	c := New[int]("main", header(5), NoopReporter{}, sub)

	prev := header(4)
	c.RollBack(context.Background(), prev)

	require.Equal(t, chain.Height(4), c.Header.Height)
	evt := <-rx
	assert.Equal(t, chain.EventRollback, evt.Kind)
	assert.Equal(t, chain.Height(5), evt.Rollback)
}

func TestCursorRollBackPanicsOnNonPredecessor(t *testing.T) {
	sub, _ := newSub[int](1)
	c := New[int]("main", header(5), NoopReporter{}, sub)
	assert.Panics(t, func() {
		c.RollBack(context.Background(), header(3))
	})
}

func TestCursorMergeConcatenatesSenders(t *testing.T) {
	subA, rxA := newSub[int](1)
	subB, rxB := newSub[int](1)
	a := New[int]("a", header(2), NoopReporter{}, subA)
	b := New[int]("b", header(2), NoopReporter{}, subB)

	a.Merge(b)
	require.Len(t, a.Senders, 2)
	assert.Empty(t, b.Senders)

	a.Include(context.Background(), chain.NewStampedData(header(3), 1))
	assert.Equal(t, chain.EventInclude, (<-rxA).Kind)
	assert.Equal(t, chain.EventInclude, (<-rxB).Kind)
}

func TestCursorDropsBrokenChannelOnDone(t *testing.T) {
	ch := make(chan chain.Event[int], 1)
	done := make(chan struct{})
	close(done) // simulate receiver already gone
	sub := Subscriber[int]{Ch: ch, Done: done}

	okSub, rx := newSub[int](1)
	c := New[int]("main", header(1), NoopReporter{}, okSub)
	c.Senders = append(c.Senders, sub)

	c.Include(context.Background(), chain.NewStampedData(header(2), 7))

	require.Len(t, c.Senders, 1, "broken subscriber should have been pruned")
	assert.Equal(t, 7, (<-rx).Included.Data)
}
