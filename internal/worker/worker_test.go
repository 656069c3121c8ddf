package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
)

// wHeader builds properly chained headers: height h's parent id is
// height h-1's header id, with height 0 parented on the zero digest,
// so runOnce's linkage assertions hold across consecutive includes.
func wHeader(h chain.Height) chain.Header {
	parent := chain.ZeroDigest
	if h > 0 {
		parent = chain.Digest(fmt.Sprintf("0xaa%02d", h-1))
	}
	return chain.Header{Height: h, HeaderID: chain.Digest(fmt.Sprintf("0xaa%02d", h)), ParentID: parent}
}

// fakeSinkWorkflow is a minimal Workflow[int, struct{}] for LeafWorker tests.
type fakeSinkWorkflow struct {
	head     chain.Header
	included []int
}

func (w *fakeSinkWorkflow) IncludeGenesis(_ context.Context, data chain.StampedData[int]) {
	w.included = append(w.included, data.Data)
}

func (w *fakeSinkWorkflow) IncludeBlock(_ context.Context, data chain.StampedData[int]) struct{} {
	w.included = append(w.included, data.Data)
	w.head = data.Header
	return struct{}{}
}

func (w *fakeSinkWorkflow) RollBack(_ context.Context, height chain.Height) chain.Header {
	w.included = w.included[:len(w.included)-1]
	w.head = wHeader(height - 1)
	return w.head
}

func (w *fakeSinkWorkflow) Header() chain.Header { return w.head }

func TestLeafWorkerIncludesAndRollsBack(t *testing.T) {
	wf := &fakeSinkWorkflow{head: wHeader(0)}
	rx := make(chan chain.Event[int], 4)
	lw := NewLeafWorker[int]("sink", wf, rx, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lw.Run(ctx) }()

	rx <- chain.Include(chain.NewStampedData(wHeader(1), 11))
	rx <- chain.Include(chain.NewStampedData(wHeader(2), 22))

	require.Eventually(t, func() bool { return wf.Header().Height == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{11, 22}, wf.included)

	rx <- chain.RollbackTo[int](2)
	require.Eventually(t, func() bool { return wf.Header().Height == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, []int{11}, wf.included)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}

func TestLeafWorkerSkipsReplayedBlockBelowHead(t *testing.T) {
	wf := &fakeSinkWorkflow{head: wHeader(5)}
	rx := make(chan chain.Event[int], 1)
	lw := NewLeafWorker[int]("sink", wf, rx, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go lw.Run(ctx)

	rx <- chain.Include(chain.NewStampedData(wHeader(3), 99))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, wf.included, "block below head should be skipped, not applied")
	assert.Equal(t, chain.Height(5), wf.Header().Height)
}

// fakeSourceWorkflow is a minimal sourceableWorkflow[int, int]: it passes
// the same int through unchanged so GetAt can reconstruct history.
type fakeSourceWorkflow struct {
	head chain.Header
	data map[chain.Height]int
}

func newFakeSourceWorkflow() *fakeSourceWorkflow {
	return &fakeSourceWorkflow{head: chain.InitialHeader, data: map[chain.Height]int{}}
}

func (w *fakeSourceWorkflow) IncludeGenesis(_ context.Context, data chain.StampedData[int]) {
	w.data[data.Height] = data.Data
}

func (w *fakeSourceWorkflow) IncludeBlock(_ context.Context, data chain.StampedData[int]) int {
	w.data[data.Height] = data.Data
	w.head = data.Header
	return data.Data
}

func (w *fakeSourceWorkflow) RollBack(_ context.Context, height chain.Height) chain.Header {
	delete(w.data, height)
	w.head = wHeader(height - 1)
	return w.head
}

func (w *fakeSourceWorkflow) Header() chain.Header { return w.head }

func (w *fakeSourceWorkflow) ContainsHeader(_ context.Context, h chain.Header) bool {
	v, ok := w.data[h.Height]
	return ok && v >= 0 && h.Height <= w.head.Height
}

func (w *fakeSourceWorkflow) GetAt(_ context.Context, height chain.Height) chain.StampedData[int] {
	return chain.NewStampedData(wHeader(height), w.data[height])
}

func TestSourceWorkerCatchesUpLaggingSubscriberWhileIdle(t *testing.T) {
	wf := newFakeSourceWorkflow()
	for h := chain.Height(0); h <= 2; h++ {
		wf.data[h] = int(h) * 10
	}
	wf.head = wHeader(2)

	rx := make(chan chain.Event[int])
	sw := NewSourceWorker[int, int]("source", wf, rx, nil, nil)
	sub := sw.Subscribe(context.Background(), chain.InitialHeader, "late")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	// no upstream events at all; the idle tick alone must replay history
	for i := chain.Height(0); i <= 2; i++ {
		select {
		case evt := <-sub:
			require.Equal(t, chain.EventInclude, evt.Kind)
			assert.Equal(t, i, evt.Included.Height)
			assert.Equal(t, int(i)*10, evt.Included.Data)
		case <-time.After(time.Second):
			t.Fatalf("lagging subscriber never replayed height %d", i)
		}
	}
}

func TestSourceWorkerForwardsToSubscribers(t *testing.T) {
	wf := newFakeSourceWorkflow()
	rx := make(chan chain.Event[int], 4)
	sw := NewSourceWorker[int, int]("source", wf, rx, nil, nil)

	sub := sw.Subscribe(context.Background(), chain.InitialHeader, "downstream")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sw.Run(ctx)

	rx <- chain.Include(chain.NewStampedData(wHeader(0), 7))

	select {
	case evt := <-sub:
		assert.Equal(t, chain.EventInclude, evt.Kind)
		assert.Equal(t, 7, evt.Included.Data)
	case <-time.After(time.Second):
		t.Fatal("subscriber never received forwarded event")
	}
}
