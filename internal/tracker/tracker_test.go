package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
)

// encodeHeader/decodeHeader let the fake node and fake store agree on
// a block body without needing a real wire format.
func encodeHeader(h chain.Header) RawBlock {
	return RawBlock(fmt.Sprintf("%d|%s|%s|%d", h.Height, h.HeaderID, h.ParentID, h.Timestamp))
}

func decodeHeader(raw RawBlock) chain.Header {
	parts := strings.Split(string(raw), "|")
	var height chain.Height
	fmt.Sscanf(parts[0], "%d", &height)
	var ts int64
	fmt.Sscanf(parts[3], "%d", &ts)
	return chain.Header{Height: height, HeaderID: chain.Digest(parts[1]), ParentID: chain.Digest(parts[2]), Timestamp: ts}
}

func makeChain(n int, seed string) []chain.Header {
	headers := make([]chain.Header, n)
	parent := chain.ZeroDigest
	for i := 0; i < n; i++ {
		id := chain.Digest(fmt.Sprintf("0x%s%02d", seed, i))
		headers[i] = chain.Header{Height: chain.Height(i), HeaderID: id, ParentID: parent, Timestamp: int64(i)}
		parent = id
	}
	return headers
}

// fakeNode serves a mutable "reality" of canonical headers, letting
// tests simulate a reorg by swapping it mid-run.
type fakeNode struct {
	mu      sync.Mutex
	headers []chain.Header
}

func (n *fakeNode) setHeaders(h []chain.Header) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.headers = h
}

func (n *fakeNode) ChainSlice(_ context.Context, from, to chain.Height) ([]chain.Header, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []chain.Header
	for _, h := range n.headers {
		if h.Height > from && h.Height <= to {
			out = append(out, h)
		}
	}
	return out, nil
}

func (n *fakeNode) Block(_ context.Context, id chain.Digest) (RawBlock, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, h := range n.headers {
		if h.HeaderID == id {
			return encodeHeader(h), nil
		}
	}
	return nil, fmt.Errorf("no such header %s", id)
}

func (n *fakeNode) GenesisUTXOs(_ context.Context) ([]byte, error) {
	return []byte("genesis"), nil
}

// fakeStore implements CoreStore[int] with payload == height, keeping
// every header it has ever seen (including orphans) so rollback can
// always look up a parent, same as core.headers(main_chain=false).
type fakeStore struct {
	mu          sync.Mutex
	byID        map[chain.Digest]chain.Header
	heightToID  map[chain.Height]chain.Digest
	head        chain.Header
	genesisDone bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		byID:       map[chain.Digest]chain.Header{},
		heightToID: map[chain.Height]chain.Digest{},
		head:       chain.InitialHeader,
	}
}

func (s *fakeStore) Head(_ context.Context) chain.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.head
}

func (s *fakeStore) HasGenesisData(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.genesisDone
}

func (s *fakeStore) IncludeGenesis(_ context.Context, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.genesisDone = true
	return nil
}

func (s *fakeStore) GenesisData(_ context.Context) (chain.StampedData[int], error) {
	return chain.NewStampedData(chain.InitialHeader, -1), nil
}

func (s *fakeStore) Process(_ context.Context, height chain.Height, raw RawBlock) (chain.StampedData[int], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := decodeHeader(raw)
	s.byID[h.HeaderID] = h
	s.heightToID[height] = h.HeaderID
	s.head = h
	return chain.NewStampedData(h, int(height)), nil
}

func (s *fakeStore) RollBack(_ context.Context, height chain.Height) (chain.Header, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.heightToID[height]
	if !ok {
		return chain.Header{}, fmt.Errorf("no header recorded at height %d", height)
	}
	h := s.byID[id]
	var parent chain.Header
	if h.Height == 0 {
		parent = chain.InitialHeader
	} else {
		p, ok := s.byID[h.ParentID]
		if !ok {
			return chain.Header{}, fmt.Errorf("no header recorded for parent %s", h.ParentID)
		}
		parent = p
	}
	delete(s.heightToID, height)
	s.head = parent
	return parent, nil
}

func TestTrackerLinearIncludeS1(t *testing.T) {
	node := &fakeNode{headers: makeChain(3, "a")}
	store := newFakeStore()
	tr := New[int]("t", node, store, cursor.NoopReporter{}, 10*time.Millisecond, 10)

	ch := tr.Subscribe(context.Background(), chain.InitialHeader, "main")

	ctx, cancel := context.WithCancel(context.Background())
	runErr := make(chan error, 1)
	go func() { runErr <- tr.Run(ctx) }()

	select {
	case evt := <-ch:
		require.Equal(t, chain.EventGenesis, evt.Kind)
		assert.Equal(t, chain.InitialHeight, evt.Included.Height)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Genesis dispatch")
	}

	for i := 0; i < 3; i++ {
		select {
		case evt := <-ch:
			require.Equal(t, chain.EventInclude, evt.Kind)
			assert.Equal(t, chain.Height(i), evt.Included.Height)
			assert.Equal(t, i, evt.Included.Data)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for Include(%d)", i)
		}
	}

	cancel()
	select {
	case err := <-runErr:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("tracker did not stop after cancellation")
	}
}

// TestTrackerDispatchesGenesisBeforeFirstInclude asserts that a cursor
// subscribed at the initial sentinel receives a Genesis dispatch
// before it sees any Include.
func TestTrackerDispatchesGenesisBeforeFirstInclude(t *testing.T) {
	node := &fakeNode{headers: makeChain(1, "a")}
	store := newFakeStore()
	tr := New[int]("t", node, store, cursor.NoopReporter{}, 5*time.Millisecond, 10)

	ch := tr.Subscribe(context.Background(), chain.InitialHeader, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case evt := <-ch:
		require.Equal(t, chain.EventGenesis, evt.Kind, "first event a subscriber at the initial sentinel sees must be Genesis")
		assert.Equal(t, chain.InitialHeight, evt.Included.Height)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Genesis dispatch")
	}

	select {
	case evt := <-ch:
		assert.Equal(t, chain.EventInclude, evt.Kind, "Genesis must precede the first Include")
		assert.Equal(t, chain.Height(0), evt.Included.Height)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Include(0)")
	}
}

func TestTrackerOneBlockOrphanS2(t *testing.T) {
	original := makeChain(3, "a")
	node := &fakeNode{headers: original}
	store := newFakeStore()
	tr := New[int]("t", node, store, cursor.NoopReporter{}, 5*time.Millisecond, 10)

	ch := tr.Subscribe(context.Background(), chain.InitialHeader, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	select {
	case evt := <-ch:
		require.Equal(t, chain.EventGenesis, evt.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Genesis dispatch")
	}

	for i := 0; i < 3; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for initial Include(%d)", i)
		}
	}

	// Reorg: height 2 gets replaced by a different block, still a
	// valid child of height 1.
	reorged := make([]chain.Header, len(original))
	copy(reorged, original)
	reorged[2] = chain.Header{
		Height:   2,
		HeaderID: chain.Digest("0xb02"),
		ParentID: original[1].HeaderID,
		Timestamp: 99,
	}
	node.setHeaders(reorged)

	var gotRollback, gotReinclude bool
	for i := 0; i < 2; i++ {
		select {
		case evt := <-ch:
			if evt.Kind == chain.EventRollback {
				assert.Equal(t, chain.Height(2), evt.Rollback)
				gotRollback = true
			} else {
				assert.Equal(t, chain.Height(2), evt.Included.Height)
				assert.Equal(t, chain.Digest("0xb02"), evt.Included.HeaderID)
				gotReinclude = true
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for reorg events")
		}
	}
	assert.True(t, gotRollback, "expected a Rollback(2) event")
	assert.True(t, gotReinclude, "expected a re-Include(2) event")
}

func TestTrackerDeepReorgS3(t *testing.T) {
	original := makeChain(5, "a")
	node := &fakeNode{headers: original}
	store := newFakeStore()
	tr := New[int]("t", node, store, cursor.NoopReporter{}, 5*time.Millisecond, 10)

	ch := tr.Subscribe(context.Background(), chain.InitialHeader, "main")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go tr.Run(ctx)

	// drain genesis plus the initial five includes
	for i := 0; i < 6; i++ {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for initial event %d", i)
		}
	}

	// reorg two blocks deep: heights 3 and 4 replaced by a fork off
	// height 2
	fork3 := chain.Header{Height: 3, HeaderID: chain.Digest("0xb03"), ParentID: original[2].HeaderID, Timestamp: 103}
	fork4 := chain.Header{Height: 4, HeaderID: chain.Digest("0xb04"), ParentID: fork3.HeaderID, Timestamp: 104}
	reorged := append(append([]chain.Header{}, original[:3]...), fork3, fork4)
	node.setHeaders(reorged)

	var events []chain.Event[int]
	for len(events) < 4 {
		select {
		case evt := <-ch:
			events = append(events, evt)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for reorg event %d", len(events))
		}
	}

	require.Equal(t, chain.EventRollback, events[0].Kind)
	assert.Equal(t, chain.Height(4), events[0].Rollback)
	require.Equal(t, chain.EventRollback, events[1].Kind)
	assert.Equal(t, chain.Height(3), events[1].Rollback)
	require.Equal(t, chain.EventInclude, events[2].Kind)
	assert.Equal(t, fork3.HeaderID, events[2].Included.HeaderID)
	require.Equal(t, chain.EventInclude, events[3].Kind)
	assert.Equal(t, fork4.HeaderID, events[3].Included.HeaderID)
}

func TestTrackerSubscribeAheadCapsToStoreHead(t *testing.T) {
	node := &fakeNode{headers: makeChain(1, "a")}
	store := newFakeStore()
	store.head = chain.Header{Height: 2, HeaderID: chain.Digest("0xc02")}
	tr := New[int]("t", node, store, nil, 0, 0)

	ahead := chain.Header{Height: 5, HeaderID: chain.Digest("0xdead")}
	tr.Subscribe(context.Background(), ahead, "lagging")

	require.Len(t, tr.cursors, 1)
	assert.Equal(t, chain.Height(2), tr.cursors[0].Header.Height)
}

func TestTrackerMergeCursorsAtSameHeader(t *testing.T) {
	node := &fakeNode{}
	store := newFakeStore()
	tr := New[int]("t", node, store, nil, 0, 0)

	h := chain.Header{Height: 1, HeaderID: chain.Digest("0xaa01")}
	chA := make(chan chain.Event[int], 1)
	chB := make(chan chain.Event[int], 1)
	tr.cursors = []*cursor.Cursor[int]{
		cursor.New[int]("a", h, cursor.NoopReporter{}, cursor.Subscriber[int]{Ch: chA, Done: make(chan struct{})}),
		cursor.New[int]("b", h, cursor.NoopReporter{}, cursor.Subscriber[int]{Ch: chB, Done: make(chan struct{})}),
	}

	tr.mergeCursors()

	require.Len(t, tr.cursors, 1)
	assert.Len(t, tr.cursors[0].Senders, 2)
}
