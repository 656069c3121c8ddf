package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeQuery struct{ AddressID string }
type fakeResponse struct{ Balance int64 }

func TestQuerySenderRoundTrip(t *testing.T) {
	handlerCh := make(chan QueryWrapper[fakeQuery, fakeResponse], 1)
	sender := NewQuerySender[fakeQuery, fakeResponse](handlerCh)

	respCh := sender.Send(context.Background(), fakeQuery{AddressID: "addr1"})

	wrapper := <-handlerCh
	assert.Equal(t, "addr1", wrapper.Query.AddressID)
	wrapper.ResponseCh <- fakeResponse{Balance: 42}

	select {
	case r := <-respCh:
		assert.Equal(t, int64(42), r.Balance)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for response")
	}
}

func TestQuerySenderRespectsContextCancellation(t *testing.T) {
	handlerCh := make(chan QueryWrapper[fakeQuery, fakeResponse]) // unbuffered, no reader
	sender := NewQuerySender[fakeQuery, fakeResponse](handlerCh)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	respCh := sender.Send(ctx, fakeQuery{AddressID: "addr2"})
	_, ok := <-respCh
	require.False(t, ok, "response channel should be closed when the send couldn't be delivered")
}

func TestPlaceholderQuerySenderIsInert(t *testing.T) {
	sender := PlaceholderQuerySender[fakeQuery, fakeResponse]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	respCh := sender.Send(ctx, fakeQuery{AddressID: "addr3"})
	_, ok := <-respCh
	assert.False(t, ok, "placeholder sender has no reader, so the send times out via ctx and closes the response channel")
}
