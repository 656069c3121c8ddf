package nodeclient

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chainwatch/ew/internal/chain"
)

func hexID(b byte) string {
	return fmt.Sprintf("0x%064x", b)
}

func TestClientChainSliceDecodesHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blocks/chainSlice", r.URL.Path)
		assert.Equal(t, "0", r.URL.Query().Get("fromHeight"))
		assert.Equal(t, "10", r.URL.Query().Get("toHeight"))
		fmt.Fprintf(w, `[{"height":1,"id":"%s","parentId":"%s","timestamp":1000}]`, hexID(1), hexID(0))
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, 0, 0, nil)
	require.NoError(t, err)

	headers, err := c.ChainSlice(t.Context(), 0, 10)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, chain.Height(1), headers[0].Height)
	assert.Equal(t, chain.Digest(hexID(1)), headers[0].HeaderID)
	assert.Equal(t, chain.Digest(hexID(0)), headers[0].ParentID)
}

func TestClientBlockReturnsRawBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/blocks/"+hexID(7), r.URL.Path)
		fmt.Fprint(w, `{"raw":"body"}`)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, 0, 0, nil)
	require.NoError(t, err)

	raw, err := c.Block(t.Context(), chain.Digest(hexID(7)))
	require.NoError(t, err)
	assert.JSONEq(t, `{"raw":"body"}`, string(raw))
}

func TestClientGenesisUTXOsReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/utxo/genesis", r.URL.Path)
		fmt.Fprint(w, `[{"boxId":"1"}]`)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, 0, 0, nil)
	require.NoError(t, err)

	raw, err := c.GenesisUTXOs(t.Context())
	require.NoError(t, err)
	assert.JSONEq(t, `[{"boxId":"1"}]`, string(raw))
}

func TestClientRetriesTransient5xxThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"fullHeight":42}`)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, 0, 0, &http.Client{Timeout: time.Second})
	require.NoError(t, err)

	info, err := c.Info(t.Context())
	require.NoError(t, err)
	assert.Equal(t, chain.Height(42), info.FullHeight)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestClientNonRetryable4xxReturnsImmediately(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c, err := New([]string{srv.URL}, 0, 0, nil)
	require.NoError(t, err)

	_, err = c.GenesisUTXOs(t.Context())
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestClientRoundRobinsAcrossMultipleNodes(t *testing.T) {
	var hits [2]int32
	srv0 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits[0], 1)
		fmt.Fprint(w, `[]`)
	}))
	defer srv0.Close()
	srv1 := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits[1], 1)
		fmt.Fprint(w, `[]`)
	}))
	defer srv1.Close()

	c, err := New([]string{srv0.URL, srv1.URL}, 0, 0, nil)
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err := c.ChainSlice(t.Context(), 0, 1)
		require.NoError(t, err)
	}

	assert.Greater(t, atomic.LoadInt32(&hits[0]), int32(0))
	assert.Greater(t, atomic.LoadInt32(&hits[1]), int32(0))
}

func TestNewRejectsEmptyNodeList(t *testing.T) {
	_, err := New(nil, 0, 0, nil)
	assert.Error(t, err)
}
