// Package nodeclient implements tracker.NodeClient against the node's
// HTTP/JSON API: round-robin selection across one or more node base
// URLs with per-node temporary disabling, a token-bucket rate limiter,
// and exponential-backoff retry on transient failures.
package nodeclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/tracker"
)

// Client is a round-robin HTTP client over one or more node base URLs.
type Client struct {
	httpClient    *http.Client
	bases         []string
	disabledUntil []int64
	limiter       *rate.Limiter
	rr            uint32
}

// New constructs a Client. rps <= 0 disables rate limiting.
func New(bases []string, rps float64, burst int, httpClient *http.Client) (*Client, error) {
	if len(bases) == 0 {
		return nil, fmt.Errorf("nodeclient: at least one node URL is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	var limiter *rate.Limiter
	if rps > 0 {
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
	trimmed := make([]string, len(bases))
	for i, b := range bases {
		trimmed[i] = strings.TrimRight(b, "/")
	}
	return &Client{
		httpClient:    httpClient,
		bases:         trimmed,
		disabledUntil: make([]int64, len(trimmed)),
		limiter:       limiter,
	}, nil
}

func (c *Client) pickBase() (int, string) {
	if len(c.bases) == 1 {
		return 0, c.bases[0]
	}
	start := int(atomic.AddUint32(&c.rr, 1) % uint32(len(c.bases)))
	now := time.Now().UnixNano()
	for i := 0; i < len(c.bases); i++ {
		idx := (start + i) % len(c.bases)
		if atomic.LoadInt64(&c.disabledUntil[idx]) <= now {
			return idx, c.bases[idx]
		}
	}
	return start, c.bases[start]
}

func (c *Client) disableFor(idx int, d time.Duration) {
	if idx < 0 || idx >= len(c.disabledUntil) {
		return
	}
	atomic.StoreInt64(&c.disabledUntil[idx], time.Now().Add(d).UnixNano())
}

// getBody issues a GET against a rotating node, retrying transient
// failures (timeouts, 5xx) with exponential backoff, and returns the
// response body verbatim.
func (c *Client) getBody(ctx context.Context, path string) ([]byte, error) {
	const maxRetries = 5
	backoff := 250 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}

		idx, base := c.pickBase()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.disableFor(idx, 30*time.Second)
			if !waitBackoff(ctx, &backoff) {
				return nil, ctx.Err()
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			if !waitBackoff(ctx, &backoff) {
				return nil, ctx.Err()
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			return body, nil
		case resp.StatusCode >= 500:
			lastErr = fmt.Errorf("node %s returned %d for %s", base, resp.StatusCode, path)
			c.disableFor(idx, 10*time.Second)
			if attempt == maxRetries-1 {
				return nil, lastErr
			}
			if !waitBackoff(ctx, &backoff) {
				return nil, ctx.Err()
			}
		default:
			return nil, fmt.Errorf("node %s returned %d for %s: %s", base, resp.StatusCode, path, string(body))
		}
	}
	return nil, fmt.Errorf("nodeclient: max retries exceeded: %w", lastErr)
}

func waitBackoff(ctx context.Context, backoff *time.Duration) bool {
	select {
	case <-time.After(*backoff):
		*backoff *= 2
		if *backoff > 30*time.Second {
			*backoff = 30 * time.Second
		}
		return true
	case <-ctx.Done():
		return false
	}
}

// headerDTO is the wire shape of a header returned by chainSlice and
// the block endpoints.
type headerDTO struct {
	Height    chain.Height `json:"height"`
	ID        string       `json:"id"`
	ParentID  string       `json:"parentId"`
	Timestamp int64        `json:"timestamp"`
}

func (h headerDTO) toChainHeader() (chain.Header, error) {
	id, err := chain.ParseDigest(h.ID)
	if err != nil {
		return chain.Header{}, err
	}
	parent, err := chain.ParseDigest(h.ParentID)
	if err != nil {
		return chain.Header{}, err
	}
	return chain.Header{Height: h.Height, HeaderID: id, ParentID: parent, Timestamp: h.Timestamp}, nil
}

// ChainSlice implements tracker.NodeClient.
func (c *Client) ChainSlice(ctx context.Context, from, to chain.Height) ([]chain.Header, error) {
	q := url.Values{}
	q.Set("fromHeight", strconv.Itoa(int(from)))
	q.Set("toHeight", strconv.Itoa(int(to)))
	body, err := c.getBody(ctx, "/blocks/chainSlice?"+q.Encode())
	if err != nil {
		return nil, err
	}
	var dtos []headerDTO
	if err := json.Unmarshal(body, &dtos); err != nil {
		return nil, fmt.Errorf("nodeclient: decoding chain slice: %w", err)
	}
	headers := make([]chain.Header, len(dtos))
	for i, d := range dtos {
		h, err := d.toChainHeader()
		if err != nil {
			return nil, fmt.Errorf("nodeclient: chain slice entry %d: %w", i, err)
		}
		headers[i] = h
	}
	return headers, nil
}

// Block implements tracker.NodeClient, returning the full block body
// verbatim so the core store can parse it into domain data.
func (c *Client) Block(ctx context.Context, id chain.Digest) (tracker.RawBlock, error) {
	body, err := c.getBody(ctx, "/blocks/"+string(id))
	if err != nil {
		return nil, err
	}
	return tracker.RawBlock(body), nil
}

// GenesisUTXOs implements tracker.NodeClient.
func (c *Client) GenesisUTXOs(ctx context.Context) ([]byte, error) {
	return c.getBody(ctx, "/utxo/genesis")
}

// InfoResponse is the shape of GET /info.
type InfoResponse struct {
	FullHeight chain.Height `json:"fullHeight"`
}

// Info fetches the node's current chain height, used by the monitor
// and by operator tooling to report sync lag.
func (c *Client) Info(ctx context.Context) (InfoResponse, error) {
	body, err := c.getBody(ctx, "/info")
	if err != nil {
		return InfoResponse{}, err
	}
	var info InfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return InfoResponse{}, fmt.Errorf("nodeclient: decoding /info: %w", err)
	}
	return info, nil
}
