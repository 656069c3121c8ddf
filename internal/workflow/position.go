package workflow

import (
	"sync"

	"github.com/chainwatch/ew/internal/chain"
)

// Position holds a workflow's current header. The worker goroutine
// advances it after each committed include/rollback; the supervisor's
// checkpoint loop reads it concurrently, so access is guarded.
type Position struct {
	mu sync.RWMutex
	h  chain.Header
}

// NewPosition creates a Position at h.
func NewPosition(h chain.Header) *Position {
	return &Position{h: h}
}

// Get returns the current header.
func (p *Position) Get() chain.Header {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.h
}

// Set records a new current header.
func (p *Position) Set(h chain.Header) {
	p.mu.Lock()
	p.h = h
	p.mu.Unlock()
}
