// Package monitor collects lifecycle reports from every cursor in the
// engine (tracker and per-worker emitters alike) and exposes them over
// a /status endpoint and a live /ws/status feed.
package monitor

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/chainwatch/ew/internal/chain"
	"github.com/chainwatch/ew/internal/cursor"
)

var _ cursor.StatusReporter = (*Monitor)(nil)

// CursorStatus is the last-known state of one cursor, keyed by its id
// in Monitor.cursors.
type CursorStatus struct {
	Name          string       `json:"name"`
	Height        chain.Height `json:"height"`
	RollbackCount int          `json:"rollbackCount"`
	Dropped       bool         `json:"dropped"`
	UpdatedAt     time.Time    `json:"updatedAt"`
}

// Monitor implements cursor.StatusReporter, aggregating reports from
// every cursor created across the engine into one status view, then
// fanning out each change to connected websocket clients.
type Monitor struct {
	mu      sync.Mutex
	cursors map[string]*CursorStatus

	hub *hub
}

// New creates an empty Monitor and starts its broadcast hub.
func New() *Monitor {
	m := &Monitor{
		cursors: make(map[string]*CursorStatus),
		hub:     newHub(),
	}
	go m.hub.run()
	return m
}

func (m *Monitor) ReportCursor(name string, height chain.Height) {
	m.mu.Lock()
	cs, ok := m.cursors[name]
	if !ok {
		cs = &CursorStatus{Name: name}
		m.cursors[name] = cs
	}
	cs.Height = height
	cs.Dropped = false
	cs.UpdatedAt = timestampNow()
	snapshot := *cs
	m.mu.Unlock()

	m.hub.broadcastJSON(broadcastMessage{Type: "cursor", Payload: snapshot})
}

func (m *Monitor) ReportRollback(name string, height chain.Height) {
	m.mu.Lock()
	cs, ok := m.cursors[name]
	if !ok {
		cs = &CursorStatus{Name: name}
		m.cursors[name] = cs
	}
	cs.RollbackCount++
	cs.UpdatedAt = timestampNow()
	snapshot := *cs
	m.mu.Unlock()

	m.hub.broadcastJSON(broadcastMessage{Type: "rollback", Payload: snapshot})
}

func (m *Monitor) ReportCursorDropped(name string) {
	m.mu.Lock()
	cs, ok := m.cursors[name]
	if ok {
		cs.Dropped = true
		cs.UpdatedAt = timestampNow()
	}
	m.mu.Unlock()

	if ok {
		m.hub.broadcastJSON(broadcastMessage{Type: "dropped", Payload: name})
	}
}

// Snapshot returns a stable copy of every cursor's current status.
func (m *Monitor) Snapshot() []CursorStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CursorStatus, 0, len(m.cursors))
	for _, cs := range m.cursors {
		out = append(out, *cs)
	}
	return out
}

// RegisterRoutes wires /status and /ws/status onto r.
func (m *Monitor) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/status", m.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/ws/status", m.handleStatusWebSocket)
}

func (m *Monitor) handleStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	for _, cs := range m.Snapshot() {
		fmt.Fprintf(w, "%s %d\n", cs.Name, cs.Height)
	}
}

var upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func (m *Monitor) handleStatusWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &client{conn: conn, send: make(chan []byte, 256)}
	m.hub.register <- client

	go client.writeLoop(m.hub)

	if data, err := json.Marshal(broadcastMessage{Type: "snapshot", Payload: m.Snapshot()}); err == nil {
		client.send <- data
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	m.hub.unregister <- client
}

// timestampNow exists so it is the single seam a test could replace;
// production code always calls time.Now directly through it.
func timestampNow() time.Time { return time.Now() }
