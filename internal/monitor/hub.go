package monitor

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gorilla/websocket"
)

// broadcastMessage is the envelope every pushed update carries.
type broadcastMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func (c *client) writeLoop(h *hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	for msg := range c.send {
		w, err := c.conn.NextWriter(websocket.TextMessage)
		if err != nil {
			return
		}
		w.Write(msg)
		w.Close()
	}
}

// hub fans broadcast messages out to connected websocket clients:
// register/unregister/broadcast channels drained by a single goroutine
// so the client set never needs external locking from callers.
type hub struct {
	mu         sync.Mutex
	clients    map[*client]bool
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
}

func newHub() *hub {
	return &hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *client),
		unregister: make(chan *client),
	}
}

func (h *hub) run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *hub) broadcastJSON(msg broadcastMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("[monitor] encoding broadcast: %v", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
	}
}
