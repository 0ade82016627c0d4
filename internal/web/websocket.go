package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxReadSize    = 512
	subscriberSize = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is one bus event as sent to websocket clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// subscriber is one websocket client. An empty types set receives every
// event.
type subscriber struct {
	conn  *websocket.Conn
	send  chan []byte
	types map[string]bool
}

func newSubscriber(conn *websocket.Conn, types map[string]bool) *subscriber {
	return &subscriber{conn: conn, send: make(chan []byte, subscriberSize), types: types}
}

func (c *subscriber) wants(eventType string) bool {
	return len(c.types) == 0 || c.types[eventType]
}

// parseTypes reads a comma separated ?types= filter.
func parseTypes(raw string) map[string]bool {
	types := make(map[string]bool)
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[t] = true
		}
	}
	return types
}

type Hub struct {
	subscribers map[*subscriber]struct{}
	broadcast   chan Event
	mu          sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[*subscriber]struct{}),
		broadcast:   make(chan Event, 256),
	}
}

// Run fans events out to subscriber queues. A subscriber whose queue is
// full is disconnected.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-h.broadcast:
			data, err := json.Marshal(event)
			if err != nil {
				slog.Warn("websocket event not serializable", "type", event.Type, "error", err)
				continue
			}

			h.mu.Lock()
			for c := range h.subscribers {
				if !c.wants(event.Type) {
					continue
				}
				select {
				case c.send <- data:
				default:
					slog.Warn("websocket client too slow, disconnecting")
					delete(h.subscribers, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected websocket clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

func (h *Hub) Broadcast(event Event) {
	select {
	case h.broadcast <- event:
	default:
		slog.Warn("websocket broadcast channel full, dropping event")
	}
}

func (h *Hub) Register(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[c] = struct{}{}
}

// Unregister removes c and closes its queue, unless Run already did.
func (h *Hub) Unregister(c *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[c]; ok {
		delete(h.subscribers, c)
		close(c.send)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	c := newSubscriber(conn, parseTypes(r.URL.Query().Get("types")))
	s.hub.Register(c)
	go c.writePump()

	defer func() {
		s.hub.Unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(maxReadSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Clients only listen; reading handles pongs and detects disconnects
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump delivers queued events and keeps the connection alive with
// pings. It exits when the queue is closed or a write fails.
func (c *subscriber) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
