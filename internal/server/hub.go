package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one websocket broadcast frame.
type Event struct {
	Type      string `json:"type"`
	Text      string `json:"text,omitempty"`
	ImagePath string `json:"image_path,omitempty"`
	PageCount int    `json:"page_count,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

const writeTimeout = 5 * time.Second

// Hub fans events out to connected websocket clients. Slow or dead
// clients are dropped rather than allowed to stall a broadcast.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

// Handle upgrades the request and parks the connection until the peer
// closes it.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("websocket accept failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	slog.Info("websocket client connected", "clients", n)

	// Drain until the client goes away. Inbound frames are ignored.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}

	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close(websocket.StatusNormalClosure, "")
	slog.Info("websocket client disconnected")
}

// Broadcast sends the event to every connected client.
func (h *Hub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "type", ev.Type, "error", err)
		return
	}

	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			h.mu.Lock()
			delete(h.clients, c)
			h.mu.Unlock()
			c.Close(websocket.StatusPolicyViolation, "write failed")
		}
		cancel()
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.clients = make(map[*websocket.Conn]struct{})
	h.mu.Unlock()

	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutdown")
	}
}
