// Package events fans manager state transitions out to the UI and to
// external notification sinks. The websocket hub pushes every event to
// connected browser/IDE clients; the optional Redis sink republishes them on
// a pub/sub channel for out-of-process consumers.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cideldill/cideldill/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
	sendBuffer = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The control plane is CORS-open; the event stream matches.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Event is the envelope pushed to every sink.
type Event struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
	Payload   any     `json:"payload"`
}

// client is one connected websocket consumer. All writes go through the
// send channel and the writePump goroutine so ping and broadcast frames
// never race on the connection.
type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() {
		close(c.send)
	})
}

// Hub broadcasts debugger events to websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]struct{})}
}

// HandleWebSocket upgrades the request and streams events until the client
// disconnects.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	slog.Info("observer connected", "clients", count)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump drains (and ignores) inbound frames so pings/pongs and close
// handshakes work, then unregisters the client.
func (h *Hub) readPump(c *client) {
	defer h.drop(c)
	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

// Broadcast pushes an event to every connected client. Slow clients whose
// buffers are full are dropped rather than blocking the manager.
func (h *Hub) Broadcast(event *Event) {
	msg, err := json.Marshal(event)
	if err != nil {
		slog.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}

	h.mu.Lock()
	var stale []*client
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		delete(h.clients, c)
	}
	h.mu.Unlock()

	for _, c := range stale {
		slog.Warn("dropping slow observer client")
		c.close()
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Observer adapts the hub to the manager's observer signature.
func (h *Hub) Observer() func(event string, payload any) {
	return func(event string, payload any) {
		h.Broadcast(&Event{
			ID:        uuid.New().String(),
			Type:      event,
			Timestamp: storage.EpochSeconds(time.Now()),
			Payload:   payload,
		})
	}
}
