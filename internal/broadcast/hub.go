// Package broadcast pushes device snapshots to websocket subscribers.
package broadcast

import (
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/goodtune/restatus/internal/metrics"
	"github.com/goodtune/restatus/internal/presence"
)

const (
	MessageTypeDeviceStatus = "deviceStatus"

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

// Message is the frame pushed to subscribers.
type Message struct {
	Type      string            `json:"type"`
	Data      presence.Snapshot `json:"data"`
	Timestamp time.Time         `json:"timestamp"`
}

// Source hands out the current device table. WithSnapshot must not run fn
// concurrently with a broadcast, so a subscriber registered inside fn sees
// its initial snapshot and every later one in order.
type Source interface {
	WithSnapshot(fn func(presence.Snapshot))
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub keeps the set of open subscribers. A subscriber whose buffer is full
// or whose connection fails is dropped; there is no redelivery.
type Hub struct {
	source   Source
	upgrader websocket.Upgrader
	logger   zerolog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

// NewHub creates a hub. An empty allowedOrigins list or a "*" entry
// accepts any origin.
func NewHub(source Source, allowedOrigins []string, logger zerolog.Logger) *Hub {
	h := &Hub{
		source:   source,
		logger:   logger.With().Str("component", "broadcast").Logger(),
		clients:  make(map[*client]struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  4096,
		HandshakeTimeout: 10 * time.Second,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(r.Header.Get("Origin"), allowedOrigins)
		},
	}
	return h
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" || len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

func encode(snap presence.Snapshot) ([]byte, error) {
	return json.Marshal(Message{
		Type:      MessageTypeDeviceStatus,
		Data:      snap,
		Timestamp: time.Now().UTC(),
	})
}

// ServeHTTP upgrades the request and registers the subscriber. The current
// snapshot is queued before any later broadcast.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug().Err(err).Str("remote_addr", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}

	var (
		n      int
		closed bool
	)
	h.source.WithSnapshot(func(snap presence.Snapshot) {
		h.mu.Lock()
		defer h.mu.Unlock()

		if h.closed {
			closed = true
			return
		}
		h.clients[c] = struct{}{}
		n = len(h.clients)
		if data, err := encode(snap); err != nil {
			h.logger.Error().Err(err).Msg("Failed to encode initial snapshot")
		} else {
			c.send <- data
		}
	})
	if closed {
		_ = conn.Close()
		return
	}

	metrics.WebSocketClients.Set(float64(n))
	h.logger.Debug().Str("remote_addr", r.RemoteAddr).Int("clients", n).Msg("Subscriber connected")

	go h.writePump(c)
	go h.readPump(c)
}

// DeviceStatusChanged broadcasts a snapshot. It never blocks.
func (h *Hub) DeviceStatusChanged(snap presence.Snapshot) {
	data, err := encode(snap)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.removeLocked(c)
		}
	}
}

// removeLocked drops a subscriber. Closing send makes the write pump
// close the connection.
func (h *Hub) removeLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketClients.Set(float64(len(h.clients)))
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	h.removeLocked(c)
	h.mu.Unlock()
}

// Len returns the number of open subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// readPump discards inbound frames and removes the subscriber once the
// connection goes away.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug().Err(err).Msg("Subscriber closed unexpectedly")
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
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
				h.remove(c)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.remove(c)
				return
			}
		}
	}
}
