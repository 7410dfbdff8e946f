package ws

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"legalaid-chat/internal/models"
	"legalaid-chat/internal/observability"
)

const (
	writeWait  = 5 * time.Second
	sendBuffer = 64
)

type client struct {
	conn *websocket.Conn
	info ConnInfo
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans coordinator notifications out to UI sockets.
type Hub struct {
	clients map[*client]struct{}
	mu      sync.RWMutex
	log     *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients: make(map[*client]struct{}),
		log:     log.With(zap.String("component", "ws.hub")),
	}
}

// AddClient registers a UI socket and starts its writer.
func (h *Hub) AddClient(conn *websocket.Conn, info ConnInfo) *client {
	c := &client{conn: conn, info: info, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	observability.IncUIClients()
	if conn != nil {
		go h.writeLoop(c)
	}
	return c
}

// RemoveClient unregisters a UI socket. It is safe to call more than once.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	observability.DecUIClients()
}

// Count returns the number of connected UI sockets.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify broadcasts n without blocking. A client whose buffer is full is
// dropped; the UI reconnects and re-reads state.
func (h *Hub) Notify(n models.Notification) {
	payload, err := jsonNotification(n)
	if err != nil {
		return
	}
	h.mu.RLock()
	var slow []*client
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		h.log.Warn("dropping slow ui client", zap.String("conn_id", c.info.ConnID))
		h.RemoveClient(c)
	}
}

// sendTo queues payload for one client if it is still registered.
func (h *Hub) sendTo(c *client, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return false
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for payload := range c.send {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Warn("websocket write error", append(c.info.fields(),
				zap.Duration("connected_for", time.Since(c.info.ConnectedAt)),
				zap.Error(err),
			)...)
			h.RemoveClient(c)
			return
		}
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
}

func jsonNotification(n models.Notification) ([]byte, error) {
	return json.Marshal(n)
}
