package telemetry

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/relabs-tech/fieldnav/internal/logging"
)

const (
	hubSendBuffer   = 16
	hubWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // dashboard is served from the robot itself
	},
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub relays messages to every connected websocket client. It is both an
// http.Handler (mount it at /ws/telemetry) and a Sink.
//
// A client that cannot keep up loses messages instead of stalling the
// publisher.
type Hub struct {
	log *zap.SugaredLogger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

// NewHub returns an empty hub.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{log: logger, clients: make(map[*hubClient]struct{})}
}

// ServeHTTP upgrades the request and keeps the client registered until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("telemetry: websocket upgrade error: %v", err)
		return
	}
	c := &hubClient{conn: conn, send: make(chan []byte, hubSendBuffer)}
	h.add(c)
	h.log.Debugf("telemetry: websocket client %s connected (%d clients)", r.RemoteAddr, h.Clients())

	go h.writeLoop(c)

	// Clients never send anything useful; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
	conn.Close()
	h.log.Debugf("telemetry: websocket client %s disconnected", r.RemoteAddr)
}

func (h *Hub) writeLoop(c *hubClient) {
	for msg := range c.send {
		if err := c.conn.SetWriteDeadline(time.Now().Add(hubWriteTimeout)); err != nil {
			h.log.Debugf("telemetry: websocket deadline error: %v", err)
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.log.Debugf("telemetry: websocket write error: %v", err)
			c.conn.Close()
			return
		}
	}
}

func (h *Hub) add(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
}

func (h *Hub) remove(c *hubClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Broadcast queues payload for every client.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- payload:
		default:
		}
	}
}

// Publish implements Sink.
func (h *Hub) Publish(frame Frame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("json marshal: %w", err)
	}
	h.Broadcast(payload)
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
	return nil
}
