package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/offline-sync/internal/engine"
	"github.com/onnwee/offline-sync/internal/logger"
	"github.com/onnwee/offline-sync/internal/metrics"
	"github.com/onnwee/offline-sync/internal/middleware"
	"github.com/onnwee/offline-sync/internal/notify"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Clients only send control frames
	maxMessageSize = 512

	sendBuffer = 64
)

// StatusSnapshot is the first message on every stream.
const StatusSnapshot notify.EventType = "status.snapshot"

type client struct {
	hub  *EventHub
	conn *websocket.Conn
	send chan []byte
	// greeting is queued by the hub as the client is admitted, ahead of any
	// broadcast the client will see.
	greeting func() []byte
}

// EventHub streams engine events to websocket clients. Slow clients are
// disconnected rather than allowed to back up the engine.
type EventHub struct {
	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	done       chan struct{}
	upgrader   websocket.Upgrader

	mu sync.RWMutex
}

// NewEventHub accepts browser connections from the given origins. Requests
// without an Origin header (CLI clients) are always accepted.
func NewEventHub(allowedOrigins []string) *EventHub {
	h := &EventHub{
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || middleware.IsOriginAllowed(origin, allowedOrigins)
		},
	}
	return h
}

// Run owns the client set until ctx is done.
func (h *EventHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				h.drop(c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			if c.greeting != nil {
				c.send <- c.greeting()
			}
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebsocketConnections.Inc()
			logger.Info("Event stream client connected", "total_clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				h.drop(c)
				logger.Info("Event stream client disconnected", "total_clients", len(h.clients))
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					metrics.WebsocketMessagesDropped.Inc()
					h.drop(c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// drop must be called with mu held.
func (h *EventHub) drop(c *client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebsocketConnections.Dec()
}

// Publish is a notify.Listener. It never blocks the publisher.
func (h *EventHub) Publish(ev notify.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		logger.Error("Failed to marshal event", "type", ev.Type, "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	default:
		metrics.WebsocketMessagesDropped.Inc()
	}
}

// Clients is the number of connected streams.
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("Event stream unexpected close", "error", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			// one event per frame so clients can decode each message independently
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// Events upgrades to a websocket that receives a status snapshot followed by
// every engine event.
// GET /api/events
func Events(h *EventHub, e *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written the HTTP error
			logger.WarnContext(r.Context(), "Failed to upgrade event stream", "error", err)
			return
		}

		c := &client{
			hub:  h,
			conn: conn,
			send: make(chan []byte, sendBuffer),
			greeting: func() []byte {
				snapshot, _ := json.Marshal(notify.Event{
					Type:    StatusSnapshot,
					At:      time.Now(),
					Payload: e.GetConnectionStatus(),
				})
				return snapshot
			},
		}

		select {
		case h.register <- c:
		case <-h.done:
			conn.Close()
			return
		}

		go c.writePump()
		go c.readPump()
	}
}
