// Package ledger — WebSocket hub for real-time NAV tick broadcasting.
package ledger

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// NavTick is a JSON message sent to WebSocket clients whenever the pool
// mutates. Consumers (hedging services, dashboards) subscribe here instead
// of polling the summary endpoint.
type NavTick struct {
	Type        string    `json:"type"` // "deposit", "withdrawal", "rebalance"
	SharePrice  string    `json:"share_price"`
	TotalNav    string    `json:"total_nav"`
	TotalShares string    `json:"total_shares"`
	At          time.Time `json:"at"`
}

// wsClient pairs a connection with its outbound queue. writePump is the
// connection's only writer; every message, pings included, goes through it.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// NavHub manages WebSocket connections and broadcasts NAV ticks to all
// connected clients. The client set is owned by the Run loop alone, so no
// lock guards it.
type NavHub struct {
	clients    map[*wsClient]bool
	broadcast  chan []byte
	register   chan *wsClient
	unregister chan *wsClient
}

// NewNavHub creates a new WebSocket hub.
func NewNavHub() *NavHub {
	return &NavHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *NavHub) Run() {
	for {
		select {
		case c := <-h.register:
			h.clients[c] = true
			slog.Info("ws client connected", "total", len(h.clients))

		case c := <-h.unregister:
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}

		case msg := <-h.broadcast:
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					// Client too slow to drain its queue; drop it.
					delete(h.clients, c)
					close(c.send)
				}
			}
		}
	}
}

// Broadcast sends a tick to all connected clients.
func (h *NavHub) Broadcast(tick NavTick) {
	data, err := json.Marshal(tick)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking ledger mutations.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *NavHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	c := &wsClient{conn: conn, send: make(chan []byte, 16)}
	h.register <- c

	go c.writePump()
	go c.readPump(h)
}

// readPump keeps the connection alive and detects disconnects.
func (c *wsClient) readPump(h *NavHub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
}

// writePump drains the send queue and pings through proxies. Exits when
// the hub closes the queue, which also closes the connection and unblocks
// readPump.
func (c *wsClient) writePump() {
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
