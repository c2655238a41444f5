// Package realtime streams observability alerts to connected operators over
// WebSocket. It implements obs.Sink so the same Fanout.Fire call that logs
// an alert and posts it to a chat webhook also pushes it to anyone tailing
// the live stream — no polling /admin endpoints for on-call.
package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hustlexp/money-core/internal/metrics"
	"github.com/hustlexp/money-core/internal/money/obs"
)

// normalCloseCodes are WebSocket close codes that indicate an expected disconnect.
var normalCloseCodes = []int{
	websocket.CloseNormalClosure,
	websocket.CloseGoingAway,
	websocket.CloseNoStatusReceived,
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients (curl, an ops CLI) send no Origin
		}
		host := r.Host
		return origin == "http://"+host || origin == "https://"+host
	},
}

// Subscription filters which alerts a client receives. The zero value
// (MinSeverity empty, Codes nil) receives everything.
type Subscription struct {
	MinSeverity obs.Severity `json:"minSeverity"`
	Codes       []string     `json:"codes"` // only these alert codes, if non-empty
}

var severityRank = map[obs.Severity]int{
	obs.SeverityInfo:     0,
	obs.SeverityWarning:  1,
	obs.SeverityCritical: 2,
}

// Client represents one connected operator's WebSocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	mu   sync.RWMutex
	sub  Subscription
}

// MaxClients is the maximum number of concurrent WebSocket connections.
const MaxClients = 1000

// Hub fans obs.Alert values out to every connected operator whose
// Subscription matches. It satisfies obs.Sink, so server.New registers it
// in the same sink list as the log and webhook sinks.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan obs.Alert
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	logger     *slog.Logger
	done       chan struct{} // closed when Run exits; prevents upgrade race
	maxClients int

	totalAlerts  atomic.Int64
	totalClients atomic.Int64
	peakClients  atomic.Int64
}

// NewHub creates an alert-streaming Hub. Call Run in a goroutine before
// wiring it into obs.NewFanout, and mount HandleWebSocket behind an
// operator-only route.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan obs.Alert, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		logger:     logger,
		done:       make(chan struct{}),
		maxClients: MaxClients,
	}
}

// Send implements obs.Sink: it enqueues the alert for broadcast and never
// blocks the caller, matching the fire-and-forget contract every other sink
// in the fanout follows.
func (h *Hub) Send(_ context.Context, alert obs.Alert) error {
	select {
	case h.broadcast <- alert:
	default:
		h.logger.Warn("realtime: broadcast channel full, dropping alert", "code", alert.Code)
	}
	return nil
}

// Run starts the hub's main loop. It blocks until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("realtime alert hub started")
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("realtime alert hub shutting down, closing client connections")
			h.mu.Lock()
			for client := range h.clients {
				close(client.send) // writePump sends CloseMessage on closed channel
				delete(h.clients, client)
			}
			h.mu.Unlock()
			metrics.ActiveAlertStreamClients.Set(0)
			h.logger.Info("realtime alert hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.totalClients.Add(1)
			if current := int64(len(h.clients)); current > h.peakClients.Load() {
				h.peakClients.Store(current)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveAlertStreamClients.Set(float64(n))
			h.logger.Info("alert stream client connected", "total", n)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.ActiveAlertStreamClients.Set(float64(n))
			h.logger.Info("alert stream client disconnected", "total", n)

		case alert := <-h.broadcast:
			h.totalAlerts.Add(1)
			h.mu.RLock()
			var slow []*Client
			for client := range h.clients {
				if h.shouldSend(client, alert) {
					select {
					case client.send <- serialize(alert):
					default:
						slow = append(slow, client)
					}
				}
			}
			h.mu.RUnlock()
			if len(slow) > 0 {
				h.mu.Lock()
				for _, client := range slow {
					if _, ok := h.clients[client]; ok {
						close(client.send)
						delete(h.clients, client)
					}
				}
				h.mu.Unlock()
			}
		}
	}
}

// shouldSend checks whether alert matches client's subscription.
func (h *Hub) shouldSend(client *Client, alert obs.Alert) bool {
	client.mu.RLock()
	sub := client.sub
	client.mu.RUnlock()

	if sub.MinSeverity != "" && severityRank[alert.Severity] < severityRank[sub.MinSeverity] {
		return false
	}
	if len(sub.Codes) > 0 {
		matched := false
		for _, code := range sub.Codes {
			if code == alert.Code {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func serialize(alert obs.Alert) []byte {
	data, _ := json.Marshal(alert)
	return data
}

// Stats returns hub connection/throughput counters for an operator dashboard.
func (h *Hub) Stats() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return map[string]any{
		"connectedClients": len(h.clients),
		"totalAlerts":      h.totalAlerts.Load(),
		"totalClients":     h.totalClients.Load(),
		"peakClients":      h.peakClients.Load(),
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket alert stream.
// Callers mount this behind their own admin-secret check — it performs no
// authentication of its own.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.done:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	h.mu.RLock()
	n := len(h.clients)
	h.mu.RUnlock()
	if n >= h.maxClients {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 256),
		sub:  Subscription{}, // zero value: all severities, all codes
	}

	h.register <- client

	go client.writePump()
	go client.readPump()
}

// readPump reads subscription updates and pings from the WebSocket.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(512 * 1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, normalCloseCodes...) {
				c.hub.logger.Warn("websocket read error", "error", err)
			}
			break
		}

		var sub Subscription
		if err := json.Unmarshal(message, &sub); err == nil {
			c.mu.Lock()
			c.sub = sub
			c.mu.Unlock()
		}
	}
}

// writePump writes queued alerts and keepalive pings to the WebSocket.
func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.hub.logger.Warn("websocket write error", "error", err)
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.hub.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}
