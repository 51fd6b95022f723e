package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/cinestream/backend/internal/apierr"
	"github.com/onnwee/cinestream/backend/internal/debounce"
	"github.com/onnwee/cinestream/backend/internal/logger"
	"github.com/onnwee/cinestream/backend/internal/metrics"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = 30 * time.Second

	// Maximum message size allowed from peer
	maxMessageSize = 512

	sendBuffer = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS middleware handles origin policy
		return true
	},
}

// WebSocketMessage is the envelope for every message sent to clients.
type WebSocketMessage struct {
	Type    string      `json:"type"` // "active_users"
	Payload interface{} `json:"payload"`
}

// ActiveUsersPayload carries the number of connected clients.
type ActiveUsersPayload struct {
	Count int `json:"count"`
}

// clientMessage is what clients may send. Only frame reports are acted on.
type clientMessage struct {
	Type string  `json:"type"` // "frames"
	FPS  float64 `json:"fps"`
}

// Client is one websocket connection.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

// Hub tracks connected clients and broadcasts the active user count. Bursts
// of joins and leaves are coalesced into one announcement.
type Hub struct {
	clients map[*Client]struct{}
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte

	announce *debounce.Debouncer
	frames   FrameReporter // may be nil
	log      *slog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithFrameReports lets clients report their frame rate over the socket.
func WithFrameReports(f FrameReporter) HubOption { return func(h *Hub) { h.frames = f } }

// WithHubScheduler replaces the timers behind the announcement debounce.
func WithHubScheduler(delay time.Duration, s debounce.Scheduler) HubOption {
	return func(h *Hub) { h.announce = h.newAnnouncer(delay, s) }
}

// NewHub creates a presence hub. delay is the quiet period before a
// presence change is announced; the first change of a burst goes out at once.
func NewHub(delay time.Duration, opts ...HubOption) *Hub {
	h := &Hub{
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 64),
		log:        logger.WithComponent("presence"),
		stop:       make(chan struct{}),
	}
	h.announce = h.newAnnouncer(delay, nil)
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Hub) newAnnouncer(delay time.Duration, s debounce.Scheduler) *debounce.Debouncer {
	return debounce.New(debounce.Policy{Delay: delay, Leading: true, Trailing: true}, h.announceCount, s)
}

// ActiveUsers returns the number of connected clients.
func (h *Hub) ActiveUsers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) announceCount() {
	data, err := json.Marshal(WebSocketMessage{
		Type:    "active_users",
		Payload: ActiveUsersPayload{Count: h.ActiveUsers()},
	})
	if err != nil {
		h.log.Error("failed to marshal presence message", "error", err)
		return
	}
	select {
	case h.broadcast <- data:
	case <-h.stop:
	default:
		h.log.Warn("presence broadcast queue full, dropping announcement")
	}
}

// Run processes registrations and broadcasts until ctx is done or Stop is called.
func (h *Hub) Run(ctx context.Context) {
	defer h.closeAll()
	for {
		select {
		case <-ctx.Done():
			return

		case <-h.stop:
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketConnections.Inc()
			h.log.Debug("websocket client connected", "total_clients", total)
			h.announce.Trigger()

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				h.removeLocked(client)
			}
			total := len(h.clients)
			h.mu.Unlock()
			if ok {
				h.log.Debug("websocket client disconnected", "total_clients", total)
				h.announce.Trigger()
			}

		case message := <-h.broadcast:
			h.mu.Lock()
			sent := 0
			dropped := false
			for client := range h.clients {
				select {
				case client.send <- message:
					sent++
				default:
					// Client's send buffer is full, close the connection
					h.removeLocked(client)
					dropped = true
				}
			}
			h.mu.Unlock()
			metrics.WebSocketMessagesSent.Add(float64(sent))
			if dropped {
				h.announce.Trigger()
			}
		}
	}
}

func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c)
	close(c.send)
	metrics.WebSocketConnections.Dec()
}

func (h *Hub) closeAll() {
	h.Stop()
	h.announce.Stop()
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.removeLocked(c)
	}
}

// Stop ends Run and disconnects every client. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// ServeWS upgrades the connection and registers the client.
// GET /ws
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	select {
	case <-h.stop:
		apierr.WriteErrorWithContext(w, r, apierr.SystemUnavailable("Server is shutting down"))
		return
	default:
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		logger.WarnContext(r.Context(), "failed to upgrade to websocket", "error", err)
		return
	}

	client := &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- client:
	case <-h.stop:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump drains the connection so control frames are processed, and
// forwards frame-rate reports.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.stop:
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
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Warn("websocket unexpected close", "error", err)
			}
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}
		if msg.Type == "frames" && c.hub.frames != nil && msg.FPS <= 1000 {
			c.hub.frames.Record(msg.FPS)
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
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
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
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
