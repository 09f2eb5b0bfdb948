package notify

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/luxfi/margin/pkg/margin"
)

// HubConfig holds websocket hub settings.
type HubConfig struct {
	SendQueue    int
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingPeriod   time.Duration
}

// DefaultHubConfig returns the default hub settings.
func DefaultHubConfig() HubConfig {
	return HubConfig{
		SendQueue:    256,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingPeriod:   54 * time.Second, // must be less than PongTimeout
	}
}

// Hub streams encoded events to websocket clients. Each client has a
// bounded queue; events for a client whose queue is full are dropped.
type Hub struct {
	config   HubConfig
	logger   log.Logger
	upgrader websocket.Upgrader

	clients map[*client]struct{}
	mu      sync.RWMutex

	seq     uint64
	sent    uint64
	dropped uint64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

// NewHub creates a hub with no clients.
func NewHub(config HubConfig, logger log.Logger) *Hub {
	defaults := DefaultHubConfig()
	if config.SendQueue <= 0 {
		config.SendQueue = defaults.SendQueue
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = defaults.PongTimeout
	}
	if config.PingPeriod <= 0 || config.PingPeriod >= config.PongTimeout {
		config.PingPeriod = config.PongTimeout * 9 / 10
	}
	if logger == nil {
		logger = log.Root().New("module", "websocket")
	}
	return &Hub{
		config: config,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Emit queues ev for every connected client.
func (h *Hub) Emit(ev margin.Event) {
	data, err := margin.EncodeEvent(atomic.AddUint64(&h.seq, 1), ev)
	if err != nil {
		h.logger.Warn("Failed to encode event", "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			atomic.AddUint64(&h.dropped, 1)
		}
	}
}

// ServeHTTP upgrades the request and registers the connection.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, h.config.SendQueue)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	total := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("Client connected", "remote", r.RemoteAddr, "total", total)

	go h.writePump(c)
	go h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	if ok {
		c.once.Do(func() { close(c.send) })
	}
}

// readPump discards client input and unregisters on disconnect.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(h.config.PongTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("WebSocket read error", "error", err)
			}
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(h.config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			atomic.AddUint64(&h.sent, 1)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(h.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Stats returns the number of messages sent and dropped.
func (h *Hub) Stats() (sent, dropped uint64) {
	return atomic.LoadUint64(&h.sent), atomic.LoadUint64(&h.dropped)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]struct{})
	h.mu.Unlock()

	for c := range clients {
		c.once.Do(func() { close(c.send) })
	}
	h.logger.Info("WebSocket hub closed", "clients", len(clients))
}
