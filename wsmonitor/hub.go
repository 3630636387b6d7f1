package wsmonitor

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ivrkit/pbxline/internal/events"
)

// Hub upgrades incoming HTTP connections to websockets and broadcasts
// every event published on its bus to all currently connected clients.
// It never blocks a publisher: Run consumes the bus with a buffered
// subscription and a full client buffer only drops that one client's
// copy of the message (see client.deliver).
type Hub struct {
	bus      *events.Bus
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
}

// NewHub creates a Hub that will broadcast events from bus once Run is
// started. A nil logger is replaced with [slog.Default].
func NewHub(bus *events.Bus, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		bus:     bus,
		logger:  logger,
		clients: make(map[*client]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Dashboards are trusted operator tooling on a private
			// network; the monitor does not serve browser-facing pages
			// from a third-party origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the request to a websocket, registers the new
// client, sends a hello message, and runs its read/write pumps until
// the connection closes.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("wsmonitor upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	c := newClient(h, conn, h.logger)
	h.register(c)
	c.deliver(helloMessage())

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}
	h.logger.Debug("wsmonitor client connected", "clients", len(h.clients))
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
	h.logger.Debug("wsmonitor client disconnected", "clients", len(h.clients))
}

// broadcast delivers msg to every connected client, logging (but not
// blocking on) any that are falling behind.
func (h *Hub) broadcast(msg wireMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if !c.deliver(msg) {
			h.logger.Warn("wsmonitor client buffer full, dropping message")
		}
	}
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Run subscribes to the bus and broadcasts events to every connected
// client until ctx is cancelled. Intended to be started in its own
// goroutine alongside an http.Server using the Hub as its handler.
func (h *Hub) Run(ctx context.Context) {
	if h.bus == nil {
		<-ctx.Done()
		return
	}

	ch := h.bus.Subscribe(256)
	defer h.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			h.broadcast(eventMessage(e))
		}
	}
}
