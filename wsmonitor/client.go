package wsmonitor

import (
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// client is one connected dashboard. Outbound messages are funnelled
// through a buffered channel so a slow reader cannot block the
// broadcaster; a full buffer drops that message for this client only
// rather than stalling every other subscriber.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan wireMessage
	logger *slog.Logger
}

func newClient(hub *Hub, conn *websocket.Conn, logger *slog.Logger) *client {
	return &client{
		hub:    hub,
		conn:   conn,
		send:   make(chan wireMessage, 64),
		logger: logger,
	}
}

// writePump drains c.send to the websocket connection and sends
// periodic pings to detect a dead peer. Returns when send is closed
// (by the hub, on unregister) or a write fails.
func (c *client) writePump() {
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
			if err := c.conn.WriteJSON(msg); err != nil {
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

// readPump discards inbound frames; the monitor is read-only from the
// dashboard's perspective, but we still need to read to process
// control frames (pong, close) and notice a dropped connection.
func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("wsmonitor client read error", "error", err)
			}
			return
		}
	}
}

// deliver attempts a non-blocking send; a full buffer means the client
// is falling behind and the message is dropped for it.
func (c *client) deliver(msg wireMessage) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}
