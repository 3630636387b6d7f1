package ami

import (
	"net"
	"time"

	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/wire"
)

// runReader is the long-running message reader task. It blocks on
// wire.ReadMessage, classifies the result, and routes it
// to the events queue, the served-requests table, or the orphan
// queue. A read timeout is not treated as a broken socket; the loop
// simply tries again unless the socket has since been closed.
func (c *Client) runReader() {
	defer close(c.readerDone)

	for {
		msg, err := c.sock.readMessage()
		if err != nil {
			if isTimeout(err) {
				if !c.sock.isConnected() {
					return
				}
				continue
			}
			wasConnected := c.sock.isConnected()
			c.sock.markBroken()
			c.cfg.Logger.Warn("message reader exiting on socket error", "error", err)
			if wasConnected {
				c.cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindDisconnected,
					Data: map[string]any{"host": c.cfg.Host, "port": c.cfg.Port, "reason": err.Error()}})
			}
			return
		}
		c.route(msg)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// route classifies one inbound message: events go to the events
// queue, responses matching an outstanding token to the
// served-requests table, everything else to the orphan queue.
func (c *Client) route(msg *wire.Message) {
	if msg.IsEvent() {
		if _, known := c.cfg.Registry.EventClassFor(msg.Name()); !known {
			c.cfg.Logger.Debug("event arrived for an unregistered class", "event", msg.Name())
		}
		c.enqueue(c.eventsCh, msg, "events")
		return
	}

	if actionID := msg.ActionID(); actionID != "" && c.hasOutstanding(actionID) {
		c.storeServed(actionID, msg)
		return
	}

	c.enqueue(c.orphanCh, msg, "orphan")
}

func (c *Client) hasOutstanding(actionID string) bool {
	c.outstandingMu.Lock()
	defer c.outstandingMu.Unlock()
	_, ok := c.outstanding[actionID]
	return ok
}

// storeServed inserts msg into the served-requests table, first moving
// any entries whose deadline has passed to the orphan queue. A second
// message for a token still holding an unconsumed entry is itself
// routed as an orphan.
func (c *Client) storeServed(actionID string, msg *wire.Message) {
	var expired []*wire.Message
	duplicate := false

	c.servedMu.Lock()
	now := time.Now()
	for id, e := range c.served {
		if now.After(e.expiry) {
			expired = append(expired, e.msg)
			delete(c.served, id)
		}
	}
	if _, exists := c.served[actionID]; exists {
		duplicate = true
	} else {
		c.served[actionID] = servedEntry{
			msg:    msg,
			expiry: now.Add(c.cfg.OrphanedResponseTimeout),
		}
	}
	c.servedMu.Unlock()

	for _, m := range expired {
		c.enqueue(c.orphanCh, m, "orphan")
	}
	if duplicate {
		c.enqueue(c.orphanCh, msg, "orphan")
	}
}

// takeServed removes and returns the served entry for actionID, if
// any. Used by SendAction's poll loop.
func (c *Client) takeServed(actionID string) (*wire.Message, bool) {
	c.servedMu.Lock()
	defer c.servedMu.Unlock()
	e, ok := c.served[actionID]
	if !ok {
		return nil, false
	}
	delete(c.served, actionID)
	return e.msg, true
}

// enqueue is a non-blocking send; a full queue drops the message and
// logs a warning rather than stalling the reader.
func (c *Client) enqueue(ch chan *wire.Message, msg *wire.Message, queue string) {
	select {
	case ch <- msg:
	default:
		c.cfg.Logger.Warn("ami queue full, dropping message", "queue", queue, "action_id", msg.ActionID())
	}
}
