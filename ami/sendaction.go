package ami

import (
	"context"
	"time"

	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/pbxerr"
	"github.com/ivrkit/pbxline/wire"
)

const pollInterval = 50 * time.Millisecond

// requestTimeout returns action.Timeout, falling back to the client's
// configured default request timeout.
func (c *Client) requestTimeout(action *Action) time.Duration {
	if action.Timeout > 0 {
		return action.Timeout
	}
	return c.cfg.RequestTimeout
}

// buildWire assembles the outbound wire.Message for action under the
// resolved actionID.
func buildWire(action *Action, actionID string) *wire.Message {
	msg := &wire.Message{}
	msg.Add(wire.HeaderAction, action.Name)
	for _, h := range action.Headers {
		msg.Add(h.Name, h.Value)
	}
	msg.Add(wire.HeaderActionID, actionID)
	return msg
}

// SendAction builds the wire request for action, transmits it, and
// waits for the response and (if action.Synchronous) its finaliser
// events. Returns (nil, nil) on a soft timeout with no
// response (logged at warning level). Errors are: an invalid action
// (Synchronous together with AggregateClasses), not connected, a
// socket that broke while sending or waiting, or an error returned by
// action.ProcessResponse (returned together with the response).
func (c *Client) SendAction(action *Action) (*Response, error) {
	if action.Synchronous && len(action.AggregateClasses) > 0 {
		return nil, pbxerr.New(pbxerr.KindInvalidAction,
			"SendAction %s: Synchronous and AggregateClasses are mutually exclusive", action.Name)
	}
	if !c.sock.isConnected() {
		return nil, pbxerr.New(pbxerr.KindNotConnected, "SendAction %s: no live socket", action.Name)
	}

	actionID := action.ActionID
	if actionID == "" {
		actionID = c.nextActionID()
	}

	pr := newPendingRequest(action, action.Synchronous)
	c.outstandingMu.Lock()
	c.outstanding[actionID] = pr
	c.outstandingMu.Unlock()

	wireMsg := buildWire(action, actionID)
	if err := c.sock.write(wireMsg.Bytes()); err != nil {
		c.deregister(actionID)
		return nil, err
	}
	c.cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindActionSent,
		Data: map[string]any{"action_id": actionID, "name": action.Name}})

	if !action.Synchronous {
		deadline := time.Now().Add(c.cfg.AggregateTimeout)
		for _, class := range action.AggregateClasses {
			c.agg.add(actionID, class, deadline)
			c.cfg.Bus.Publish(events.Event{Source: events.SourceAggregate, Kind: events.KindAggregateOpened,
				Data: map[string]any{"action_id": actionID, "name": action.Name}})
		}
	}

	start := time.Now()
	timeout := c.requestTimeout(action)

	respMsg, err := c.pollForResponse(actionID, start, timeout)
	if err != nil {
		c.deregister(actionID)
		return nil, err
	}
	if respMsg == nil {
		c.deregister(actionID)
		c.cfg.Logger.Warn("SendAction timed out waiting for response",
			"action", action.Name, "action_id", actionID, "timeout", timeout)
		c.cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindRequestTimeout,
			Data: map[string]any{"action_id": actionID, "name": action.Name}})
		return nil, nil
	}

	resp := &Response{
		Result:   respMsg,
		Request:  action,
		ActionID: actionID,
		Elapsed:  time.Since(start),
	}
	c.cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindResponseRouted,
		Data: map[string]any{"action_id": actionID, "success": respMsg.Success()}})

	if action.ProcessResponse != nil {
		if perr := action.ProcessResponse(resp); perr != nil {
			c.deregister(actionID)
			return resp, perr
		}
	} else {
		resp.Success = respMsg.Success()
	}

	if !action.Synchronous || !resp.Success {
		c.deregister(actionID)
		return resp, nil
	}

	resp.Events = pr.events
	resp.EventsTimeout = !c.waitForFinalisers(pr, start.Add(timeout))

	c.deregister(actionID)
	return resp, nil
}

// pollForResponse polls the served-requests table every pollInterval
// until a response
// arrives, the timeout elapses (returns nil, nil), or the socket
// breaks while waiting.
func (c *Client) pollForResponse(actionID string, start time.Time, timeout time.Duration) (*wire.Message, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if msg, ok := c.takeServed(actionID); ok {
			return msg, nil
		}
		if !c.sock.isConnected() {
			return nil, pbxerr.New(pbxerr.KindSocketBroken, "socket closed while waiting for response")
		}
		if time.Since(start) > timeout {
			return nil, nil
		}
		<-ticker.C
	}
}

// waitForFinalisers polls the pending request's finaliser set until it
// empties or deadline passes, returning whether it emptied in time.
func (c *Client) waitForFinalisers(pr *pendingRequest, deadline time.Time) bool {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if pr.finalisersComplete() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}

// deregister drops actionID from the outstanding-request table. If it
// was a synchronous request, its token is remembered for
// OrphanedResponseTimeout so a straggling event can still be routed to
// the orphan handlers by the dispatcher instead of ordinary callbacks,
// rather than falling through as if it were a fresh, unbound event.
func (c *Client) deregister(actionID string) {
	c.outstandingMu.Lock()
	pr, ok := c.outstanding[actionID]
	delete(c.outstanding, actionID)
	c.outstandingMu.Unlock()

	if !ok || !pr.synchronous {
		return
	}

	now := time.Now()
	c.recentSyncMu.Lock()
	c.recentSync[actionID] = now.Add(c.cfg.OrphanedResponseTimeout)
	for id, expiry := range c.recentSync {
		if now.After(expiry) {
			delete(c.recentSync, id)
		}
	}
	c.recentSyncMu.Unlock()
}

// StartMonitor begins an optional background task that periodically
// sends a liveness action (built fresh each tick by newLiveness, e.g.
// a Ping), logging a transition whenever health flips. Grounded on
// connwatch.Watcher's ticker-plus-transition-logging idiom, adapted
// from HTTP probing to an MI action. Stops when ctx is cancelled or
// Close is called.
//
// onReady and onDown mirror connwatch.WatcherConfig's OnReady/OnDown:
// either may be nil, and each fires once per transition (not on every
// tick) so a caller can republish liveness to e.g. an event bus
// without needing its own edge-detection.
func (c *Client) StartMonitor(ctx context.Context, newLiveness func() *Action, onReady func(), onDown func(err error)) {
	ctx, cancel := context.WithCancel(ctx)
	c.monitorCancel = cancel
	c.monitorDone = make(chan struct{})

	go func() {
		defer close(c.monitorDone)
		ticker := time.NewTicker(c.cfg.MonitorInterval)
		defer ticker.Stop()

		up := true
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				resp, err := c.SendAction(newLiveness())
				healthy := err == nil && resp != nil && resp.Success
				if healthy == up {
					continue
				}
				up = healthy
				if up {
					c.cfg.Logger.Info("ami monitor: connection healthy")
					c.cfg.Bus.Publish(events.Event{Source: events.SourceMonitor, Kind: events.KindMonitorHealthy,
						Data: map[string]any{"elapsed_ms": resp.Elapsed.Milliseconds()}})
					if onReady != nil {
						onReady()
					}
				} else {
					c.cfg.Logger.Warn("ami monitor: liveness check failed", "error", err)
					reason := ""
					if err != nil {
						reason = err.Error()
					}
					c.cfg.Bus.Publish(events.Event{Source: events.SourceMonitor, Kind: events.KindMonitorUnhealthy,
						Data: map[string]any{"reason": reason}})
					if onDown != nil {
						onDown(err)
					}
				}
			}
		}
	}()
}
