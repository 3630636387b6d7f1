// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (the MI client, the GI
// engine, the liveness monitor) to subscribers (the websocket monitor,
// the MQTT bridge). The bus is nil-safe: calling Publish on a nil *Bus
// is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceMI identifies events from the Management Interface client
	// (connection lifecycle, action dispatch, response routing).
	SourceMI = "mi"
	// SourceDispatch identifies events from the event dispatcher
	// (callback matching, orphan handling).
	SourceDispatch = "dispatch"
	// SourceAggregate identifies events from the list-response
	// aggregator.
	SourceAggregate = "aggregate"
	// SourceGI identifies events from the Gateway Interface line
	// engine.
	SourceGI = "gi"
	// SourceMonitor identifies events from the connection liveness
	// monitor.
	SourceMonitor = "monitor"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals a successful MI socket dial and greeting
	// read. Data: host, port.
	KindConnected = "connected"
	// KindDisconnected signals the MI socket was closed or found
	// broken. Data: host, port, reason.
	KindDisconnected = "disconnected"
	// KindActionSent signals an Action was written to the wire.
	// Data: action_id, name.
	KindActionSent = "action_sent"
	// KindResponseRouted signals a Response was matched to its
	// pending request. Data: action_id, success.
	KindResponseRouted = "response_routed"
	// KindRequestTimeout signals a pending request's timeout expired
	// before a terminating response arrived. Data: action_id, name.
	KindRequestTimeout = "request_timeout"

	// KindEventDispatched signals an unsolicited Event or a finalised
	// aggregate was passed to the callback registry. Data: name,
	// callbacks (the number invoked, which may be zero).
	KindEventDispatched = "event_dispatched"
	// KindOrphanEvent signals a message was routed to the orphan
	// handlers: a response with no matching outstanding request, or an
	// event for a recently completed synchronous request. Data: name,
	// action_id.
	KindOrphanEvent = "orphan_event"

	// KindAggregateOpened signals a new aggregate accumulation began
	// for an ActionID. Data: action_id, name.
	KindAggregateOpened = "aggregate_opened"
	// KindAggregateFinalised signals an aggregate completed via its
	// finaliser events. Data: action_id, member_count, valid. An
	// aggregate discarded at its deadline is not signalled.
	KindAggregateFinalised = "aggregate_finalised"

	// KindGISessionStart signals a new GI session read its
	// environment preamble. Data: channel, request.
	KindGISessionStart = "gi_session_start"
	// KindGICommand signals a GI command was executed. Data:
	// command, result.
	KindGICommand = "gi_command"
	// KindGIHangup signals a GI session observed a hangup, whether
	// from response data or an asynchronous SIGHUP. Data: channel.
	KindGIHangup = "gi_hangup"

	// KindMonitorHealthy signals the liveness monitor's probe action
	// succeeded. Data: elapsed_ms.
	KindMonitorHealthy = "monitor_healthy"
	// KindMonitorUnhealthy signals the liveness monitor's probe
	// action failed or timed out. Data: reason.
	KindMonitorUnhealthy = "monitor_unhealthy"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full — drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
