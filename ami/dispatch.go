package ami

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/wire"
)

type callbackKind int

const (
	callbackExact callbackKind = iota
	callbackUniversal
)

type callbackEntry struct {
	kind callbackKind
	key  string // event name for callbackExact, ignored for callbackUniversal
	fn   EventCallback
}

// funcIdentity returns a comparable handle for fn, used to dedup
// registrations by (kind, key, function). Go funcs aren't
// comparable, so callback identity is approximated by code pointer,
// which distinguishes any two different named/method functions (the
// common case for this API) but can't tell two distinct closures of
// the same literal apart.
func funcIdentity(fn EventCallback) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

func orphanIdentity(fn OrphanCallback) uintptr {
	return reflect.ValueOf(fn).Pointer()
}

// dispatcher owns the callback registry and the single background
// task that drains events/orphans and invokes callbacks in
// registration order.
type dispatcher struct {
	mu      sync.Mutex
	entries []callbackEntry
	orphans []OrphanCallback

	eventsCh chan *wire.Message
	orphanCh chan *wire.Message

	agg    *aggregator
	logger *slog.Logger
	bus    *events.Bus

	// synchronousBinding looks up an outstanding synchronous request by
	// ActionID; set by Client. Returns ok=false if none is outstanding
	// or the outstanding request is asynchronous.
	synchronousBinding func(actionID string) (bindTarget, bool)

	// recentSynchronous reports whether actionID belonged to a
	// synchronous request that completed (deregistered) within the
	// last orphaned-response-timeout window; set by Client. Used to
	// route events that straggle in after a synchronous request's
	// finalisers were already satisfied to the orphan handlers instead
	// of ordinary callbacks.
	recentSynchronous func(actionID string) bool

	stop chan struct{}
	done chan struct{}
}

// bindTarget is the minimal view of a pendingRequest the dispatcher
// needs to bind a follow-up event to a synchronous request;
// implemented by *pendingRequest in client.go.
type bindTarget interface {
	bindEvent(msg *wire.Message) (bound bool)
}

func newDispatcher(logger *slog.Logger, agg *aggregator, eventsCh, orphanCh chan *wire.Message, bus *events.Bus) *dispatcher {
	return &dispatcher{
		eventsCh: eventsCh,
		orphanCh: orphanCh,
		agg:      agg,
		logger:   logger,
		bus:      bus,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Register adds a callback for eventKey. An empty eventKey means
// universal (invoked for every event). Re-registering an identical
// (kind, key, fn) moves it to the end of the order.
func (d *dispatcher) Register(eventKey string, fn EventCallback) {
	kind := callbackExact
	if eventKey == "" {
		kind = callbackUniversal
	}
	id := funcIdentity(fn)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.removeLocked(kind, eventKey, id)
	d.entries = append(d.entries, callbackEntry{kind: kind, key: eventKey, fn: fn})
}

// Unregister removes exactly one binding matching (eventKey, fn),
// reporting whether one was found.
func (d *dispatcher) Unregister(eventKey string, fn EventCallback) bool {
	kind := callbackExact
	if eventKey == "" {
		kind = callbackUniversal
	}
	id := funcIdentity(fn)

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(kind, eventKey, id)
}

func (d *dispatcher) removeLocked(kind callbackKind, key string, id uintptr) bool {
	for i, e := range d.entries {
		if e.kind == kind && e.key == key && funcIdentity(e.fn) == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RegisterOrphan adds an orphan-response handler.
func (d *dispatcher) RegisterOrphan(fn OrphanCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := orphanIdentity(fn)
	for i, o := range d.orphans {
		if orphanIdentity(o) == id {
			d.orphans = append(d.orphans[:i], d.orphans[i+1:]...)
			break
		}
	}
	d.orphans = append(d.orphans, fn)
}

// UnregisterOrphan removes exactly one orphan handler matching fn.
func (d *dispatcher) UnregisterOrphan(fn OrphanCallback) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := orphanIdentity(fn)
	for i, o := range d.orphans {
		if orphanIdentity(o) == id {
			d.orphans = append(d.orphans[:i], d.orphans[i+1:]...)
			return true
		}
	}
	return false
}

// matching returns, under the registry lock, a snapshot of the
// callbacks that should fire for name: exact matches followed by
// universal handlers, both in registration order. The snapshot is
// invoked unlocked.
func (d *dispatcher) matching(name string) []EventCallback {
	d.mu.Lock()
	defer d.mu.Unlock()

	var fns []EventCallback
	for _, e := range d.entries {
		if e.kind == callbackExact && e.key == name {
			fns = append(fns, e.fn)
		}
	}
	for _, e := range d.entries {
		if e.kind == callbackUniversal {
			fns = append(fns, e.fn)
		}
	}
	return fns
}

func (d *dispatcher) orphanHandlers() []OrphanCallback {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]OrphanCallback, len(d.orphans))
	copy(out, d.orphans)
	return out
}

// run is the single background dispatcher task.
func (d *dispatcher) run() {
	defer close(d.done)

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	cycles := 0

	for {
		d.flushAggregates()

		select {
		case <-d.stop:
			return
		case msg := <-d.eventsCh:
			d.handleEvent(msg)
		case msg := <-d.orphanCh:
			d.handleOrphan(msg)
		case <-ticker.C:
			cycles++
			if cycles%50 == 0 {
				d.agg.reapExpired(d.logger)
			}
		}
	}
}

func (d *dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *dispatcher) flushAggregates() {
	for _, agg := range d.agg.drainReady() {
		d.bus.Publish(events.Event{Source: events.SourceAggregate, Kind: events.KindAggregateFinalised,
			Data: map[string]any{"action_id": agg.ActionID, "member_count": agg.memberCount(), "valid": agg.Valid}})
		d.invoke(agg)
	}
}

// handleEvent routes one drained event: bind to a synchronous
// outstanding request if applicable, else offer to aggregates, else,
// if the ActionID belonged to a synchronous request that only just
// completed, route to the orphan handlers rather than ordinary
// callbacks, else invoke matching callbacks.
func (d *dispatcher) handleEvent(msg *wire.Message) {
	if actionID := msg.ActionID(); actionID != "" {
		if target, ok := d.synchronousBindingOf(actionID); ok {
			if target.bindEvent(msg) {
				return
			}
		}
		if d.agg.offer(msg) {
			return
		}
		if d.recentSynchronous != nil && d.recentSynchronous(actionID) {
			d.handleOrphan(msg)
			return
		}
	}
	d.invoke(msg)
}

func (d *dispatcher) synchronousBindingOf(actionID string) (bindTarget, bool) {
	if d.synchronousBinding == nil {
		return nil, false
	}
	return d.synchronousBinding(actionID)
}

func (d *dispatcher) invoke(v Dispatchable) {
	fns := d.matching(v.EventName())
	d.bus.Publish(events.Event{Source: events.SourceDispatch, Kind: events.KindEventDispatched,
		Data: map[string]any{"name": v.EventName(), "callbacks": len(fns)}})
	for _, fn := range fns {
		d.safeInvoke(fn, v)
	}
}

func (d *dispatcher) safeInvoke(fn EventCallback, v Dispatchable) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event callback panicked", "event", v.EventName(), "panic", r)
		}
	}()
	fn(v)
}

func (d *dispatcher) handleOrphan(msg *wire.Message) {
	d.bus.Publish(events.Event{Source: events.SourceDispatch, Kind: events.KindOrphanEvent,
		Data: map[string]any{"name": msg.Name(), "action_id": msg.ActionID()}})
	for _, fn := range d.orphanHandlers() {
		d.safeInvokeOrphan(fn, msg)
	}
}

func (d *dispatcher) safeInvokeOrphan(fn OrphanCallback, msg *wire.Message) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("orphan callback panicked", "action_id", msg.ActionID(), "panic", r)
		}
	}()
	fn(msg)
}
