// Package ami implements the Management Interface core: a long-lived
// multiplexed TCP client that correlates synchronous responses,
// dispatches unsolicited events to registered callbacks, and
// aggregates multi-event list replies.
package ami

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ivrkit/pbxline/catalogue"
	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/wire"
)

// Config configures a Client's timeouts and connection target. Zero
// values are replaced with defaults (5s for every timeout, 2.5s for
// the monitor interval).
type Config struct {
	Host string
	Port int

	// SocketReadTimeout unblocks the reader task periodically so it can
	// observe shutdown; it is not treated as a broken connection.
	SocketReadTimeout time.Duration
	// OrphanedResponseTimeout bounds how long an unconsumed served
	// response waits before it is moved to the orphan queue.
	OrphanedResponseTimeout time.Duration
	// AggregateTimeout bounds how long an asynchronous list aggregate
	// waits for its finalisers.
	AggregateTimeout time.Duration
	// RequestTimeout is the default Action.Timeout when unset.
	RequestTimeout time.Duration
	// MonitorInterval is the liveness-action period for StartMonitor.
	MonitorInterval time.Duration

	Logger   *slog.Logger
	Registry *catalogue.Registry

	// Bus, if set, receives operational events (connection lifecycle,
	// action dispatch, callback/orphan routing, aggregate completion)
	// for observability sinks such as the MQTT bridge or websocket
	// monitor. A nil Bus is a safe no-op (events.Bus.Publish tolerates
	// a nil receiver).
	Bus *events.Bus
}

func (c Config) withDefaults() Config {
	if c.SocketReadTimeout <= 0 {
		c.SocketReadTimeout = 5 * time.Second
	}
	if c.OrphanedResponseTimeout <= 0 {
		c.OrphanedResponseTimeout = 5 * time.Second
	}
	if c.AggregateTimeout <= 0 {
		c.AggregateTimeout = 5 * time.Second
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 5 * time.Second
	}
	if c.MonitorInterval <= 0 {
		c.MonitorInterval = 2500 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Registry == nil {
		c.Registry = catalogue.NewRegistry()
	}
	return c
}

type servedEntry struct {
	msg    *wire.Message
	expiry time.Time
}

// pendingRequest is the outstanding-request-table entry created when
// SendAction registers a token and removed when the response is
// consumed or the timeout fires.
type pendingRequest struct {
	action      *Action
	synchronous bool

	mu                sync.Mutex
	events            *EventsMap
	classByName       map[string]catalogue.EventClass
	pendingFinalisers map[string]struct{}
}

func newPendingRequest(action *Action, synchronous bool) *pendingRequest {
	pr := &pendingRequest{action: action, synchronous: synchronous}
	if !synchronous {
		return pr
	}

	pr.events = newEventsMap()
	pr.classByName = make(map[string]catalogue.EventClass)
	pr.pendingFinalisers = make(map[string]struct{})

	for _, c := range action.UniqueEvents {
		pr.events.reserve(c)
		pr.classByName[c.EventName()] = c
	}
	for _, c := range action.ListEvents {
		pr.events.reserve(c)
		pr.classByName[c.EventName()] = c
	}
	for _, c := range action.FinaliserEvents {
		pr.events.reserve(c)
		pr.classByName[c.EventName()] = c
		pr.pendingFinalisers[c.EventName()] = struct{}{}
	}
	return pr
}

// bindEvent implements bindTarget: writes msg into the pre-allocated
// slot for its class and strikes any matching finaliser. Returns false
// if msg's class was never declared on this request, in which case it
// is not considered bound.
func (p *pendingRequest) bindEvent(msg *wire.Message) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := msg.Name()
	class, ok := p.classByName[name]
	if !ok {
		return false
	}
	p.events.append(class, msg)
	delete(p.pendingFinalisers, name)
	return true
}

func (p *pendingRequest) finalisersComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pendingFinalisers) == 0
}

// Client is the MI core: a single synchronised socket plus the reader,
// dispatcher, and (optional) monitor background tasks.
type Client struct {
	cfg Config

	sock *socket

	outstandingMu sync.Mutex
	outstanding   map[string]*pendingRequest

	// recentSync records the ActionIDs of synchronous requests that
	// completed (were deregistered) within the last
	// OrphanedResponseTimeout window, so the dispatcher can route a
	// straggling event to the orphan handlers instead of ordinary
	// callbacks.
	recentSyncMu sync.Mutex
	recentSync   map[string]time.Time

	servedMu sync.Mutex
	served   map[string]servedEntry

	eventsCh chan *wire.Message
	orphanCh chan *wire.Message

	agg  *aggregator
	disp *dispatcher

	idMu      sync.Mutex
	idCounter uint32
	idSuffix  string
	hostname  string

	readerDone chan struct{}

	monitorCancel context.CancelFunc
	monitorDone   chan struct{}

	closeOnce sync.Once
}

// Connect dials cfg.Host:cfg.Port, completes the greeting handshake,
// and starts the reader and dispatcher background tasks.
func Connect(cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()

	sock, err := dial(fmt.Sprintf("%s:%d", cfg.Host, cfg.Port), cfg.SocketReadTimeout)
	if err != nil {
		if cfg.Bus != nil {
			cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindDisconnected,
				Data: map[string]any{"host": cfg.Host, "port": cfg.Port, "reason": err.Error()}})
		}
		return nil, err
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "localhost"
	}

	c := &Client{
		cfg:         cfg,
		sock:        sock,
		outstanding: make(map[string]*pendingRequest),
		recentSync:  make(map[string]time.Time),
		served:      make(map[string]servedEntry),
		eventsCh:    make(chan *wire.Message, 1024),
		orphanCh:    make(chan *wire.Message, 256),
		agg:         newAggregator(),
		idSuffix:    randomSuffix(),
		hostname:    hostname,
		readerDone:  make(chan struct{}),
	}

	c.disp = newDispatcher(cfg.Logger, c.agg, c.eventsCh, c.orphanCh, cfg.Bus)
	c.disp.synchronousBinding = func(actionID string) (bindTarget, bool) {
		c.outstandingMu.Lock()
		pr, ok := c.outstanding[actionID]
		c.outstandingMu.Unlock()
		if !ok || !pr.synchronous {
			return nil, false
		}
		return pr, true
	}
	c.disp.recentSynchronous = c.wasRecentSynchronous

	go c.disp.run()
	go c.runReader()

	cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindConnected,
		Data: map[string]any{"host": cfg.Host, "port": cfg.Port, "greeting": sock.greeting()}})

	return c, nil
}

// Greeting returns the server's reported name/version from connect.
func (c *Client) Greeting() string {
	return c.sock.greeting()
}

// Register adds a callback for eventKey ("" for universal).
func (c *Client) Register(eventKey string, fn EventCallback) {
	c.disp.Register(eventKey, fn)
}

// RegisterClass adds a callback bound to class's registered name.
func (c *Client) RegisterClass(class catalogue.EventClass, fn EventCallback) {
	c.disp.Register(class.EventName(), fn)
}

// Unregister removes exactly one binding matching (eventKey, fn).
func (c *Client) Unregister(eventKey string, fn EventCallback) bool {
	return c.disp.Unregister(eventKey, fn)
}

// RegisterOrphan adds a handler invoked for responses with no matching
// outstanding request.
func (c *Client) RegisterOrphan(fn OrphanCallback) {
	c.disp.RegisterOrphan(fn)
}

// UnregisterOrphan removes exactly one orphan handler matching fn.
func (c *Client) UnregisterOrphan(fn OrphanCallback) bool {
	return c.disp.UnregisterOrphan(fn)
}

// Close idempotently tears down the client: the socket close ends the
// reader, and the dispatcher is stopped explicitly.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if c.monitorCancel != nil {
			c.monitorCancel()
			<-c.monitorDone
		}
		err = c.sock.close()
		<-c.readerDone
		c.disp.Stop()
		c.cfg.Bus.Publish(events.Event{Source: events.SourceMI, Kind: events.KindDisconnected,
			Data: map[string]any{"host": c.cfg.Host, "port": c.cfg.Port, "reason": "closed"}})
	})
	return err
}

// nextActionID generates the next correlation token: a monotonically
// increasing 32-bit counter, wrapping from 0xFFFFFFFF to 1 (never 0),
// formatted "<hostname>-<5-char-random>-<8-hex>".
func (c *Client) nextActionID() string {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	c.idCounter++
	if c.idCounter == 0 {
		c.idCounter = 1
	}
	return fmt.Sprintf("%s-%s-%08x", c.hostname, c.idSuffix, c.idCounter)
}

// randomSuffix returns a 5-character token fixed for the process
// lifetime, mitigating ActionID collisions when several clients share
// a host.
func randomSuffix() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return id[:5]
}

// wasRecentSynchronous reports whether actionID belonged to a
// synchronous request that completed within the last
// OrphanedResponseTimeout window.
func (c *Client) wasRecentSynchronous(actionID string) bool {
	c.recentSyncMu.Lock()
	defer c.recentSyncMu.Unlock()
	expiry, ok := c.recentSync[actionID]
	if !ok {
		return false
	}
	if time.Now().After(expiry) {
		delete(c.recentSync, actionID)
		return false
	}
	return true
}
