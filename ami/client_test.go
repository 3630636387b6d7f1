package ami

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ivrkit/pbxline/catalogue"
	"github.com/ivrkit/pbxline/pbxerr"
	"github.com/ivrkit/pbxline/wire"
)

// fakeRequest pairs one parsed incoming wire.Message with the
// connection's writer, so a test can answer on its own schedule
// (immediately, after a delay, or with a multi-message sequence).
type fakeRequest struct {
	req *wire.Message
	w   *bufio.Writer
}

// startFakeServer accepts exactly one connection, writes greeting, and
// forwards every subsequently parsed request on the returned channel.
// The channel closes when the connection is gone.
func startFakeServer(t *testing.T, greeting string) (host string, port int, reqs <-chan fakeRequest) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ch := make(chan fakeRequest, 16)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(ch)
			return
		}
		defer conn.Close()

		w := bufio.NewWriter(conn)
		w.WriteString(greeting)
		w.Flush()

		r := bufio.NewReader(conn)
		for {
			req, err := wire.ReadMessage(r)
			if err != nil {
				close(ch)
				return
			}
			ch <- fakeRequest{req: req, w: w}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, ch
}

func connectToFake(t *testing.T, host string, port int, cfg Config) *Client {
	t.Helper()
	cfg.Host, cfg.Port = host, port
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// A successful Challenge exchange yields Success with the Challenge
// header readable on the response.
func TestSendActionLoginChallengeScenario(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "Challenge" {
			return
		}
		fmt.Fprintf(fr.w, "Response: Success\r\nChallenge: 9821749812\r\nActionID: %s\r\n\r\n", fr.req.ActionID())
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})
	if got := c.Greeting(); got != "TestPBX/1.0" {
		t.Fatalf("Greeting() = %q", got)
	}

	resp, err := c.SendAction(&Action{Name: "Challenge", Headers: []HeaderField{{Name: "AuthType", Value: "MD5"}}})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if resp == nil {
		t.Fatal("resp is nil")
	}
	if !resp.Success {
		t.Fatal("resp.Success = false, want true")
	}
	if got := resp.Result.Get("Challenge"); got != "9821749812" {
		t.Fatalf("Challenge header = %q, want 9821749812", got)
	}
}

// A Ping action whose response processor accepts Response: Pong
// reports success, and Elapsed reflects the actual wall-clock gap
// between send and response.
func TestSendActionPingRoundTrip(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "Ping" {
			return
		}
		time.Sleep(15 * time.Millisecond)
		fmt.Fprintf(fr.w, "Response: Pong\r\nActionID: %s\r\n\r\n", fr.req.ActionID())
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})
	resp, err := c.SendAction(&Action{
		Name: "Ping",
		ProcessResponse: func(r *Response) error {
			r.Success = r.Result.Get(wire.HeaderResponse) == "Pong"
			return nil
		},
	})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if resp == nil {
		t.Fatal("resp is nil")
	}
	if !resp.Success {
		t.Fatal("Pong should count as success")
	}
	if resp.Elapsed < 15*time.Millisecond {
		t.Fatalf("Elapsed = %s, want >= 15ms", resp.Elapsed)
	}
}

// A synchronous list action collects its two CoreShowChannel members
// and the CoreShowChannelsComplete finaliser into the request's
// EventsMap; none of them are published to callbacks.
func TestSendActionSynchronousListBinding(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "CoreShowChannels" {
			return
		}
		id := fr.req.ActionID()
		fmt.Fprintf(fr.w, "Response: Success\r\nActionID: %s\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannel\r\nActionID: %s\r\nChannel: SIP/1001-00000001\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannel\r\nActionID: %s\r\nChannel: SIP/1002-00000002\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannelsComplete\r\nActionID: %s\r\nListItems: 2\r\n\r\n", id)
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})

	channelClass := stubEventClass{"CoreShowChannel"}
	completeClass := stubEventClass{"CoreShowChannelsComplete"}

	var callbackInvoked atomic.Bool
	c.RegisterClass(channelClass, func(Dispatchable) { callbackInvoked.Store(true) })

	resp, err := c.SendAction(&Action{
		Name:            "CoreShowChannels",
		Synchronous:     true,
		Timeout:         2 * time.Second,
		ListEvents:      []catalogue.EventClass{channelClass},
		FinaliserEvents: []catalogue.EventClass{completeClass},
	})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if resp == nil {
		t.Fatal("resp is nil")
	}
	if resp.EventsTimeout {
		t.Fatal("EventsTimeout = true, want false")
	}
	if resp.Events == nil {
		t.Fatal("Events map is nil for a synchronous request")
	}
	if got := resp.Events.ByClass(channelClass); len(got) != 2 {
		t.Fatalf("ByClass(channel) = %d events, want 2", len(got))
	}
	if got := resp.Events.ByName("CoreShowChannel"); len(got) != 2 {
		t.Fatalf("ByName(CoreShowChannel) = %d events, want 2 (named-plus-class indexing)", len(got))
	}
	if resp.Events.One(completeClass) == nil {
		t.Fatal("finaliser event missing from EventsMap")
	}
	// Give the dispatcher a moment to have processed anything it might
	// wrongly publish; synchronous-bound events must never reach it.
	time.Sleep(30 * time.Millisecond)
	if callbackInvoked.Load() {
		t.Fatal("events bound to a synchronous request must not reach registered callbacks")
	}
}

// The same list action run asynchronously produces an aggregate that
// is eventually delivered as a Dispatchable to callbacks registered
// under the finaliser's name, with Valid reflecting the declared
// count.
func TestSendActionAsyncAggregatePublishesThroughDispatcher(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "CoreShowChannels" {
			return
		}
		id := fr.req.ActionID()
		fmt.Fprintf(fr.w, "Response: Success\r\nActionID: %s\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannel\r\nActionID: %s\r\nChannel: SIP/1001-00000001\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannel\r\nActionID: %s\r\nChannel: SIP/1002-00000002\r\n\r\n", id)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannelsComplete\r\nActionID: %s\r\nListItems: 2\r\n\r\n", id)
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})

	channelClass := stubEventClass{"CoreShowChannel"}
	completeClass := stubEventClass{"CoreShowChannelsComplete"}

	aggCh := make(chan *Aggregate, 1)
	c.RegisterClass(completeClass, func(d Dispatchable) {
		if agg, ok := d.(*Aggregate); ok {
			aggCh <- agg
		}
	})

	resp, err := c.SendAction(&Action{
		Name: "CoreShowChannels",
		AggregateClasses: []AggregateClass{{
			Members:      []catalogue.EventClass{channelClass},
			Finalisers:   []catalogue.EventClass{completeClass},
			CountHeaders: []string{"ListItems"},
		}},
	})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if resp == nil || !resp.Success {
		t.Fatalf("resp = %+v, want a successful immediate response", resp)
	}
	if resp.Events != nil {
		t.Fatal("asynchronous requests must not build an EventsMap")
	}

	select {
	case agg := <-aggCh:
		if !agg.Valid {
			t.Fatalf("aggregate invalid: %s", agg.ValidationError)
		}
		if agg.memberCount() != 2 {
			t.Fatalf("memberCount = %d, want 2", agg.memberCount())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the finalised aggregate to be dispatched")
	}
}

// A response that arrives after its request's deadline already fired
// is routed to the orphan queue instead of being lost or matched to
// the (by-then deregistered) request.
func TestSendActionTimeoutThenLateResponseBecomesOrphan(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "SlowAction" {
			return
		}
		time.Sleep(150 * time.Millisecond)
		fmt.Fprintf(fr.w, "Response: Success\r\nActionID: %s\r\n\r\n", fr.req.ActionID())
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})

	var mu sync.Mutex
	var orphan *wire.Message
	c.RegisterOrphan(func(msg *wire.Message) {
		mu.Lock()
		orphan = msg
		mu.Unlock()
	})

	resp, err := c.SendAction(&Action{Name: "SlowAction", Timeout: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("SendAction returned an error on soft timeout: %v", err)
	}
	if resp != nil {
		t.Fatal("resp should be nil on a soft timeout with no response")
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := orphan
		mu.Unlock()
		if got != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("late response never reached the orphan handler")
}

// The per-Client counter wraps from 0xFFFFFFFF to 1, never to 0.
func TestCorrelationTokenWrapsPast32BitMax(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		for fr := range reqs {
			fmt.Fprintf(fr.w, "Response: Success\r\nActionID: %s\r\n\r\n", fr.req.ActionID())
			fr.w.Flush()
		}
	}()

	c := connectToFake(t, host, port, Config{})
	c.idCounter = 0xFFFFFFFF - 2

	id1 := c.nextActionID()
	id2 := c.nextActionID()
	if !hasSuffix(id1, "fffffffe") {
		t.Fatalf("id1 = %q, want suffix fffffffe", id1)
	}
	if !hasSuffix(id2, "ffffffff") {
		t.Fatalf("id2 = %q, want suffix ffffffff", id2)
	}
	id3 := c.nextActionID()
	if !hasSuffix(id3, "00000001") {
		t.Fatalf("id3 = %q, want suffix 00000001 (wrap to 1, never 0)", id3)
	}
}

func hasSuffix(s, suffix string) bool {
	return len(s) >= len(suffix) && s[len(s)-len(suffix):] == suffix
}

// Synchronous and AggregateClasses are mutually exclusive per call;
// declaring both is a caller-construction error SendAction rejects
// outright rather than silently picking one.
func TestSendActionRejectsSynchronousWithAggregateClasses(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		for range reqs {
			t.Error("SendAction must reject before writing to the wire")
		}
	}()

	c := connectToFake(t, host, port, Config{})

	resp, err := c.SendAction(&Action{
		Name:             "CoreShowChannels",
		Synchronous:      true,
		AggregateClasses: []AggregateClass{{}},
	})
	if resp != nil {
		t.Fatal("resp should be nil when the action is rejected")
	}
	if !errors.Is(err, pbxerr.ErrInvalidAction) {
		t.Fatalf("err = %v, want pbxerr.ErrInvalidAction", err)
	}
}

// An event sharing a synchronous request's ActionID that arrives
// after its finalisers were already satisfied and the request
// deregistered must reach the orphan handlers, not ordinary
// named-event callbacks.
func TestDispatcherRoutesStragglerEventToOrphanAfterSynchronousCompletion(t *testing.T) {
	host, port, reqs := startFakeServer(t, "TestPBX/1.0\r\n")
	go func() {
		fr, ok := <-reqs
		if !ok || fr.req.Get(wire.HeaderAction) != "CoreShowChannels" {
			return
		}
		actionID := fr.req.ActionID()
		fmt.Fprintf(fr.w, "Response: Success\r\nActionID: %s\r\n\r\n", actionID)
		fr.w.Flush()
		fmt.Fprintf(fr.w, "Event: CoreShowChannelsComplete\r\nActionID: %s\r\nListItems: 0\r\n\r\n", actionID)
		fr.w.Flush()

		// Give SendAction time to observe the finaliser and deregister
		// before the straggler arrives on the same ActionID.
		time.Sleep(200 * time.Millisecond)
		fmt.Fprintf(fr.w, "Event: CoreShowChannelsComplete\r\nActionID: %s\r\nListItems: 0\r\n\r\n", actionID)
		fr.w.Flush()
	}()

	c := connectToFake(t, host, port, Config{})

	completeClass := stubEventClass{"CoreShowChannelsComplete"}
	var namedCalls atomic.Int32
	c.RegisterClass(completeClass, func(Dispatchable) { namedCalls.Add(1) })

	var mu sync.Mutex
	var orphan *wire.Message
	c.RegisterOrphan(func(msg *wire.Message) {
		mu.Lock()
		orphan = msg
		mu.Unlock()
	})

	resp, err := c.SendAction(&Action{
		Name:            "CoreShowChannels",
		Synchronous:     true,
		Timeout:         2 * time.Second,
		FinaliserEvents: []catalogue.EventClass{completeClass},
	})
	if err != nil {
		t.Fatalf("SendAction: %v", err)
	}
	if resp == nil || resp.EventsTimeout {
		t.Fatalf("resp = %+v, want a completed synchronous response", resp)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := orphan
		mu.Unlock()
		if got != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	got := orphan
	mu.Unlock()
	if got == nil {
		t.Fatal("straggling event never reached the orphan handler")
	}
	if n := namedCalls.Load(); n != 0 {
		t.Fatalf("namedCalls = %d, want 0: straggler must not reach ordinary callbacks", n)
	}
}
