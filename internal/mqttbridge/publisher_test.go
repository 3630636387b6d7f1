package mqttbridge

import (
	"context"
	"testing"
	"time"

	"github.com/ivrkit/pbxline/internal/config"
	"github.com/ivrkit/pbxline/internal/events"
)

func testPublisher() *Publisher {
	cfg := config.MQTTConfig{
		Broker:          "tcp://localhost:1883",
		DeviceName:      "test-gateway",
		DiscoveryPrefix: "homeassistant",
	}
	return New(cfg, "test-instance-id", nil, nil)
}

func TestHandleEventTracksMIConnection(t *testing.T) {
	p := testPublisher()
	ctx := context.Background()

	p.handleEvent(ctx, events.Event{Source: events.SourceMI, Kind: events.KindConnected, Timestamp: time.Now()})
	if !p.miConnected {
		t.Fatal("expected miConnected true after KindConnected")
	}

	p.handleEvent(ctx, events.Event{Source: events.SourceMI, Kind: events.KindDisconnected, Timestamp: time.Now()})
	if p.miConnected {
		t.Fatal("expected miConnected false after KindDisconnected")
	}
}

func TestHandleEventTracksMonitorHealth(t *testing.T) {
	p := testPublisher()
	ctx := context.Background()

	p.handleEvent(ctx, events.Event{Source: events.SourceMonitor, Kind: events.KindMonitorHealthy})
	if !p.monitorHealthy {
		t.Fatal("expected monitorHealthy true")
	}

	p.handleEvent(ctx, events.Event{Source: events.SourceMonitor, Kind: events.KindMonitorUnhealthy})
	if p.monitorHealthy {
		t.Fatal("expected monitorHealthy false")
	}
}

func TestHandleEventRecordsDispatchedEvent(t *testing.T) {
	p := testPublisher()
	ctx := context.Background()

	p.handleEvent(ctx, events.Event{
		Source:    events.SourceDispatch,
		Kind:      events.KindEventDispatched,
		Timestamp: time.Now(),
		Data:      map[string]any{"name": "Dial"},
	})

	if p.lastEventName != "Dial" {
		t.Fatalf("lastEventName = %q, want Dial", p.lastEventName)
	}
	count, _, _ := p.counters.snapshot()
	if count != 1 {
		t.Fatalf("events counter = %d, want 1", count)
	}
}

func TestHandleEventRecordsOrphanAndAggregate(t *testing.T) {
	p := testPublisher()
	ctx := context.Background()

	p.handleEvent(ctx, events.Event{Source: events.SourceDispatch, Kind: events.KindOrphanEvent})
	p.handleEvent(ctx, events.Event{Source: events.SourceAggregate, Kind: events.KindAggregateFinalised})

	_, orphans, aggregates := p.counters.snapshot()
	if orphans != 1 {
		t.Fatalf("orphans counter = %d, want 1", orphans)
	}
	if aggregates != 1 {
		t.Fatalf("aggregates counter = %d, want 1", aggregates)
	}
}

func TestTopicHelpers(t *testing.T) {
	p := testPublisher()

	if got := p.baseTopic(); got != "pbxline/test-gateway" {
		t.Errorf("baseTopic() = %q", got)
	}
	if got := p.availabilityTopic(); got != "pbxline/test-gateway/availability" {
		t.Errorf("availabilityTopic() = %q", got)
	}
	if got := p.stateTopic("mi_connected"); got != "pbxline/test-gateway/mi_connected/state" {
		t.Errorf("stateTopic() = %q", got)
	}
	if got := p.discoveryTopic("sensor", "mi_connected"); got != "homeassistant/sensor/test-gateway/mi_connected/config" {
		t.Errorf("discoveryTopic() = %q", got)
	}
}

func TestSensorDefinitionsAreUnique(t *testing.T) {
	p := testPublisher()
	seen := make(map[string]bool)
	for _, s := range p.sensorDefinitions() {
		if seen[s.entitySuffix] {
			t.Fatalf("duplicate sensor suffix %q", s.entitySuffix)
		}
		seen[s.entitySuffix] = true
		if s.config.UniqueID == "" {
			t.Fatalf("sensor %q missing UniqueID", s.entitySuffix)
		}
	}
}

func TestBoolState(t *testing.T) {
	if boolState(true) != "ON" {
		t.Fatal("boolState(true) should be ON")
	}
	if boolState(false) != "OFF" {
		t.Fatal("boolState(false) should be OFF")
	}
}

func TestShortID(t *testing.T) {
	if got := shortID("abcdefghij"); got != "abcdefgh" {
		t.Errorf("shortID() = %q, want abcdefgh", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Errorf("shortID() = %q, want abc", got)
	}
}
