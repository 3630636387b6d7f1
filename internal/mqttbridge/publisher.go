package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/ivrkit/pbxline/internal/config"
	"github.com/ivrkit/pbxline/internal/events"
)

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and republishes dispatched Management
// Interface events as retained sensor-state updates. It is driven by
// an internal/events.Bus subscription rather than polling the MI
// client directly, so the bridge stays decoupled from ami.Client.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	counters   *dailyCounters
	bus        *events.Bus
	logger     *slog.Logger

	cm *autopaho.ConnectionManager

	mu             sync.Mutex
	miConnected    bool
	monitorHealthy bool
	lastEventName  string
	lastEventAt    time.Time
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop. A nil logger is replaced
// with [slog.Default]. bus may be nil, in which case the bridge still
// connects and publishes discovery/availability but never sees events.
func New(cfg config.MQTTConfig, instanceID string, bus *events.Bus, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		counters:   newDailyCounters(nil),
		bus:        bus,
		logger:     logger,
	}
}

// Device returns the HA device info shared across all sensors
// published by this publisher instance.
func (p *Publisher) Device() DeviceInfo {
	return p.device
}

// Start connects to the MQTT broker, publishes discovery and
// availability on every (re-)connect, and runs the bus-consumption and
// periodic state-publish loops. It blocks until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	availTopic := p.availabilityTopic()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			publishCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			p.publishDiscovery(publishCtx, cm)
			p.publishAvailability(publishCtx, cm, "online")
			p.publishStates(publishCtx)
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "pbxline-" + shortID(p.instanceID),
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm = cm

	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	if p.bus != nil {
		go p.consumeBus(ctx)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection.
func (p *Publisher) Stop(ctx context.Context) error {
	if p.cm == nil {
		return nil
	}
	p.publishAvailability(ctx, p.cm, "offline")
	return p.cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires. Useful for connwatch health probes.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	if p.cm == nil {
		return fmt.Errorf("mqtt publisher not started")
	}
	return p.cm.AwaitConnection(ctx)
}

// consumeBus subscribes to the event bus and updates the bridge's view
// of MI connection state, the last dispatched event, and monitor
// health, republishing the affected sensor state immediately rather
// than waiting for the next periodic tick.
func (p *Publisher) consumeBus(ctx context.Context) {
	ch := p.bus.Subscribe(64)
	defer p.bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			p.handleEvent(ctx, e)
		}
	}
}

func (p *Publisher) handleEvent(ctx context.Context, e events.Event) {
	p.mu.Lock()
	switch e.Source {
	case events.SourceMI:
		switch e.Kind {
		case events.KindConnected:
			p.miConnected = true
		case events.KindDisconnected:
			p.miConnected = false
		}
	case events.SourceMonitor:
		switch e.Kind {
		case events.KindMonitorHealthy:
			p.monitorHealthy = true
		case events.KindMonitorUnhealthy:
			p.monitorHealthy = false
		}
	}

	if e.Source == events.SourceDispatch && e.Kind == events.KindEventDispatched {
		p.counters.recordEvent()
		p.lastEventName = stringField(e.Data, "name")
		p.lastEventAt = e.Timestamp
	}
	if e.Source == events.SourceDispatch && e.Kind == events.KindOrphanEvent {
		p.counters.recordOrphan()
	}
	if e.Source == events.SourceAggregate && e.Kind == events.KindAggregateFinalised {
		p.counters.recordAggregate()
	}
	p.mu.Unlock()

	if p.cm != nil {
		p.publishStates(ctx)
	}
}

func stringField(data map[string]any, key string) string {
	if data == nil {
		return ""
	}
	if v, ok := data[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	}
	return ""
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "pbxline/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// --- Discovery ---

type sensorDef struct {
	entitySuffix string
	config       SensorConfig
}

func (p *Publisher) sensorDefinitions() []sensorDef {
	avail := p.availabilityTopic()
	return []sensorDef{
		{
			entitySuffix: "mi_connected",
			config: SensorConfig{
				Name:              "MI Connected",
				ObjectID:          "mi_connected",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_mi_connected",
				StateTopic:        p.stateTopic("mi_connected"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:phone-in-talk",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "monitor_healthy",
			config: SensorConfig{
				Name:              "Monitor Healthy",
				ObjectID:          "monitor_healthy",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_monitor_healthy",
				StateTopic:        p.stateTopic("monitor_healthy"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:heart-pulse",
				EntityCategory:    "diagnostic",
			},
		},
		{
			entitySuffix: "events_today",
			config: SensorConfig{
				Name:              "Events Today",
				ObjectID:          "events_today",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_events_today",
				StateTopic:        p.stateTopic("events_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:counter",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "events",
			},
		},
		{
			entitySuffix: "orphans_today",
			config: SensorConfig{
				Name:              "Orphan Events Today",
				ObjectID:          "orphans_today",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_orphans_today",
				StateTopic:        p.stateTopic("orphans_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:alert-circle-outline",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "events",
			},
		},
		{
			entitySuffix: "aggregates_today",
			config: SensorConfig{
				Name:              "Aggregates Finalised Today",
				ObjectID:          "aggregates_today",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_aggregates_today",
				StateTopic:        p.stateTopic("aggregates_today"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:format-list-bulleted",
				StateClass:        "total_increasing",
				UnitOfMeasurement: "aggregates",
			},
		},
		{
			entitySuffix: "last_event",
			config: SensorConfig{
				Name:              "Last Event",
				ObjectID:          "last_event",
				HasEntityName:     true,
				UniqueID:          p.instanceID + "_last_event",
				StateTopic:        p.stateTopic("last_event"),
				AvailabilityTopic: avail,
				Device:            p.device,
				Icon:              "mdi:phone-ring",
				EntityCategory:    "diagnostic",
			},
		},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	for _, s := range p.sensorDefinitions() {
		p.publishSensorDiscovery(ctx, cm, s.entitySuffix, s.config)
	}
}

func (p *Publisher) publishSensorDiscovery(ctx context.Context, cm *autopaho.ConnectionManager, entitySuffix string, cfg SensorConfig) {
	topic := p.discoveryTopic("sensor", entitySuffix)
	payload, err := json.Marshal(cfg)
	if err != nil {
		p.logger.Error("mqtt marshal discovery payload", "entity", entitySuffix, "error", err)
		return
	}

	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed", "entity", entitySuffix, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published", "entity", entitySuffix, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed", "status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	const minInterval = 5 * time.Second
	interval := time.Duration(p.cfg.PublishIntervalSec) * time.Second
	if interval <= 0 {
		interval = minInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		}
	}
}

func (p *Publisher) publishStates(ctx context.Context) {
	if p.cm == nil {
		return
	}

	p.mu.Lock()
	miConnected := p.miConnected
	monitorHealthy := p.monitorHealthy
	lastEventName := p.lastEventName
	lastEventAt := p.lastEventAt
	p.mu.Unlock()

	eventCount, orphanCount, aggregateCount := p.counters.snapshot()

	lastEvent := "none"
	if lastEventName != "" {
		lastEvent = lastEventName
		if !lastEventAt.IsZero() {
			lastEvent += " @ " + lastEventAt.Format(time.RFC3339)
		}
	}

	states := map[string]string{
		"mi_connected":     boolState(miConnected),
		"monitor_healthy":  boolState(monitorHealthy),
		"events_today":     strconv.FormatInt(eventCount, 10),
		"orphans_today":    strconv.FormatInt(orphanCount, 10),
		"aggregates_today": strconv.FormatInt(aggregateCount, 10),
		"last_event":       lastEvent,
	}

	for entity, value := range states {
		if _, err := p.cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed", "entity", entity, "error", err)
		}
	}
}

func boolState(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
