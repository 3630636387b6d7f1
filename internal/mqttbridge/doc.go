// Package mqttbridge republishes dispatched Management Interface events
// to an MQTT broker using Home Assistant MQTT discovery, so a PBX
// deployment can surface live call activity on an existing HA
// dashboard without a bespoke UI. The bridge is publish-only: it
// subscribes to an internal/events.Bus and turns a trickle of Event
// values into a handful of retained sensor-state topics (one of them
// tracking the MI connection) plus an availability topic tracking the
// bridge's own broker connection.
package mqttbridge
