// Package wsmonitor serves a read-only websocket endpoint that
// broadcasts dispatched Management Interface events and orphan
// responses to connected operator dashboards, for live call-center
// monitoring. It is a server-side mirror of the kind of websocket
// client a monitoring integration would use to watch a PBX: instead of
// dialing out and subscribing, it accepts connections and pushes
// events as they are published on an internal/events.Bus.
package wsmonitor
