package wsmonitor

import "github.com/ivrkit/pbxline/internal/events"

// wireMessage is the JSON envelope written to every connected client.
// "hello" carries no event and is sent once on connect so a dashboard
// can distinguish "connected, no activity yet" from "never connected".
type wireMessage struct {
	Type  string        `json:"type"`
	Event *events.Event `json:"event,omitempty"`
}

func helloMessage() wireMessage {
	return wireMessage{Type: "hello"}
}

func eventMessage(e events.Event) wireMessage {
	return wireMessage{Type: "event", Event: &e}
}
