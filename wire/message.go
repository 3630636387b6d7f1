// Package wire implements the line-oriented MI record format: parsing
// bytes off the socket into Message values and serialising outbound
// action requests back into bytes.
package wire

import "strings"

const (
	// EOL is the real line terminator used by the MI wire format.
	EOL = "\r\n"

	// eocMarker terminates a Response: Follows payload block.
	eocMarker = "--END COMMAND--"

	// fakeEOL1 and fakeEOL2 are payload-fragment terminators: a line
	// ending in either is never a header line, regardless of whether
	// it contains a colon.
	fakeEOL1 = "\n\r\n"
	fakeEOL2 = "\r\r\n"
)

// Well-known header names.
const (
	HeaderEvent    = "Event"
	HeaderResponse = "Response"
	HeaderActionID = "ActionID"
	HeaderAction   = "Action"
)

// Sentinel names synthesised for messages that declare neither an
// Event nor a Response header, per the Message invariant.
const (
	GenericResponse = "Generic Response"
	GenericEvent    = "Generic Event"
)

// ResponseFollows is the Response header value that opens a multi-line
// payload block terminated by eocMarker.
const ResponseFollows = "Follows"

// ResponseSuccess is the Response header value for a successful result.
const ResponseSuccess = "Success"

// Header is one Name: Value pair as it appeared on the wire. Messages
// keep headers in an ordered slice rather than a map because a header
// name may repeat (e.g. repeated list-valued headers on an outbound
// Action).
type Header struct {
	Name  string
	Value string
}

// Message is an ordered mapping from header name to header value, plus
// a Data payload of raw lines for commands that stream multi-line
// output. It is the wire-level representation shared by events,
// responses, and aggregates.
type Message struct {
	Headers []Header
	Data    []string
}

// Get returns the value of the first header matching name, or "" if
// none is present.
func (m *Message) Get(name string) string {
	for _, h := range m.Headers {
		if h.Name == name {
			return h.Value
		}
	}
	return ""
}

// GetAll returns the values of every header matching name, in the
// order they appeared on the wire.
func (m *Message) GetAll(name string) []string {
	var vals []string
	for _, h := range m.Headers {
		if h.Name == name {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// Has reports whether name appears at least once among the headers.
func (m *Message) Has(name string) bool {
	for _, h := range m.Headers {
		if h.Name == name {
			return true
		}
	}
	return false
}

// Set replaces the value of the first existing occurrence of name,
// leaving any later occurrences unchanged, and appends a header
// carrying value if name was not present. Used to
// synthesise the Event/Response sentinel header.
func (m *Message) Set(name, value string) {
	for i, h := range m.Headers {
		if h.Name == name {
			m.Headers[i].Value = value
			return
		}
	}
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Add appends an additional header occurrence, used for list-valued
// outbound headers.
func (m *Message) Add(name, value string) {
	m.Headers = append(m.Headers, Header{Name: name, Value: value})
}

// Name returns the Event header for events, the Response header for
// responses.
func (m *Message) Name() string {
	if v := m.Get(HeaderEvent); v != "" {
		return v
	}
	return m.Get(HeaderResponse)
}

// ActionID returns the correlation token, if any.
func (m *Message) ActionID() string {
	return m.Get(HeaderActionID)
}

// EventName satisfies ami.Dispatchable so a raw Message can be routed
// through the same callback registry as a finalised Aggregate.
func (m *Message) EventName() string {
	return m.Name()
}

// IsEvent reports whether the message carries an Event header.
func (m *Message) IsEvent() bool {
	return m.Has(HeaderEvent)
}

// IsResponse reports whether the message carries a Response header.
func (m *Message) IsResponse() bool {
	return m.Has(HeaderResponse)
}

// Success reports whether a response's Response header is Success or
// Follows. Meaningless (returns false) for events.
func (m *Message) Success() bool {
	r := m.Get(HeaderResponse)
	return r == ResponseSuccess || r == ResponseFollows
}

// synthesiseName fills in a missing Event/Response header per the
// Message invariant: presence of ActionID implies a response, its
// absence implies an unsolicited event, each tagged with a generic
// sentinel name.
func (m *Message) synthesiseName() {
	if m.IsEvent() || m.IsResponse() {
		return
	}
	if m.Has(HeaderActionID) {
		m.Set(HeaderResponse, GenericResponse)
	} else {
		m.Set(HeaderEvent, GenericEvent)
	}
}

// isHeaderLine reports whether a raw, EOL-terminated line is still
// part of the header block: a line lacking a ':' separator, ending in
// a payload-fragment terminator, or otherwise not properly
// EOL-terminated marks the start of the data block.
func isHeaderLine(line string) bool {
	if strings.HasSuffix(line, fakeEOL1) || strings.HasSuffix(line, fakeEOL2) {
		return false
	}
	if !strings.HasSuffix(line, EOL) {
		return false
	}
	return strings.Contains(line, ":")
}

// parseMessage splits a message's already-delimited raw lines into
// headers followed by data: once a line fails isHeaderLine, it and
// every line after it belong to Data. Returns nil for an empty line
// set, which callers discard.
func parseMessage(lines []string) *Message {
	if len(lines) == 0 {
		return nil
	}
	m := &Message{}
	i := 0
	for ; i < len(lines); i++ {
		line := lines[i]
		if !isHeaderLine(line) {
			break
		}
		name, value, _ := strings.Cut(line, ":")
		m.Headers = append(m.Headers, Header{
			Name:  strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	for ; i < len(lines); i++ {
		m.Data = append(m.Data, strings.TrimSpace(lines[i]))
	}
	m.synthesiseName()
	return m
}

// Bytes serialises the message for transmission: the Action header
// first (if present), then every other header in order (a repeated
// name emits one line per value), terminated by an extra CRLF. This is
// the outbound framing used by SendAction.
func (m *Message) Bytes() []byte {
	var b strings.Builder
	if action := m.Get(HeaderAction); action != "" {
		b.WriteString(HeaderAction)
		b.WriteString(": ")
		b.WriteString(action)
		b.WriteString(EOL)
	}
	for _, h := range m.Headers {
		if h.Name == HeaderAction {
			continue
		}
		b.WriteString(h.Name)
		b.WriteString(": ")
		b.WriteString(h.Value)
		b.WriteString(EOL)
	}
	b.WriteString(EOL)
	return []byte(b.String())
}
