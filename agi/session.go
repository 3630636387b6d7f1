// Package agi implements the Gateway Interface line engine: a
// per-call synchronous request/response loop spoken over a
// bidirectional byte stream, either process standard I/O or an
// accepted TCP connection.
package agi

import (
	"bufio"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/ivrkit/pbxline/internal/events"
	"github.com/ivrkit/pbxline/pbxerr"
)

// codeLine matches the leading decimal code on a GI response line,
// capturing the remainder.
var codeLine = regexp.MustCompile(`^(\d+)\s*(.*)$`)

// keyValue matches one key=value(data) field in a 200 remainder.
var keyValue = regexp.MustCompile(`(\w+)=([^\s]*)(?:\s+\(([^)]*)\))?`)

const resultKey = "result"

// HangupHook is consulted at the top of every Execute call. It
// returns a non-nil error — conventionally a *pbxerr.Error of
// KindHangupDetected — when an out-of-band signal (e.g. a received
// SIGHUP) indicates the call has already ended.
type HangupHook func() error

// Session is one GI connection: the environment preamble captured at
// open, and the strict request/response loop used thereafter.
type Session struct {
	r   *bufio.Reader
	w   io.Writer
	env map[string]string

	hangupHook HangupHook

	// bus, if set via SetBus, receives gi_session_start/gi_command/
	// gi_hangup events for observability sinks. Nil by default, in
	// which case publishing is a no-op.
	bus           *events.Bus
	startReported bool
}

// SetBus attaches an event bus for observability publishing. Intended
// to be called once right after Open, before the first Execute; the
// session-start event is published lazily on the first Execute call
// since the bus is not yet known at Open time.
func (s *Session) SetBus(bus *events.Bus) {
	s.bus = bus
}

// Open reads the environment preamble (a sequence of "Key: Value"
// lines ending at a blank line) from r and returns a Session
// that writes commands to w. hook may be nil (no asynchronous hangup
// signal checked).
func Open(r io.Reader, w io.Writer, hook HangupHook) (*Session, error) {
	s := &Session{
		r:          bufio.NewReader(r),
		w:          w,
		env:        make(map[string]string),
		hangupHook: hook,
	}

	for {
		line, err := s.readLine()
		if err != nil {
			return nil, err
		}
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		s.env[key] = strings.TrimSpace(value)
	}

	return s, nil
}

// Environment returns a copy of the preamble variables Asterisk sent
// when the channel connected.
func (s *Session) Environment() map[string]string {
	out := make(map[string]string, len(s.env))
	for k, v := range s.env {
		out[k] = v
	}
	return out
}

// Execute sends action's encoded command and blocks for the response:
//
//  1. Runs the hangup-check hook, if any.
//  2. Writes the encoded command, newline-terminated.
//  3. Reads one response line and dispatches on its leading code.
func (s *Session) Execute(action *Action) (*Response, error) {
	if !s.startReported {
		s.startReported = true
		s.bus.Publish(events.Event{Source: events.SourceGI, Kind: events.KindGISessionStart,
			Data: map[string]any{"channel": s.env["agi_channel"], "request": s.env["agi_request"]}})
	}

	if s.hangupHook != nil {
		if err := s.hangupHook(); err != nil {
			s.publishHangup(err)
			return nil, err
		}
	}

	if err := s.writeCommand(action.line()); err != nil {
		s.publishHangupIfNeeded(err)
		return nil, err
	}

	resp, err := s.readResult(action.checkHangup())
	if err != nil {
		s.publishHangupIfNeeded(err)
		return nil, err
	}
	s.bus.Publish(events.Event{Source: events.SourceGI, Kind: events.KindGICommand,
		Data: map[string]any{"command": action.Command, "result": resp.Result()}})
	return action.process(resp)
}

func (s *Session) publishHangup(err error) {
	s.bus.Publish(events.Event{Source: events.SourceGI, Kind: events.KindGIHangup,
		Data: map[string]any{"channel": s.env["agi_channel"], "reason": err.Error()}})
}

func (s *Session) publishHangupIfNeeded(err error) {
	if errors.Is(err, pbxerr.ErrHangupDetected) {
		s.publishHangup(err)
	}
}

// writeCommand sends the already newline-terminated command. Any
// write failure surfaces as a pipe-broken HangupDetected error.
func (s *Session) writeCommand(line string) error {
	if _, err := io.WriteString(s.w, line); err != nil {
		return pbxerr.Wrap(pbxerr.KindHangupDetected, err, "write broken: command pipe severed")
	}
	if f, ok := s.w.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return pbxerr.Wrap(pbxerr.KindHangupDetected, err, "flush broken: command pipe severed")
		}
	}
	return nil
}

// readResult reads one code line and dispatches on the code.
func (s *Session) readResult(checkHangup bool) (*Response, error) {
	line, err := s.readLine()
	if err != nil {
		return nil, pbxerr.Wrap(pbxerr.KindHangupDetected, err, "read broken: command pipe severed")
	}

	m := codeLine.FindStringSubmatch(line)
	if m == nil {
		return nil, pbxerr.New(pbxerr.KindUnknownResponse, "unrecognised response line %q", line)
	}
	code, _ := strconv.Atoi(m[1])
	remainder := m[2]

	switch code {
	case 200:
		return s.parse200(code, remainder, checkHangup)
	case 0:
		return nil, pbxerr.New(pbxerr.KindHangupDetected, "no response code (channel signalled hangup)")
	case 510:
		return nil, pbxerr.New(pbxerr.KindInvalidCommand, "unrecognised or unimplemented command")
	case 511:
		return nil, pbxerr.New(pbxerr.KindDeadChannel, "command attempted on a dead channel")
	case 520:
		return nil, s.read520(line)
	default:
		return nil, pbxerr.New(pbxerr.KindUnknownResponse, "unhandled response code %d: %q", code, line)
	}
}

// parse200 extracts key=value(data) fields from a 200 remainder,
// requires a "result" key, and raises ApplicationError on result=-1
// or HangupDetected on a "hangup" result datum when checked.
func (s *Session) parse200(code int, remainder string, checkHangup bool) (*Response, error) {
	items := make(map[string]ValueData)
	for _, m := range keyValue.FindAllStringSubmatch(remainder, -1) {
		items[m[1]] = ValueData{Value: m[2], Data: m[3]}
	}

	result, ok := items[resultKey]
	if !ok {
		return nil, pbxerr.New(pbxerr.KindMalformedResponse, "Asterisk did not provide a %q field", resultKey).WithRaw([]string{remainder})
	}

	if checkHangup && result.Data == "hangup" {
		return nil, pbxerr.New(pbxerr.KindHangupDetected, "result data indicates hangup")
	}

	if result.Value == "-1" {
		return nil, pbxerr.New(pbxerr.KindApplicationError, "application reported failure (result=-1)")
	}

	return &Response{Items: items, Code: code, Raw: remainder}, nil
}

// read520 accumulates diagnostic lines until one starting with "520"
// terminates the block.
func (s *Session) read520(first string) error {
	lines := []string{first}
	for {
		line, err := s.readLine()
		if err != nil {
			return pbxerr.Wrap(pbxerr.KindHangupDetected, err, "read broken while collecting usage error")
		}
		lines = append(lines, line)
		if strings.HasPrefix(line, "520") {
			break
		}
	}
	return pbxerr.New(pbxerr.KindUsageError, "usage error").WithRaw(lines)
}

// readLine reads one line and strips its trailing newline. Fragment
// reassembly (a read yielding a line not ending in '\n' keeps reading
// until the line completes or the pipe breaks) is handled by
// bufio.Reader.ReadString itself, which only returns once it has seen
// the delimiter or the underlying stream has failed.
func (s *Session) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
