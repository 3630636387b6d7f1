package agi

import (
	"fmt"
	"strings"
)

// ValueData is the value/data pair parsed out of one GI response
// key=value(data) field.
type ValueData struct {
	Value string
	Data  string
}

// Response is the record Execute returns on a 200 code line: the
// parsed key=value(data) fields, the numeric code, and the raw
// remainder of the code line with the code stripped.
type Response struct {
	Items map[string]ValueData
	Code  int
	Raw   string
}

// Result returns the mandatory "result" field's value, or "" if it was
// somehow absent (Execute never returns a Response missing it).
func (r *Response) Result() string {
	return r.Items["result"].Value
}

// Action is a value-object describing one GI command: the verb plus
// its arguments, joined and newline-terminated when sent. CheckHangup
// controls whether a literal "hangup" result datum raises
// HangupDetected or is returned as ordinary data.
type Action struct {
	// Command is the command verb, e.g. "STREAM FILE".
	Command string
	// Arguments are appended after Command, space-separated, skipping
	// any nil entries (a nil argument is omitted from the line).
	Arguments []any
	// CheckHangup enables the result.data=="hangup" check in Execute.
	// NewAction sets this true, matching the common case; actions built
	// as a bare Action{} literal (e.g. status queries whose legitimate
	// result may be the literal string "hangup") get it false and must
	// set it explicitly to opt in.
	CheckHangup bool
	// ProcessResponse, if set, post-processes a successful Response
	// before Execute returns it. The default is the identity function.
	ProcessResponse func(*Response) (*Response, error)
}

// NewAction builds an Action with CheckHangup enabled, the common case.
func NewAction(command string, arguments ...any) *Action {
	return &Action{Command: command, Arguments: arguments, CheckHangup: true}
}

// Quote encapsulates value in ASCII double quotes, coercing it to a
// string first if necessary.
func Quote(value any) string {
	return fmt.Sprintf("%q", fmt.Sprint(value))
}

// line renders the command and its non-nil arguments as the single
// line Execute writes to the wire, always newline-terminated.
func (a *Action) line() string {
	parts := make([]string, 0, len(a.Arguments)+1)
	parts = append(parts, strings.TrimSpace(a.Command))
	for _, arg := range a.Arguments {
		if arg == nil {
			continue
		}
		parts = append(parts, fmt.Sprint(arg))
	}
	cmd := strings.TrimSpace(strings.Join(parts, " "))
	if !strings.HasSuffix(cmd, "\n") {
		cmd += "\n"
	}
	return cmd
}

func (a *Action) checkHangup() bool {
	return a.CheckHangup
}

func (a *Action) process(r *Response) (*Response, error) {
	if a.ProcessResponse == nil {
		return r, nil
	}
	return a.ProcessResponse(r)
}
