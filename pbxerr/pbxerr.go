// Package pbxerr defines the typed error kinds surfaced by the ami and
// agi packages. Callers use errors.Is against the exported sentinels
// (and errors.As against *Error when the richer payload is needed)
// rather than matching on string text.
package pbxerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of failure a *Error wraps.
type Kind string

const (
	// KindNotConnected means SendAction was invoked with no live socket.
	KindNotConnected Kind = "not_connected"
	// KindSocketBroken means a read or write failed after connect; the
	// socket is closed as a side effect of raising this kind.
	KindSocketBroken Kind = "socket_broken"
	// KindAuthFailed means a login-like action received an Error response.
	KindAuthFailed Kind = "auth_failed"
	// KindTimeout is soft: SendAction returns nil, logged at warning level.
	KindTimeout Kind = "timeout"
	// KindEventsTimeout is soft: a synchronous SendAction returned with
	// events_timeout=true and a partial events map.
	KindEventsTimeout Kind = "events_timeout"
	// KindMalformedResponse means the GI engine got a 200 block with no
	// result header.
	KindMalformedResponse Kind = "malformed_response"
	// KindApplicationError means a GI 200 block carried result=-1.
	KindApplicationError Kind = "application_error"
	// KindDeadChannel is GI response code 511.
	KindDeadChannel Kind = "dead_channel"
	// KindInvalidCommand is GI response code 510.
	KindInvalidCommand Kind = "invalid_command"
	// KindUsageError is GI response code 520.
	KindUsageError Kind = "usage_error"
	// KindHangupDetected covers result.data=="hangup" on a hangup-checking
	// action, a pipe-broken read, or an asynchronous hangup signal
	// observed at the next Execute.
	KindHangupDetected Kind = "hangup_detected"
	// KindUnknownResponse means the GI engine received a code line it
	// could not parse, or a response code outside {200,0,510,511,520}.
	KindUnknownResponse Kind = "unknown_response"
	// KindInvalidAction means the caller constructed an Action that
	// violates a structural invariant, e.g. setting both Synchronous
	// and AggregateClasses.
	KindInvalidAction Kind = "invalid_action"
)

// Sentinels for use with errors.Is. Each wraps nothing on its own; use
// New or Wrap to attach context and still satisfy errors.Is(err, Sentinel).
var (
	ErrNotConnected      = errors.New(string(KindNotConnected))
	ErrSocketBroken      = errors.New(string(KindSocketBroken))
	ErrAuthFailed        = errors.New(string(KindAuthFailed))
	ErrTimeout           = errors.New(string(KindTimeout))
	ErrEventsTimeout     = errors.New(string(KindEventsTimeout))
	ErrMalformedResponse = errors.New(string(KindMalformedResponse))
	ErrApplicationError  = errors.New(string(KindApplicationError))
	ErrDeadChannel       = errors.New(string(KindDeadChannel))
	ErrInvalidCommand    = errors.New(string(KindInvalidCommand))
	ErrUsageError        = errors.New(string(KindUsageError))
	ErrHangupDetected    = errors.New(string(KindHangupDetected))
	ErrUnknownResponse   = errors.New(string(KindUnknownResponse))
	ErrInvalidAction     = errors.New(string(KindInvalidAction))
)

var sentinels = map[Kind]error{
	KindNotConnected:      ErrNotConnected,
	KindSocketBroken:      ErrSocketBroken,
	KindAuthFailed:        ErrAuthFailed,
	KindTimeout:           ErrTimeout,
	KindEventsTimeout:     ErrEventsTimeout,
	KindMalformedResponse: ErrMalformedResponse,
	KindApplicationError:  ErrApplicationError,
	KindDeadChannel:       ErrDeadChannel,
	KindInvalidCommand:    ErrInvalidCommand,
	KindUsageError:        ErrUsageError,
	KindHangupDetected:    ErrHangupDetected,
	KindUnknownResponse:   ErrUnknownResponse,
	KindInvalidAction:     ErrInvalidAction,
}

// Error carries a Kind plus diagnostic context (e.g. the raw response
// lines for a GI usage error, or the partial items for a malformed
// 200 block).
type Error struct {
	Kind    Kind
	Message string
	Raw     []string // raw lines attached for GI errors, when relevant
	Err     error    // underlying cause, if any (socket errors, etc.)
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() []error {
	sentinel := sentinels[e.Kind]
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// New builds a *Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error of the given kind around an underlying cause.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithRaw attaches raw diagnostic lines (GI usage-error accumulation,
// malformed 200-block partial items) and returns the receiver.
func (e *Error) WithRaw(lines []string) *Error {
	e.Raw = lines
	return e
}

// Is reports whether target is the sentinel for e's Kind, so that
// errors.Is(err, pbxerr.ErrTimeout) works without an explicit Unwrap
// chain walk by the caller.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}
