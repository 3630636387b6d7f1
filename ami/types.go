package ami

import (
	"time"

	"github.com/ivrkit/pbxline/catalogue"
	"github.com/ivrkit/pbxline/wire"
)

// Dispatchable is the common tag every value delivered to a callback
// satisfies: a raw event/response Message, or a finalised Aggregate.
// Consumers type-switch on the concrete value when they need more than
// the name.
type Dispatchable interface {
	EventName() string
}

// EventCallback is invoked by the dispatcher for a matching event or
// finalised aggregate. Implementations must be quick: callbacks run
// serially on the single dispatcher goroutine and a slow one delays
// every subsequent event.
type EventCallback func(Dispatchable)

// OrphanCallback is invoked for responses with no matching outstanding
// request, including responses that arrive after their request's
// timeout has already fired.
type OrphanCallback func(*wire.Message)

// HeaderField is one outbound Name/Value pair. A header is repeated by
// appending multiple HeaderFields with the same Name; the outbound
// wire.Message's Bytes emits one line per occurrence under that name.
type HeaderField struct {
	Name  string
	Value string
}

// Action is the value-object describing a request to send on the MI
// wire.
type Action struct {
	// Name is the Action header value, e.g. "Ping", "Originate".
	Name string
	// Headers carries any additional headers, in emission order.
	Headers []HeaderField
	// ActionID, if set, is used verbatim as the correlation token;
	// otherwise one is generated by the client.
	ActionID string
	// Timeout bounds how long SendAction waits for a response (and, for
	// synchronous actions, for the finaliser events). Defaults to 5s.
	Timeout time.Duration
	// Synchronous requests block until all declared finaliser events
	// have arrived or Timeout expires; unique/list events collected by
	// then are returned alongside, but are not waited for. Mutually
	// exclusive with AggregateClasses: SendAction rejects an Action
	// that sets both with pbxerr.ErrInvalidAction before touching the
	// socket.
	Synchronous bool
	// AggregateClasses, when non-empty, is only valid on an
	// asynchronous action: one Aggregate is constructed per declared
	// class and published to the aggregator once the action is sent.
	AggregateClasses []AggregateClass
	// UniqueEvents are synchronous follow-up event classes of which at
	// most one is expected.
	UniqueEvents []catalogue.EventClass
	// ListEvents are synchronous follow-up event classes of which zero
	// or more are expected.
	ListEvents []catalogue.EventClass
	// FinaliserEvents are synchronous follow-up event classes that must
	// all arrive before the request is considered complete.
	FinaliserEvents []catalogue.EventClass
	// ProcessResponse, if set, replaces the default response processor
	// (which just sets Success from the Response header). Used by
	// login-like actions to surface AuthFailed on an Error response.
	ProcessResponse func(*Response) error
}

// AggregateClass declares one member/finaliser event class pair an
// asynchronous list-style action expects to accumulate into an
// Aggregate.
type AggregateClass struct {
	// Members are the event classes collected as aggregate members.
	Members []catalogue.EventClass
	// Finalisers are the event classes whose joint arrival completes
	// the aggregate.
	Finalisers []catalogue.EventClass
	// CountHeaders lists header names checked on each finaliser for a
	// self-reported item count, tried in order (e.g. "ListItems",
	// "Total", "Items").
	CountHeaders []string
}

// EventsMap holds the follow-up events collected for a synchronous
// request, indexed both by the registered class object and by the
// event's wire name so callers can look up either way.
type EventsMap struct {
	byClass map[catalogue.EventClass][]*wire.Message
	byName  map[string][]*wire.Message
}

func newEventsMap() *EventsMap {
	return &EventsMap{
		byClass: make(map[catalogue.EventClass][]*wire.Message),
		byName:  make(map[string][]*wire.Message),
	}
}

func (e *EventsMap) reserve(class catalogue.EventClass) {
	if _, ok := e.byClass[class]; !ok {
		e.byClass[class] = nil
		e.byName[class.EventName()] = nil
	}
}

func (e *EventsMap) append(class catalogue.EventClass, msg *wire.Message) {
	e.byClass[class] = append(e.byClass[class], msg)
	e.byName[class.EventName()] = append(e.byName[class.EventName()], msg)
}

// ByClass returns the events collected for class, or nil if class was
// never declared on the request.
func (e *EventsMap) ByClass(class catalogue.EventClass) []*wire.Message {
	return e.byClass[class]
}

// ByName returns the events collected under the given event name.
func (e *EventsMap) ByName(name string) []*wire.Message {
	return e.byName[name]
}

// One returns the single event collected for a UniqueEvents class, or
// nil if it never arrived.
func (e *EventsMap) One(class catalogue.EventClass) *wire.Message {
	list := e.byClass[class]
	if len(list) == 0 {
		return nil
	}
	return list[0]
}

// Response is the record SendAction returns.
type Response struct {
	// Result is the response message itself.
	Result *wire.Message
	// Request is the action that produced this response.
	Request *Action
	// ActionID is the resolved correlation token used on the wire.
	ActionID string
	// Success mirrors Result.Success() after Request.ProcessResponse
	// (or the default processor) has run.
	Success bool
	// Elapsed is the time between send and response arrival.
	Elapsed time.Duration
	// Events is non-nil only for synchronous requests.
	Events *EventsMap
	// EventsTimeout is true if a synchronous request's response arrived
	// but not all finalisers did before Request.Timeout elapsed.
	EventsTimeout bool
}

// Aggregate is a composite message bound to one ActionID that
// accumulates member events and is finalised by a set of terminator
// events.
type Aggregate struct {
	ActionID string
	// Name is the finaliser event's wire name, used for callback
	// routing once the aggregate is published as a Dispatchable.
	Name string
	// Members holds every member event collected, keyed by event name.
	Members map[string][]*wire.Message
	// Finalisers holds the terminator events received, keyed by name.
	Finalisers map[string]*wire.Message
	// Valid is true iff every declared finaliser's self-reported count
	// header (when present) matches the accumulated member count.
	Valid bool
	// ValidationError explains a false Valid, empty otherwise.
	ValidationError string
}

func (a *Aggregate) EventName() string { return a.Name }

// memberCount returns the total number of member events collected
// across all classes.
func (a *Aggregate) memberCount() int {
	n := 0
	for _, list := range a.Members {
		n += len(list)
	}
	return n
}
