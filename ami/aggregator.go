package ami

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ivrkit/pbxline/catalogue"
	"github.com/ivrkit/pbxline/wire"
)

// aggregateEntry is the live bookkeeping for one in-flight Aggregate:
// the declared member/finaliser classes (by name, since that's what
// arrives on the wire) and what has been collected so far.
type aggregateEntry struct {
	actionID string

	memberNames    map[string]struct{}
	finaliserNames map[string]struct{}
	countHeaders   []string

	members    map[string][]*wire.Message
	finalisers map[string]*wire.Message
	pending    map[string]struct{} // finaliser names not yet received

	deadline time.Time
}

func newAggregateEntry(actionID string, class AggregateClass, deadline time.Time) *aggregateEntry {
	e := &aggregateEntry{
		actionID:       actionID,
		memberNames:    make(map[string]struct{}, len(class.Members)),
		finaliserNames: make(map[string]struct{}, len(class.Finalisers)),
		countHeaders:   class.CountHeaders,
		members:        make(map[string][]*wire.Message),
		finalisers:     make(map[string]*wire.Message),
		pending:        make(map[string]struct{}, len(class.Finalisers)),
		deadline:       deadline,
	}
	for _, c := range class.Members {
		e.memberNames[c.EventName()] = struct{}{}
	}
	for _, c := range class.Finalisers {
		name := c.EventName()
		e.finaliserNames[name] = struct{}{}
		e.pending[name] = struct{}{}
	}
	return e
}

// evaluate classifies msg against this entry's declared classes:
// members append, finalisers store and may complete the entry. Only
// called while the aggregator's mutex is held.
func (e *aggregateEntry) evaluate(msg *wire.Message) (consumed, finalised bool) {
	name := msg.Name()
	if _, ok := e.memberNames[name]; ok {
		e.members[name] = append(e.members[name], msg)
		return true, false
	}
	if _, ok := e.finaliserNames[name]; ok {
		e.finalisers[name] = msg
		delete(e.pending, name)
		return true, len(e.pending) == 0
	}
	return false, false
}

// finish builds the public Aggregate, validating the declared count
// header on whichever finaliser carries one.
func (e *aggregateEntry) finish() *Aggregate {
	agg := &Aggregate{
		ActionID:   e.actionID,
		Members:    e.members,
		Finalisers: e.finalisers,
		Valid:      true,
	}

	memberCount := 0
	for _, list := range e.members {
		memberCount += len(list)
	}

	for name, fin := range e.finalisers {
		agg.Name = name // last one wins when multiple finalisers are declared
		for _, header := range e.countHeaders {
			raw := fin.Get(header)
			if raw == "" {
				continue
			}
			n, ok := catalogue.Int(raw)
			if !ok {
				continue
			}
			if n != memberCount {
				agg.Valid = false
				agg.ValidationError = fmt.Sprintf("%s declared %s but %d members were collected", header, raw, memberCount)
			}
			break
		}
	}

	return agg
}

// aggregator holds every in-flight Aggregate, evaluating arriving
// events against them in order and periodically reaping expired ones.
type aggregator struct {
	mu      sync.Mutex
	entries []*aggregateEntry
	ready   []*Aggregate
}

func newAggregator() *aggregator {
	return &aggregator{}
}

// add publishes a freshly constructed aggregate for actionID/class,
// with the given deadline.
func (a *aggregator) add(actionID string, class AggregateClass, deadline time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, newAggregateEntry(actionID, class, deadline))
}

// offer evaluates msg against every live aggregate in order, stopping
// at the first match so no event is delivered to more than one
// aggregate. Returns false if msg matched no aggregate's
// ActionID/class.
func (a *aggregator) offer(msg *wire.Message) bool {
	actionID := msg.ActionID()
	if actionID == "" {
		return false
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.entries {
		if e.actionID != actionID {
			continue
		}
		consumed, finalised := e.evaluate(msg)
		if !consumed {
			continue
		}
		if finalised {
			agg := e.finish()
			a.ready = append(a.ready, agg)
			a.entries = append(a.entries[:i], a.entries[i+1:]...)
		}
		return true
	}
	return false
}

// drainReady returns and clears every aggregate that finalised since
// the last call, for the dispatcher's per-cycle "complete any pending
// aggregate events" step.
func (a *aggregator) drainReady() []*Aggregate {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.ready) == 0 {
		return nil
	}
	ready := a.ready
	a.ready = nil
	return ready
}

// reapExpired discards aggregates past their deadline, logging a
// warning for each.
func (a *aggregator) reapExpired(logger *slog.Logger) {
	now := time.Now()
	a.mu.Lock()
	defer a.mu.Unlock()

	kept := a.entries[:0]
	for _, e := range a.entries {
		if now.After(e.deadline) {
			logger.Warn("aggregate expired before all finalisers arrived",
				"action_id", e.actionID,
				"pending_finalisers", len(e.pending),
			)
			continue
		}
		kept = append(kept, e)
	}
	a.entries = kept
}
