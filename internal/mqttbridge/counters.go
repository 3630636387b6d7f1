package mqttbridge

import (
	"sync"
	"time"
)

// dailyCounters tracks per-day activity counts that reset at local
// midnight: events dispatched, orphan responses, and finalised
// aggregates. Safe for concurrent use.
type dailyCounters struct {
	mu         sync.Mutex
	events     int64
	orphans    int64
	aggregates int64
	resetDay   int // day-of-year of last reset
	loc        *time.Location
}

// newDailyCounters creates a new accumulator using the given timezone
// for midnight detection. If loc is nil, [time.Local] is used.
func newDailyCounters(loc *time.Location) *dailyCounters {
	if loc == nil {
		loc = time.Local
	}
	return &dailyCounters{
		resetDay: time.Now().In(loc).YearDay(),
		loc:      loc,
	}
}

func (d *dailyCounters) recordEvent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.events++
}

func (d *dailyCounters) recordOrphan() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.orphans++
}

func (d *dailyCounters) recordAggregate() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	d.aggregates++
}

// snapshot returns the current accumulated totals after checking for
// midnight rollover.
func (d *dailyCounters) snapshot() (events, orphans, aggregates int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.maybeReset()
	return d.events, d.orphans, d.aggregates
}

// maybeReset zeroes the accumulators if the local day-of-year has
// changed. Must be called with d.mu held.
func (d *dailyCounters) maybeReset() {
	today := time.Now().In(d.loc).YearDay()
	if today != d.resetDay {
		d.events = 0
		d.orphans = 0
		d.aggregates = 0
		d.resetDay = today
	}
}
