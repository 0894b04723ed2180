package collector

import (
	"sync"
	"sync/atomic"
	"time"
)

// uptimeWindow is the number of recent collection outcomes tracked for UptimePct.
const uptimeWindow = 20

// entry is the registry's record of one collector.
type entry struct {
	mu       sync.Mutex // guards c, strategy and history
	c        Collector
	strategy Strategy
	history  []bool // collection outcomes, newest last

	runMu    sync.Mutex // serializes collections of this collector
	inflight atomic.Bool
}

func (e *entry) snapshot() (Collector, Strategy) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.c.clone(), e.strategy
}

// record applies the outcome of one collection to the collector's status
// fields and returns the resulting status.
func (e *entry) record(at time.Time, err error) Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.history) >= uptimeWindow {
		e.history = e.history[1:]
	}
	e.history = append(e.history, err == nil)

	e.c.LastCollection = at
	e.c.UptimePct = uptimePct(e.history)
	if err != nil {
		e.c.Status = StatusError
		e.c.LastError = err.Error()
	} else {
		e.c.Status = StatusActive
		e.c.LastError = ""
	}
	return e.c.Status
}

func uptimePct(history []bool) float64 {
	if len(history) == 0 {
		return 100 // assume up before first observation
	}
	var ok int
	for _, s := range history {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(history)) * 100
}
