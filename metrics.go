package reactor

import (
	"sync/atomic"
	"time"
)

// Metrics tracks operational statistics for one event loop and the
// services multiplexed on it. All counters are atomic so snapshots
// may be taken from any thread while the loop runs.
type Metrics struct {
	// Loop counters
	Wakeups          atomic.Uint64 // Demultiplexer returns
	EventsDispatched atomic.Uint64 // FD callbacks invoked
	EventsDropped    atomic.Uint64 // Events skipped with no requested readiness left (graveyard entries have mask 0)
	DeferredExecuted atomic.Uint64 // Deferred callbacks drained

	// Timer counters
	TimersFired     atomic.Uint64 // Subscriber invocations
	TimersCancelled atomic.Uint64 // Successful cancels

	// Pub/sub counters
	MessagesRouted    atomic.Uint64 // Messages delivered to a handler
	MessagesDiscarded atomic.Uint64 // Messages with no registered handler

	// Active-object counters
	WorkItemsExecuted atomic.Uint64 // Work items run on the worker

	// Lifecycle
	StartTime atomic.Int64 // Loop creation timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Wakeups           uint64
	EventsDispatched  uint64
	EventsDropped     uint64
	DeferredExecuted  uint64
	TimersFired       uint64
	TimersCancelled   uint64
	MessagesRouted    uint64
	MessagesDiscarded uint64
	WorkItemsExecuted uint64
	Uptime            time.Duration
}

// Snapshot returns a consistent-enough view for reporting; individual
// counters are read atomically but not as a group.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Wakeups:           m.Wakeups.Load(),
		EventsDispatched:  m.EventsDispatched.Load(),
		EventsDropped:     m.EventsDropped.Load(),
		DeferredExecuted:  m.DeferredExecuted.Load(),
		TimersFired:       m.TimersFired.Load(),
		TimersCancelled:   m.TimersCancelled.Load(),
		MessagesRouted:    m.MessagesRouted.Load(),
		MessagesDiscarded: m.MessagesDiscarded.Load(),
		WorkItemsExecuted: m.WorkItemsExecuted.Load(),
		Uptime:            time.Since(time.Unix(0, m.StartTime.Load())),
	}
}

// Reset zeroes every counter, keeping the start time.
func (m *Metrics) Reset() {
	m.Wakeups.Store(0)
	m.EventsDispatched.Store(0)
	m.EventsDropped.Store(0)
	m.DeferredExecuted.Store(0)
	m.TimersFired.Store(0)
	m.TimersCancelled.Store(0)
	m.MessagesRouted.Store(0)
	m.MessagesDiscarded.Store(0)
	m.WorkItemsExecuted.Store(0)
}
