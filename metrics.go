package strand

import (
	"sync/atomic"
	"time"
)

// Metrics tracks runtime statistics for a scheduler and its reactor. All
// counters are monotonic except PendingEvents, which is a gauge.
type Metrics struct {
	// Scheduling
	TasksScheduled atomic.Uint64 // Tasks accepted by Schedule
	FiberResumes   atomic.Uint64 // Fiber resume transitions
	IdleRounds     atomic.Uint64 // Worker idle entries

	// Reactor
	EventsAdded     atomic.Uint64 // add_event registrations
	EventsFired     atomic.Uint64 // Handlers dispatched on readiness
	EventsCancelled atomic.Uint64 // Handlers dispatched via cancellation
	PendingEvents   atomic.Int64  // Registered, not yet delivered (gauge)

	// Timers
	TimersFired atomic.Uint64 // Expired timer callbacks dispatched

	// Lifecycle
	StartTime atomic.Int64 // Scheduler start timestamp (UnixNano)
	StopTime  atomic.Int64 // Scheduler stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	TasksScheduled  uint64  `json:"tasks_scheduled"`
	FiberResumes    uint64  `json:"fiber_resumes"`
	IdleRounds      uint64  `json:"idle_rounds"`
	EventsAdded     uint64  `json:"events_added"`
	EventsFired     uint64  `json:"events_fired"`
	EventsCancelled uint64  `json:"events_cancelled"`
	PendingEvents   int64   `json:"pending_events"`
	TimersFired     uint64  `json:"timers_fired"`
	UptimeSeconds   float64 `json:"uptime_seconds"`
}

// Snapshot returns a consistent-enough copy for reporting; individual loads
// are atomic, the set as a whole is not.
func (m *Metrics) Snapshot() MetricsSnapshot {
	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	end := time.Now().UnixNano()
	if stop != 0 {
		end = stop
	}
	return MetricsSnapshot{
		TasksScheduled:  m.TasksScheduled.Load(),
		FiberResumes:    m.FiberResumes.Load(),
		IdleRounds:      m.IdleRounds.Load(),
		EventsAdded:     m.EventsAdded.Load(),
		EventsFired:     m.EventsFired.Load(),
		EventsCancelled: m.EventsCancelled.Load(),
		PendingEvents:   m.PendingEvents.Load(),
		TimersFired:     m.TimersFired.Load(),
		UptimeSeconds:   float64(end-start) / float64(time.Second),
	}
}

// Stop records the stop timestamp.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}
