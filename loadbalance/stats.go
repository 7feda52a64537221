// Package loadbalance maintains sets of outbound connections per
// (domain, service) pair with round-robin, weighted, and adaptive-fair
// selection, fed by a service-discovery diff stream.
package loadbalance

import (
	"fmt"
	"sync"
)

// statsWindow is the number of one-second buckets in the sliding window.
const statsWindow = 5

// Stats is one bucket of per-connection counters.
type Stats struct {
	UsedTime uint64 // Summed call latency, ms
	Total    uint64 // Calls started
	Doing    uint64 // Calls in flight
	Timeouts uint64 // Calls that hit their deadline
	Oks      uint64 // Calls that succeeded
	Errs     uint64 // Calls that failed
}

// Add accumulates other into s.
func (s *Stats) Add(other Stats) {
	s.UsedTime += other.UsedTime
	s.Total += other.Total
	s.Doing += other.Doing
	s.Timeouts += other.Timeouts
	s.Oks += other.Oks
	s.Errs += other.Errs
}

// Clear zeroes the bucket.
func (s *Stats) Clear() {
	*s = Stats{}
}

func (s Stats) String() string {
	okRate, errRate, avgUsed := 0.0, 0.0, 0.0
	if s.Total > 0 {
		okRate = float64(s.Oks) * 100 / float64(s.Total)
		errRate = float64(s.Errs) * 100 / float64(s.Total)
	}
	if s.Oks > 0 {
		avgUsed = float64(s.UsedTime) / float64(s.Oks)
	}
	return fmt.Sprintf(
		"[Stat total=%d used_time=%d doing=%d timeouts=%d oks=%d errs=%d oks_rate=%.1f errs_rate=%.1f avg_used=%.1f]",
		s.Total, s.UsedTime, s.Doing, s.Timeouts, s.Oks, s.Errs, okRate, errRate, avgUsed)
}

// StatsSet is the sliding window: a ring of one-second buckets. Rolling into
// a new second clears every bucket the window skipped over.
type StatsSet struct {
	mu         sync.Mutex
	buckets    [statsWindow]Stats
	lastUpdate uint64 // seconds
}

// rollLocked advances the window to now, clearing stale buckets.
func (ss *StatsSet) rollLocked(now uint64) {
	if ss.lastUpdate >= now {
		return
	}
	for t, i := ss.lastUpdate+1, 0; t <= now && i < statsWindow; t, i = t+1, i+1 {
		ss.buckets[t%statsWindow].Clear()
	}
	ss.lastUpdate = now
}

// Bucket hands the current second's bucket to fn for mutation.
func (ss *StatsSet) Bucket(now uint64, fn func(*Stats)) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.rollLocked(now)
	fn(&ss.buckets[now%statsWindow])
}

// Total aggregates the whole window.
func (ss *StatsSet) Total(now uint64) Stats {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.rollLocked(now)
	var out Stats
	for i := range ss.buckets {
		out.Add(ss.buckets[i])
	}
	return out
}
