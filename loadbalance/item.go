package loadbalance

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Stream is the persistent connection a load-balance item wraps. Callers
// supply concrete streams through the SD factory; the balancer only needs
// liveness and teardown.
type Stream interface {
	IsConnected() bool
	Close() error
}

// Item is one backend connection inside a balancer: identity, the owned
// stream (possibly disconnected), the sliding-window statistics, the current
// selection weight, and the discovery timestamp driving warm-up.
type Item struct {
	id            uint64
	stream        atomic.Pointer[streamBox]
	stats         StatsSet
	weight        atomic.Int64
	discoveryTime int64 // unix seconds
}

// streamBox wraps the interface so an atomic pointer can hold it.
type streamBox struct {
	s Stream
}

// NewItem creates an item around a stream. The discovery time starts the
// 180-second warm-up window used by the fair strategy.
func NewItem(id uint64, s Stream) *Item {
	it := &Item{id: id, discoveryTime: time.Now().Unix()}
	it.stream.Store(&streamBox{s: s})
	it.weight.Store(initialWeight)
	return it
}

// ID returns the item's discovery-assigned id.
func (it *Item) ID() uint64 { return it.id }

// Stream returns the wrapped stream, nil if unset.
func (it *Item) Stream() Stream {
	if b := it.stream.Load(); b != nil {
		return b.s
	}
	return nil
}

// SetStream replaces the wrapped stream.
func (it *Item) SetStream(s Stream) {
	it.stream.Store(&streamBox{s: s})
}

// Weight returns the current selection weight.
func (it *Item) Weight() int64 { return it.weight.Load() }

// SetWeight overrides the selection weight; the fair strategy recomputes it
// on every rebuild.
func (it *Item) SetWeight(w int64) { it.weight.Store(w) }

// DiscoveryTime returns the unix second the backend was discovered.
func (it *Item) DiscoveryTime() int64 { return it.discoveryTime }

// SetDiscoveryTime backdates the warm-up window, e.g. when an item is
// rebuilt from persisted discovery state.
func (it *Item) SetDiscoveryTime(ts int64) { it.discoveryTime = ts }

// Stats exposes the sliding-window statistics.
func (it *Item) Stats() *StatsSet { return &it.stats }

// IsValid reports whether the item holds a connected stream.
func (it *Item) IsValid() bool {
	s := it.Stream()
	return s != nil && s.IsConnected()
}

// CloseOn tears the stream down asynchronously on the given worker so
// discovery diffs never block on remote teardown.
func (it *Item) CloseOn(schedule func(func()) error) {
	s := it.Stream()
	if s == nil {
		return
	}
	if schedule == nil || schedule(func() { _ = s.Close() }) != nil {
		_ = s.Close()
	}
}

func (it *Item) String() string {
	now := uint64(time.Now().Unix())
	s := it.Stream()
	streamDesc := "stream=null"
	if s != nil {
		streamDesc = fmt.Sprintf("stream=[is_connected=%v]", s.IsConnected())
	}
	return fmt.Sprintf("[Item id=%d weight=%d discovery_time=%s %s%s]",
		it.id, it.Weight(),
		time.Unix(it.discoveryTime, 0).Format("2006-01-02 15:04:05"),
		streamDesc, it.stats.Total(now))
}

// Call bookkeeping helpers: callers wrap each request so the fair strategy
// sees latency, concurrency, and failure signals.

// StartCall records a call entering flight at now (unix seconds).
func (it *Item) StartCall(now uint64) {
	it.stats.Bucket(now, func(s *Stats) {
		s.Total++
		s.Doing++
	})
}

// FinishCall records a call settling: usedMS of latency, ok or error, and
// whether the deadline was hit.
func (it *Item) FinishCall(now uint64, usedMS uint64, ok, timedOut bool) {
	it.stats.Bucket(now, func(s *Stats) {
		if s.Doing > 0 {
			s.Doing--
		}
		s.UsedTime += usedMS
		switch {
		case timedOut:
			s.Timeouts++
		case ok:
			s.Oks++
		default:
			s.Errs++
		}
	})
}
