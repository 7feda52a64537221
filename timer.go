package strand

import (
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"weak"

	"github.com/behrlich/go-strand/internal/constants"
)

// procStart anchors the monotonic millisecond clock every deadline in the
// runtime is expressed against.
var procStart = time.Now()

// nowMS returns milliseconds since process start on the monotonic clock.
func nowMS() uint64 {
	return uint64(time.Since(procStart) / time.Millisecond)
}

// Timer is a handle to a pending (or cancelled) timed callback.
type Timer struct {
	mgr       *TimerManager
	periodMS  uint64
	deadline  uint64 // absolute, nowMS() epoch
	cb        func()
	recurring bool
	seq       uint64 // insertion identity, breaks deadline ties
}

// Cancel removes the timer; it returns false if the timer already fired (and
// is not recurring) or was already cancelled.
func (t *Timer) Cancel() bool {
	t.mgr.mu.Lock()
	defer t.mgr.mu.Unlock()
	if t.cb == nil {
		return false
	}
	t.cb = nil
	if i := t.mgr.indexOfLocked(t); i >= 0 {
		t.mgr.removeAtLocked(i)
	}
	return true
}

// Refresh restarts the timer's period from now.
func (t *Timer) Refresh() bool {
	return t.Reset(t.periodMS, true)
}

// Reset changes the timer's period. With fromNow the new period is measured
// from the current instant, otherwise from the original start time.
func (t *Timer) Reset(ms uint64, fromNow bool) bool {
	if ms == t.periodMS && !fromNow {
		return true
	}
	t.mgr.mu.Lock()
	if t.cb == nil {
		t.mgr.mu.Unlock()
		return false
	}
	i := t.mgr.indexOfLocked(t)
	if i < 0 {
		t.mgr.mu.Unlock()
		return false
	}
	t.mgr.removeAtLocked(i)

	var start uint64
	if fromNow {
		start = nowMS()
	} else {
		start = t.deadline - t.periodMS
	}
	t.periodMS = ms
	t.deadline = start + ms
	atFront := t.mgr.insertLocked(t)
	t.mgr.mu.Unlock()

	if atFront {
		t.mgr.notifyFront()
	}
	return true
}

// Cond is the shared per-operation state a conditional timer witnesses. The
// hook layer allocates one per blocking call; the timeout callback both
// checks liveness through the weak pointer and records the cancellation
// errno here.
type Cond struct {
	cancelled atomic.Int32

	// Padding to 16 bytes keeps Cond out of the runtime's tiny-allocation
	// batches, where a weak pointer to it would stay valid for as long as
	// any other object sharing the batch is reachable.
	_ [12]byte
}

// SetCancelled records errno as the cancellation reason; only the first
// caller wins.
func (c *Cond) SetCancelled(errno syscall.Errno) bool {
	return c.cancelled.CompareAndSwap(0, int32(errno))
}

// Cancelled returns the recorded cancellation errno, 0 if none.
func (c *Cond) Cancelled() syscall.Errno {
	return syscall.Errno(c.cancelled.Load())
}

// TimerManager keeps the ordered set of pending timers. Ordering is by
// (deadline, insertion sequence); equal deadlines fire in insertion order.
type TimerManager struct {
	mu           sync.RWMutex
	timers       []*Timer
	tickled      atomic.Bool
	previousTime uint64
	nextSeq      atomic.Uint64

	// onFront is invoked (outside the lock) when an insertion becomes the
	// new nearest deadline. The IOManager points this at its wakeup write.
	onFront func()
}

// NewTimerManager creates an empty timer set.
func NewTimerManager() *TimerManager {
	return &TimerManager{previousTime: nowMS()}
}

// AddTimer schedules cb to run after ms milliseconds, repeatedly if
// recurring.
func (tm *TimerManager) AddTimer(ms uint64, cb func(), recurring bool) *Timer {
	t := &Timer{
		mgr:       tm,
		periodMS:  ms,
		deadline:  nowMS() + ms,
		cb:        cb,
		recurring: recurring,
		seq:       tm.nextSeq.Add(1),
	}
	tm.mu.Lock()
	atFront := tm.insertLocked(t)
	tm.mu.Unlock()

	if atFront {
		tm.notifyFront()
	}
	return t
}

// AddConditionTimer schedules cb like AddTimer, but the callback only runs if
// the witness is still reachable when the deadline arrives. This ties a
// timeout to per-call state: once the call returns and drops its Cond, a
// late-firing timer degenerates to a no-op.
func (tm *TimerManager) AddConditionTimer(ms uint64, cb func(), witness weak.Pointer[Cond], recurring bool) *Timer {
	return tm.AddTimer(ms, func() {
		if witness.Value() != nil {
			cb()
		}
	}, recurring)
}

// NextTimeout returns milliseconds until the nearest deadline, 0 if a timer
// is already due, NoTimeout if the set is empty. It also re-arms the
// front-insertion notification latch.
func (tm *TimerManager) NextTimeout() uint64 {
	tm.tickled.Store(false)
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	if len(tm.timers) == 0 {
		return NoTimeout
	}
	now := nowMS()
	next := tm.timers[0].deadline
	if now >= next {
		return 0
	}
	return next - now
}

// HasTimer reports whether any timer is pending.
func (tm *TimerManager) HasTimer() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return len(tm.timers) > 0
}

// ListExpired appends the callbacks of all due timers to cbs, re-queueing
// recurring ones with deadline now+period. If the clock appears to have
// jumped backward by more than an hour, every timer is treated as expired.
func (tm *TimerManager) ListExpired(cbs *[]func()) {
	now := nowMS()

	tm.mu.RLock()
	empty := len(tm.timers) == 0
	tm.mu.RUnlock()
	if empty {
		return
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	rollover := tm.detectClockRollover(now)
	if !rollover && len(tm.timers) > 0 && tm.timers[0].deadline > now {
		return
	}

	var idx int
	if rollover {
		idx = len(tm.timers)
	} else {
		idx = sort.Search(len(tm.timers), func(i int) bool {
			return tm.timers[i].deadline > now
		})
	}

	expired := make([]*Timer, idx)
	copy(expired, tm.timers[:idx])
	tm.timers = tm.timers[idx:]

	for _, t := range expired {
		if t.cb == nil {
			continue
		}
		*cbs = append(*cbs, t.cb)
		if t.recurring {
			t.deadline = now + t.periodMS
			tm.insertLocked(t)
		} else {
			t.cb = nil
		}
	}
}

// insertLocked places t into the ordered set and reports whether it became
// the new front while the notification latch was clear.
func (tm *TimerManager) insertLocked(t *Timer) bool {
	i := sort.Search(len(tm.timers), func(i int) bool {
		o := tm.timers[i]
		if o.deadline != t.deadline {
			return o.deadline > t.deadline
		}
		return o.seq > t.seq
	})
	tm.timers = append(tm.timers, nil)
	copy(tm.timers[i+1:], tm.timers[i:])
	tm.timers[i] = t

	return i == 0 && tm.tickled.CompareAndSwap(false, true)
}

func (tm *TimerManager) indexOfLocked(t *Timer) int {
	i := sort.Search(len(tm.timers), func(i int) bool {
		o := tm.timers[i]
		if o.deadline != t.deadline {
			return o.deadline > t.deadline
		}
		return o.seq >= t.seq
	})
	if i < len(tm.timers) && tm.timers[i] == t {
		return i
	}
	return -1
}

func (tm *TimerManager) removeAtLocked(i int) {
	copy(tm.timers[i:], tm.timers[i+1:])
	tm.timers[len(tm.timers)-1] = nil
	tm.timers = tm.timers[:len(tm.timers)-1]
}

func (tm *TimerManager) notifyFront() {
	if tm.onFront != nil {
		tm.onFront()
	}
}

// detectClockRollover flags a backward jump larger than the rollover window.
// Caller holds the write lock.
func (tm *TimerManager) detectClockRollover(now uint64) bool {
	rollover := now < tm.previousTime &&
		now < tm.previousTime-constants.ClockRolloverMS
	tm.previousTime = now
	return rollover
}
