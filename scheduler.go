package strand

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/behrlich/go-strand/internal/gid"
	"github.com/behrlich/go-strand/internal/logging"
)

// AnyWorker targets a task at whichever worker pops it first.
const AnyWorker = -1

// task is the scheduler queue element: a fiber, or a closure wrapped into a
// fiber at dispatch, optionally pinned to one worker.
type task struct {
	fiber  *Fiber
	fn     func()
	worker int
}

// schedulerHooks are the extension points a reactor-backed scheduler
// overrides. The base implementations busy-park on a wake channel; the
// IOManager replaces them with eventfd writes and epoll waits.
type schedulerHooks interface {
	tickle()
	idle()
	stopping() bool
}

// Scheduler dispatches fibers and closures onto a fixed set of worker
// threads. Workers pop tasks in insertion order (per-worker view), resume
// them, and fall back to the idle hook when the queue has nothing for them.
type Scheduler struct {
	name string
	log  *logging.Logger

	mu    sync.Mutex
	tasks []*task

	threadCount int
	useCaller   bool
	callerGid   int64

	stopFlag bool // guarded by mu
	started  bool // guarded by mu

	activeThreads atomic.Int32
	idleThreads   atomic.Int32

	wg     sync.WaitGroup
	hooks  schedulerHooks
	io     *IOManager // non-nil when owned by an IOManager
	idleCh chan struct{}
	stopCh chan struct{}

	metrics *Metrics
}

// NewScheduler creates a scheduler with the given worker thread count. With
// useCaller the constructing goroutine is counted as one of the workers (one
// fewer thread is spawned) and contributes its share of the queue during
// Stop, which must then be called from that same goroutine.
func NewScheduler(threads int, useCaller bool, name string) *Scheduler {
	if threads <= 0 {
		panic(NewError("NEW_SCHEDULER", ErrCodeInvalidState, "thread count must be positive"))
	}
	if name == "" {
		name = "scheduler"
	}
	s := &Scheduler{
		name:      name,
		log:       logging.Named(name),
		useCaller: useCaller,
		idleCh:    make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		metrics:   NewMetrics(),
	}
	s.hooks = &baseHooks{s}
	if useCaller {
		threads--
		s.callerGid = gid.Get()
	}
	s.threadCount = threads
	return s
}

// Name returns the scheduler's name.
func (s *Scheduler) Name() string { return s.name }

// Metrics returns the scheduler's runtime counters.
func (s *Scheduler) Metrics() *Metrics { return s.metrics }

// IOManager returns the owning reactor, nil for a plain scheduler.
func (s *Scheduler) IOManager() *IOManager { return s.io }

// Start spawns the worker threads. Starting an already started or stopped
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.stopFlag {
		s.mu.Unlock()
		s.log.Warn("start after stop ignored")
		return
	}
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	n := s.threadCount
	s.mu.Unlock()

	for i := 0; i < n; i++ {
		s.spawnWorker(i)
	}
	s.log.Debug("scheduler started", "workers", n, "use_caller", s.useCaller)
}

func (s *Scheduler) spawnWorker(id int) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(id)
	}()
}

// Schedule enqueues a fiber or a closure. The optional worker argument pins
// the task to one worker id; AnyWorker (the default) lets any worker take
// it. Closures are wrapped into fibers at dispatch time.
func (s *Scheduler) Schedule(v any, worker ...int) error {
	target := AnyWorker
	if len(worker) > 0 {
		target = worker[0]
	}

	t := &task{worker: target}
	switch x := v.(type) {
	case *Fiber:
		t.fiber = x
	case func():
		t.fn = x
	default:
		return NewError("SCHEDULE", ErrCodeInvalidState,
			fmt.Sprintf("unsupported task type %T", v))
	}

	s.mu.Lock()
	if s.stopFlag {
		s.mu.Unlock()
		return NewError("SCHEDULE", ErrCodeStopped, "schedule after stop")
	}
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	s.metrics.TasksScheduled.Add(1)
	if needTickle {
		s.hooks.tickle()
	}
	return nil
}

// scheduleInternal enqueues runtime-internal continuations (timer callbacks,
// event handlers, parked fibers). Unlike Schedule it works during the drain
// phase after Stop so in-flight waits can still complete.
func (s *Scheduler) scheduleInternal(t *task) {
	s.mu.Lock()
	needTickle := len(s.tasks) == 0
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()

	if needTickle {
		s.hooks.tickle()
	}
}

// take pops the first task runnable by workerID. It also reports whether
// other tasks remain queued, in which case the caller wakes another worker.
func (s *Scheduler) take(workerID int) (*task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, t := range s.tasks {
		if t.worker != AnyWorker && t.worker != workerID {
			continue
		}
		copy(s.tasks[i:], s.tasks[i+1:])
		s.tasks[len(s.tasks)-1] = nil
		s.tasks = s.tasks[:len(s.tasks)-1]
		return t, len(s.tasks) > 0
	}
	return nil, false
}

func (s *Scheduler) requeue(t *task) {
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
}

// run is the worker loop. Each worker is pinned to an OS thread, registers
// itself in the goroutine registry, enables the hook layer, and alternates
// between draining its view of the queue and resuming its idle fiber.
func (s *Scheduler) run(workerID int) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ctxID := registerCtx(&goCtx{sched: s, hook: true})
	defer unregisterCtx(ctxID)

	s.log.Debug("worker started", "id", workerID)

	idle := NewFiber(s.hooks.idle, &FiberOptions{RunInScheduler: false})
	idle.sched = s

	for {
		t, more := s.take(workerID)
		if more {
			s.hooks.tickle()
		}
		if t != nil {
			f := t.fiber
			if f == nil {
				f = NewFiber(t.fn, nil)
			}
			switch f.State() {
			case FiberTerm:
				continue
			case FiberRunning:
				// The fiber was rescheduled before it finished
				// yielding; put it back and let its worker park it.
				s.requeue(t)
				runtime.Gosched()
				continue
			}
			s.activeThreads.Add(1)
			f.sched = s
			s.metrics.FiberResumes.Add(1)
			f.Resume()
			s.activeThreads.Add(-1)
			if s.hooks.stopping() {
				// That was the last piece of work; wake the workers
				// still parked in their idle fibers so they can exit.
				s.hooks.tickle()
			}
			continue
		}

		if idle.State() == FiberTerm {
			s.hooks.tickle()
			break
		}
		s.metrics.IdleRounds.Add(1)
		s.idleThreads.Add(1)
		idle.sched = s
		idle.Resume()
		s.idleThreads.Add(-1)
	}

	s.log.Debug("worker exited", "id", workerID)
}

// baseStopping is the scheduler-level quiescence predicate: stop requested,
// queue drained, no worker mid-task.
func (s *Scheduler) baseStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopFlag && len(s.tasks) == 0 && s.activeThreads.Load() == 0
}

// Stopping reports whether the scheduler is quiescent, through whatever
// predicate the owning reactor installs.
func (s *Scheduler) Stopping() bool {
	return s.hooks.stopping()
}

// Stop requests shutdown, drains the caller's share in useCaller mode, and
// joins the workers. Idempotent once quiescent. In useCaller mode it must be
// called from the constructing goroutine.
func (s *Scheduler) Stop() error {
	if s.hooks.stopping() {
		return nil
	}

	if s.useCaller && gid.Get() != s.callerGid {
		return NewError("STOP", ErrCodeWrongThread,
			"use_caller scheduler must be stopped from its caller thread")
	}

	s.mu.Lock()
	alreadyStopping := s.stopFlag
	s.stopFlag = true
	n := s.threadCount
	s.mu.Unlock()

	if alreadyStopping {
		// Another stop is already in flight; wait for the workers.
		s.wg.Wait()
		return nil
	}

	close(s.stopCh)
	for i := 0; i < n; i++ {
		s.hooks.tickle()
	}
	if s.useCaller {
		s.hooks.tickle()
		// The caller thread has not contributed a worker loop yet; run
		// one now so it drains its share of the queue before joining.
		s.run(n)
	}

	s.wg.Wait()
	s.metrics.Stop()
	s.log.Debug("scheduler stopped")
	return nil
}

// AdjustThreads grows the worker pool to n threads. Growing is allowed while
// running; shrinking a running scheduler is not supported.
func (s *Scheduler) AdjustThreads(n int) error {
	if n <= 0 {
		return NewError("ADJUST_THREADS", ErrCodeInvalidState, "thread count must be positive")
	}
	if s.useCaller {
		n--
	}

	s.mu.Lock()
	if s.stopFlag {
		s.mu.Unlock()
		return NewError("ADJUST_THREADS", ErrCodeStopped, "adjust after stop")
	}
	if !s.started {
		s.threadCount = n
		s.mu.Unlock()
		return nil
	}
	if n < s.threadCount {
		s.mu.Unlock()
		return NewError("ADJUST_THREADS", ErrCodeInvalidState,
			"cannot shrink a running scheduler")
	}
	from := s.threadCount
	s.threadCount = n
	s.mu.Unlock()

	for i := from; i < n; i++ {
		s.spawnWorker(i)
	}
	return nil
}

// baseHooks is the plain scheduler behavior: channel-parked idle, channel
// tickle, base quiescence predicate.
type baseHooks struct {
	s *Scheduler
}

func (h *baseHooks) tickle() {
	select {
	case h.s.idleCh <- struct{}{}:
	default:
	}
}

func (h *baseHooks) idle() {
	s := h.s
	for !s.hooks.stopping() {
		select {
		case <-s.idleCh:
		case <-s.stopCh:
			// stopCh stays closed; re-park briefly so the drain loop
			// does not spin while other workers finish their tasks.
			select {
			case <-s.idleCh:
			case <-time.After(time.Millisecond):
			}
		}
		Yield()
	}
}

func (h *baseHooks) stopping() bool {
	return h.s.baseStopping()
}
