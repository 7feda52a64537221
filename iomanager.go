package strand

import (
	"encoding/binary"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/behrlich/go-strand/internal/constants"
)

// Event is the direction bitmask for fd registrations. The values match the
// epoll placement of EPOLLIN/EPOLLOUT; no other bits are valid.
type Event uint32

const (
	// EventNone is the empty mask.
	EventNone Event = 0
	// EventRead parks on read readiness (EPOLLIN).
	EventRead Event = 0x1
	// EventWrite parks on write readiness (EPOLLOUT).
	EventWrite Event = 0x4
)

func (e Event) String() string {
	switch e {
	case EventNone:
		return "none"
	case EventRead:
		return "read"
	case EventWrite:
		return "write"
	case EventRead | EventWrite:
		return "read|write"
	default:
		return "invalid"
	}
}

// eventHandler is one direction's parked continuation: the scheduler that
// registered it plus either a fiber to reschedule or a closure to run.
type eventHandler struct {
	sched *Scheduler
	fiber *Fiber
	cb    func()
}

func (h *eventHandler) empty() bool {
	return h.fiber == nil && h.cb == nil
}

func (h *eventHandler) clear() {
	h.sched = nil
	h.fiber = nil
	h.cb = nil
}

// fdContext is the per-fd registration record. The slot mutex serializes
// add/cancel/delivery for the fd; the containing table has its own lock.
type fdContext struct {
	mu     sync.Mutex
	fd     int
	events Event
	read   eventHandler
	write  eventHandler
}

func (c *fdContext) handlerFor(ev Event) *eventHandler {
	if ev == EventRead {
		return &c.read
	}
	return &c.write
}

// IOManager is a Scheduler whose idle loop blocks in epoll_wait bounded by
// the nearest timer deadline. Fibers (or callbacks) park on fd readiness via
// AddEvent and are dispatched back onto their registering scheduler when the
// direction fires, is cancelled, or times out.
type IOManager struct {
	*Scheduler
	*TimerManager

	epfd   int
	wakeFd int

	mu         sync.RWMutex
	fdContexts []*fdContext

	closeOnce sync.Once
}

// NewIOManager creates the reactor and starts its worker threads
// immediately. The wakeup eventfd is registered edge-triggered in the epoll
// set so schedules and new front timers interrupt a blocked wait.
func NewIOManager(threads int, useCaller bool, name string) (*IOManager, error) {
	if name == "" {
		name = "iomanager"
	}
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, WrapError("EPOLL_CREATE", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, WrapError("EVENTFD", err)
	}

	io := &IOManager{
		Scheduler:    NewScheduler(threads, useCaller, name),
		TimerManager: NewTimerManager(),
		epfd:         epfd,
		wakeFd:       wakeFd,
		fdContexts:   make([]*fdContext, 64),
	}
	io.Scheduler.hooks = io
	io.Scheduler.io = io
	io.TimerManager.onFront = io.tickle

	ev := unix.EpollEvent{
		Events: unix.EPOLLIN | uint32(unix.EPOLLET),
		Fd:     int32(wakeFd),
	}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, &Error{Op: "EPOLL_CTL", Fd: wakeFd, Code: ErrCodeEpoll,
			Errno: errnoOf(err), Msg: "register wakeup fd"}
	}

	io.Start()
	return io, nil
}

// PendingEvents returns the number of registered (fd, direction) waits whose
// handler has not been dispatched yet.
func (io *IOManager) PendingEvents() int64 {
	return io.Scheduler.metrics.PendingEvents.Load()
}

func validateEvent(op string, fd int, ev Event) error {
	if ev != EventRead && ev != EventWrite {
		return NewFdError(op, fd, ErrCodeInvalidState, "event must be read or write")
	}
	return nil
}

// ensureContext returns the context slot for fd, growing the table under the
// writer lock when needed.
func (io *IOManager) ensureContext(fd int) *fdContext {
	io.mu.RLock()
	if fd < len(io.fdContexts) {
		if ctx := io.fdContexts[fd]; ctx != nil {
			io.mu.RUnlock()
			return ctx
		}
	}
	io.mu.RUnlock()

	io.mu.Lock()
	defer io.mu.Unlock()
	if fd >= len(io.fdContexts) {
		grown := make([]*fdContext, fd+fd/2+1)
		copy(grown, io.fdContexts)
		io.fdContexts = grown
	}
	if io.fdContexts[fd] == nil {
		io.fdContexts[fd] = &fdContext{fd: fd}
	}
	return io.fdContexts[fd]
}

func (io *IOManager) lookupContext(fd int) *fdContext {
	io.mu.RLock()
	defer io.mu.RUnlock()
	if fd < 0 || fd >= len(io.fdContexts) {
		return nil
	}
	return io.fdContexts[fd]
}

// AddEvent registers a one-shot wait for ev on fd. With a callback the
// callback is dispatched on readiness; without one the current fiber parks
// and is rescheduled instead. Each direction admits one registration at a
// time.
func (io *IOManager) AddEvent(fd int, ev Event, cb ...func()) error {
	if err := validateEvent("ADD_EVENT", fd, ev); err != nil {
		return err
	}

	var handlerCb func()
	if len(cb) > 0 {
		handlerCb = cb[0]
	}
	var handlerFiber *Fiber
	if handlerCb == nil {
		handlerFiber = Current()
		if handlerFiber == nil {
			return NewFdError("ADD_EVENT", fd, ErrCodeInvalidState,
				"no callback given and no current fiber to park")
		}
	}
	sched := CurrentScheduler()
	if sched == nil {
		sched = io.Scheduler
	}

	ctx := io.ensureContext(fd)
	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	if ctx.events&ev != 0 {
		return NewFdError("ADD_EVENT", fd, ErrCodeAlreadyRegistered,
			"direction "+ev.String()+" already registered")
	}

	op := unix.EPOLL_CTL_MOD
	if ctx.events == EventNone {
		op = unix.EPOLL_CTL_ADD
	}
	epEv := unix.EpollEvent{
		Events: uint32(ctx.events|ev) | uint32(unix.EPOLLET),
		Fd:     int32(fd),
	}
	if err := unix.EpollCtl(io.epfd, op, fd, &epEv); err != nil {
		return &Error{Op: "ADD_EVENT", Fd: fd, Code: ErrCodeEpoll,
			Errno: errnoOf(err), Msg: "epoll_ctl failed"}
	}

	ctx.events |= ev
	h := ctx.handlerFor(ev)
	h.sched = sched
	h.fiber = handlerFiber
	h.cb = handlerCb

	io.Scheduler.metrics.EventsAdded.Add(1)
	io.Scheduler.metrics.PendingEvents.Add(1)
	return nil
}

// DelEvent removes a registered wait without dispatching its handler. A
// direction that is not registered is a no-op.
func (io *IOManager) DelEvent(fd int, ev Event) error {
	if err := validateEvent("DEL_EVENT", fd, ev); err != nil {
		return err
	}
	ctx := io.lookupContext(fd)
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&ev == 0 {
		return nil
	}
	if err := io.shrinkMaskLocked(ctx, ev); err != nil {
		return err
	}
	ctx.handlerFor(ev).clear()
	io.Scheduler.metrics.PendingEvents.Add(-1)
	return nil
}

// CancelEvent removes a registered wait and dispatches its handler as if the
// event had fired, so a parked fiber wakes and observes its cancellation
// condition. Cancelling an unregistered direction is a no-op: either the
// original fires or the cancellation does, never both.
func (io *IOManager) CancelEvent(fd int, ev Event) error {
	if err := validateEvent("CANCEL_EVENT", fd, ev); err != nil {
		return err
	}
	ctx := io.lookupContext(fd)
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events&ev == 0 {
		return nil
	}
	if err := io.shrinkMaskLocked(ctx, ev); err != nil {
		return err
	}
	io.triggerLocked(ctx, ev, true)
	return nil
}

// CancelAll cancels both directions on fd, dispatching any handlers.
func (io *IOManager) CancelAll(fd int) error {
	ctx := io.lookupContext(fd)
	if ctx == nil {
		return nil
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()
	if ctx.events == EventNone {
		return nil
	}
	both := ctx.events
	if err := io.shrinkMaskLocked(ctx, both); err != nil {
		return err
	}
	if both&EventRead != 0 {
		io.triggerLocked(ctx, EventRead, true)
	}
	if both&EventWrite != 0 {
		io.triggerLocked(ctx, EventWrite, true)
	}
	return nil
}

// shrinkMaskLocked removes ev from the fd's registered mask and mirrors the
// change into the epoll set. Caller holds the slot mutex.
func (io *IOManager) shrinkMaskLocked(ctx *fdContext, ev Event) error {
	left := ctx.events &^ ev
	op := unix.EPOLL_CTL_MOD
	if left == EventNone {
		op = unix.EPOLL_CTL_DEL
	}
	epEv := unix.EpollEvent{
		Events: uint32(left) | uint32(unix.EPOLLET),
		Fd:     int32(ctx.fd),
	}
	if err := unix.EpollCtl(io.epfd, op, ctx.fd, &epEv); err != nil {
		return &Error{Op: "EPOLL_CTL", Fd: ctx.fd, Code: ErrCodeEpoll,
			Errno: errnoOf(err), Msg: "epoll_ctl failed"}
	}
	ctx.events = left
	return nil
}

// triggerLocked dispatches one direction's handler onto its recorded
// scheduler and clears the slot. Caller holds the slot mutex and must have
// already removed the direction from the registered mask.
func (io *IOManager) triggerLocked(ctx *fdContext, ev Event, cancelled bool) {
	h := ctx.handlerFor(ev)
	if h.empty() {
		return
	}
	sched := h.sched
	if sched == nil {
		sched = io.Scheduler
	}
	if h.cb != nil {
		sched.scheduleInternal(&task{fn: h.cb, worker: AnyWorker})
	} else {
		sched.scheduleInternal(&task{fiber: h.fiber, worker: AnyWorker})
	}
	h.clear()

	io.Scheduler.metrics.PendingEvents.Add(-1)
	if cancelled {
		io.Scheduler.metrics.EventsCancelled.Add(1)
	} else {
		io.Scheduler.metrics.EventsFired.Add(1)
	}
}

// tickle wakes one epoll-blocked worker by writing the eventfd. Nothing to
// wake means nothing to do.
func (io *IOManager) tickle() {
	if io.Scheduler.idleThreads.Load() == 0 {
		return
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(io.wakeFd, buf[:])
}

// stopping extends the scheduler's quiescence predicate: the reactor is only
// done when no timers remain and every registered wait has been delivered.
func (io *IOManager) stopping() bool {
	return !io.TimerManager.HasTimer() &&
		io.PendingEvents() == 0 &&
		io.Scheduler.baseStopping()
}

// idle is each worker's idle fiber body: wait in epoll bounded by the
// nearest timer deadline, dispatch expired timers and ready fds, yield back
// so the worker re-checks its queue.
func (io *IOManager) idle() {
	events := make([]unix.EpollEvent, constants.EpollEventBatch)

	for {
		if io.stopping() {
			break
		}

		timeout := constants.MaxEpollTimeoutMS
		if next := io.NextTimeout(); next != NoTimeout && next < uint64(timeout) {
			timeout = int(next)
		}

		n, err := unix.EpollWait(io.epfd, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			io.Scheduler.log.Error("epoll_wait failed", "error", err)
			break
		}

		var expired []func()
		io.ListExpired(&expired)
		for _, cb := range expired {
			io.Scheduler.metrics.TimersFired.Add(1)
			io.Scheduler.scheduleInternal(&task{fn: cb, worker: AnyWorker})
		}

		for i := 0; i < n; i++ {
			io.dispatchReady(&events[i])
		}

		Yield()
	}
}

// dispatchReady converts one epoll result into handler dispatches with
// one-shot semantics per direction.
func (io *IOManager) dispatchReady(ev *unix.EpollEvent) {
	fd := int(ev.Fd)
	if fd == io.wakeFd {
		io.drainWake()
		return
	}

	ctx := io.lookupContext(fd)
	if ctx == nil {
		return
	}

	ctx.mu.Lock()
	defer ctx.mu.Unlock()

	evs := ev.Events
	if evs&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		// Deliver errors and hangups to whichever directions are parked.
		evs |= uint32(EventRead|EventWrite) & uint32(ctx.events)
	}
	triggered := Event(evs) & ctx.events
	if triggered == EventNone {
		return
	}

	if err := io.shrinkMaskLocked(ctx, triggered); err != nil {
		io.Scheduler.log.Error("epoll_ctl on delivery failed", "fd", fd, "error", err)
		return
	}
	if triggered&EventRead != 0 {
		io.triggerLocked(ctx, EventRead, false)
	}
	if triggered&EventWrite != 0 {
		io.triggerLocked(ctx, EventWrite, false)
	}
}

func (io *IOManager) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(io.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// Stop drains and joins the scheduler, then releases the epoll set and
// wakeup fd.
func (io *IOManager) Stop() error {
	if err := io.Scheduler.Stop(); err != nil {
		return err
	}
	io.closeOnce.Do(func() {
		unix.Close(io.epfd)
		unix.Close(io.wakeFd)
	})
	return nil
}
