package strand

import (
	"fmt"
	"runtime/debug"
	"sync/atomic"

	"github.com/behrlich/go-strand/internal/logging"
)

// FiberState is the lifecycle state of a fiber.
type FiberState int32

const (
	// FiberReady means the fiber can be resumed.
	FiberReady FiberState = iota
	// FiberRunning means the fiber currently owns a worker.
	FiberRunning
	// FiberTerm means the fiber body returned; terminal.
	FiberTerm
)

func (s FiberState) String() string {
	switch s {
	case FiberReady:
		return "ready"
	case FiberRunning:
		return "running"
	case FiberTerm:
		return "term"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var fiberLog = logging.Named("fiber")

var nextFiberID atomic.Uint64

// FiberOptions tunes fiber construction. The zero value of RunInScheduler is
// meaningful, so a nil options pointer selects the defaults (configured stack
// size, RunInScheduler true).
type FiberOptions struct {
	// StackSize is advisory; goroutine stacks grow on demand and the value
	// is only recorded for introspection. 0 selects fiber.stack_size.
	StackSize uint32

	// RunInScheduler marks the fiber as owned by a scheduler; suspension
	// hands control back to the resuming worker either way, the flag is
	// kept for symmetry with scheduler-external fibers.
	RunInScheduler bool
}

// Fiber is a cooperatively scheduled unit of execution with explicit
// Resume/Yield control transfer. The body runs on a dedicated goroutine that
// stays parked whenever the fiber is not Running, so at most one fiber per
// worker executes at any instant.
type Fiber struct {
	id             uint64
	state          atomic.Int32
	fn             func()
	stackSize      uint32
	runInScheduler bool

	// sched is the scheduler that last dispatched this fiber. Written by
	// the resuming worker before the resume handshake, read by the fiber
	// goroutine after it.
	sched *Scheduler

	resumeCh chan struct{}
	yieldCh  chan struct{}
	started  atomic.Bool
	ctx      *goCtx
}

// NewFiber creates a Ready fiber around fn. The fiber does not run until
// resumed, either directly or by a scheduler dispatch.
func NewFiber(fn func(), opts *FiberOptions) *Fiber {
	stack := FiberStackSize()
	ris := true
	if opts != nil {
		if opts.StackSize > 0 {
			stack = opts.StackSize
		}
		ris = opts.RunInScheduler
	}
	f := &Fiber{
		id:             nextFiberID.Add(1),
		fn:             fn,
		stackSize:      stack,
		runInScheduler: ris,
		resumeCh:       make(chan struct{}),
		yieldCh:        make(chan struct{}),
	}
	f.state.Store(int32(FiberReady))
	return f
}

// Spawn creates a fiber and schedules it on the calling goroutine's
// scheduler. It is the usual way user code starts concurrent work from
// inside the runtime.
func Spawn(fn func(), opts *FiberOptions) (*Fiber, error) {
	sched := CurrentScheduler()
	if sched == nil {
		return nil, NewError("SPAWN", ErrCodeInvalidState, "no scheduler on calling goroutine")
	}
	f := NewFiber(fn, opts)
	if err := sched.Schedule(f); err != nil {
		return nil, err
	}
	return f, nil
}

// ID returns the fiber's process-unique id.
func (f *Fiber) ID() uint64 { return f.id }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() FiberState { return FiberState(f.state.Load()) }

// StackSize returns the advisory stack size recorded at construction.
func (f *Fiber) StackSize() uint32 { return f.stackSize }

// RunInScheduler reports whether the fiber was created for scheduler
// dispatch rather than direct resumption.
func (f *Fiber) RunInScheduler() bool { return f.runInScheduler }

// Resume transfers control to the fiber until its next yield or termination.
// The fiber must be Ready; resuming a Running or Term fiber is a programming
// error and fails loudly.
func (f *Fiber) Resume() {
	if !f.state.CompareAndSwap(int32(FiberReady), int32(FiberRunning)) {
		err := NewError("RESUME", ErrCodeInvalidState,
			fmt.Sprintf("fiber %d is %s, want ready", f.id, f.State()))
		fiberLog.Error("resume on non-ready fiber", "id", f.id, "state", f.State())
		panic(err)
	}
	if f.started.CompareAndSwap(false, true) {
		go f.trampoline()
	} else if f.ctx != nil {
		// The fiber goroutine is parked; propagate the dispatching
		// worker's hook setting before waking it.
		f.ctx.hook = f.sched != nil
	}
	f.resumeCh <- struct{}{}
	<-f.yieldCh
}

// Yield suspends the calling fiber, returning control to its resumer. Must be
// called from inside a fiber.
func Yield() {
	f := Current()
	if f == nil {
		err := NewError("YIELD", ErrCodeInvalidState, "yield outside any fiber")
		fiberLog.Error("yield outside any fiber")
		panic(err)
	}
	f.yield()
}

func (f *Fiber) yield() {
	if FiberState(f.state.Load()) != FiberRunning {
		err := NewError("YIELD", ErrCodeInvalidState,
			fmt.Sprintf("fiber %d is %s, want running", f.id, f.State()))
		fiberLog.Error("yield on non-running fiber", "id", f.id, "state", f.State())
		panic(err)
	}
	f.state.Store(int32(FiberReady))
	f.yieldCh <- struct{}{}
	<-f.resumeCh
}

// trampoline is the fiber goroutine's entry point: it registers the fiber in
// the goroutine registry, waits for the first resume, runs the body with
// panic containment, and performs the terminal yield. It never returns into
// user code.
func (f *Fiber) trampoline() {
	f.ctx = &goCtx{fiber: f, hook: f.sched != nil}
	id := registerCtx(f.ctx)
	defer unregisterCtx(id)

	<-f.resumeCh

	func() {
		defer func() {
			if r := recover(); r != nil {
				fiberLog.Error("fiber body panicked",
					"id", f.id, "panic", r, "stack", string(debug.Stack()))
			}
		}()
		f.fn()
	}()

	f.state.Store(int32(FiberTerm))
	f.yieldCh <- struct{}{}
}
