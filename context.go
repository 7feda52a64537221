package strand

import (
	"sync"

	"github.com/behrlich/go-strand/internal/gid"
)

// goCtx is the per-goroutine runtime context: which fiber is executing on the
// goroutine (nil for scheduler workers and foreign goroutines), which
// scheduler owns the goroutine, and whether the hook layer is enabled.
//
// Fields are written either by the owning goroutine or, for fiber goroutines,
// by the resuming worker while the fiber is parked; the resume/yield channel
// handshake orders those writes.
type goCtx struct {
	fiber *Fiber
	sched *Scheduler
	hook  bool
}

var goCtxs sync.Map // goroutine id -> *goCtx

func registerCtx(c *goCtx) int64 {
	id := gid.Get()
	goCtxs.Store(id, c)
	return id
}

func unregisterCtx(id int64) {
	goCtxs.Delete(id)
}

func currentCtx() *goCtx {
	if v, ok := goCtxs.Load(gid.Get()); ok {
		return v.(*goCtx)
	}
	return nil
}

// ensureCtx returns the calling goroutine's context, creating an empty entry
// for goroutines the runtime has never seen (e.g. a user goroutine toggling
// the hook flag).
func ensureCtx() *goCtx {
	id := gid.Get()
	if v, ok := goCtxs.Load(id); ok {
		return v.(*goCtx)
	}
	c := &goCtx{}
	goCtxs.Store(id, c)
	return c
}

// Current returns the fiber executing on the calling goroutine, or nil when
// called outside any fiber.
func Current() *Fiber {
	if c := currentCtx(); c != nil {
		return c.fiber
	}
	return nil
}

// CurrentScheduler returns the scheduler owning the calling goroutine: the
// dispatching scheduler inside a fiber, the worker's scheduler inside
// scheduler code, nil elsewhere.
func CurrentScheduler() *Scheduler {
	c := currentCtx()
	if c == nil {
		return nil
	}
	if c.fiber != nil && c.fiber.sched != nil {
		return c.fiber.sched
	}
	return c.sched
}

// CurrentIOManager returns the IOManager owning the calling goroutine, or nil
// when the current scheduler is not reactor-backed.
func CurrentIOManager() *IOManager {
	if s := CurrentScheduler(); s != nil {
		return s.io
	}
	return nil
}

// SetHookEnable turns syscall hooking on or off for the calling goroutine.
// Scheduler workers enable it on entry; fibers inherit the setting of the
// worker that resumes them.
func SetHookEnable(enable bool) {
	ensureCtx().hook = enable
}

// IsHookEnable reports whether syscall hooking is enabled on the calling
// goroutine.
func IsHookEnable() bool {
	if c := currentCtx(); c != nil {
		return c.hook
	}
	return false
}
