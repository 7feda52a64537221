// Package strand is a cooperative fiber runtime for Linux servers: stackful
// coroutine semantics over parked goroutines, a multi-threaded scheduler, an
// epoll reactor with an integrated timer set, per-fd metadata tracking, and a
// hooked syscall layer that turns blocking-looking I/O into fiber suspension.
//
// The pieces compose bottom-up. A Fiber is resumed and yielded explicitly.
// A Scheduler dispatches fibers and closures onto locked worker threads.
// An IOManager is a Scheduler whose idle loop blocks in epoll_wait bounded by
// the nearest timer deadline; fibers park on fd readiness and are rescheduled
// on wakeup. The hook layer (Sleep, Read, Recv, Send, Connect, ...) mirrors
// the libc calls it replaces, preserving their return-value/errno contracts
// while suspending the calling fiber instead of the thread.
//
// Higher-level building blocks live in the dag and loadbalance subpackages.
package strand
