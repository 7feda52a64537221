package dag

import (
	"sync"
	"sync/atomic"
	"time"

	strand "github.com/behrlich/go-strand"
	"github.com/behrlich/go-strand/internal/logging"
)

// ExecutorState is the executor lifecycle state.
type ExecutorState int32

const (
	// ExecutorIdle means no execution has started.
	ExecutorIdle ExecutorState = iota
	// ExecutorRunning means tasks are being dispatched.
	ExecutorRunning
	// ExecutorPaused means dispatched tasks wait before running their body.
	ExecutorPaused
	// ExecutorStopped means execution was aborted.
	ExecutorStopped
	// ExecutorCompleted means every task finished successfully.
	ExecutorCompleted
	// ExecutorFailed means every task settled and at least one failed.
	ExecutorFailed
)

var execLog = logging.Named("dag")

// Executor runs a DAG on a strand scheduler. Entry tasks are submitted at
// Start; each completion submits whichever successors became unblocked. A
// failed task never bumps its successors' counters, so dependents of a
// failure stay Ready forever while independent subgraphs run to completion —
// settling the run as Failed without cascading cancellation.
type Executor struct {
	mu sync.Mutex
	cv *sync.Cond

	dag       *DAG
	worker    *strand.IOManager
	ownWorker bool

	state     atomic.Int32
	completed atomic.Int32
	failed    atomic.Int32
}

// NewExecutor creates an executor over the given worker. A nil worker gets a
// private single-threaded IOManager that is torn down on Shutdown.
func NewExecutor(worker *strand.IOManager) (*Executor, error) {
	e := &Executor{worker: worker}
	e.cv = sync.NewCond(&e.mu)
	if e.worker == nil {
		w, err := strand.NewIOManager(1, false, "dag-worker")
		if err != nil {
			return nil, err
		}
		e.worker = w
		e.ownWorker = true
	}
	return e, nil
}

// State returns the executor's current state.
func (e *Executor) State() ExecutorState {
	return ExecutorState(e.state.Load())
}

// CompletedTasks returns the number of successfully finished tasks.
func (e *Executor) CompletedTasks() int { return int(e.completed.Load()) }

// FailedTasks returns the number of failed tasks.
func (e *Executor) FailedTasks() int { return int(e.failed.Load()) }

func (e *Executor) isRunning() bool { return e.State() == ExecutorRunning }
func (e *Executor) isPaused() bool  { return e.State() == ExecutorPaused }
func (e *Executor) isStopped() bool { return e.State() == ExecutorStopped }

func (e *Executor) isTerminal() bool {
	switch e.State() {
	case ExecutorCompleted, ExecutorFailed, ExecutorStopped:
		return true
	default:
		return false
	}
}

// SetDAG installs the graph to execute. Rejected while running.
func (e *Executor) SetDAG(d *DAG) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRunning() || e.isPaused() {
		execLog.Warn("cannot set DAG while executor is running")
		return
	}
	e.dag = d
	e.resetLocked()
}

// SetWorker replaces the scheduler. Rejected while running; a previously
// owned worker is stopped.
func (e *Executor) SetWorker(worker *strand.IOManager) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRunning() || e.isPaused() {
		execLog.Warn("cannot set worker while executor is running")
		return nil
	}
	if e.ownWorker && e.worker != nil {
		e.worker.Stop()
		e.ownWorker = false
	}
	e.worker = worker
	if e.worker == nil {
		w, err := strand.NewIOManager(1, false, "dag-worker")
		if err != nil {
			return err
		}
		e.worker = w
		e.ownWorker = true
	}
	return nil
}

// Start submits the entry tasks. It returns false for an empty or cyclic
// graph; a terminal executor is reset and restarted.
func (e *Executor) Start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dag == nil || e.dag.IsEmpty() {
		execLog.Warn("cannot start executor with empty DAG")
		return false
	}
	if e.dag.HasCycle() {
		execLog.Warn("cannot start executor with cyclic DAG")
		return false
	}
	if e.isRunning() || e.isPaused() {
		execLog.Warn("executor is already running")
		return true
	}
	if e.isTerminal() {
		e.resetLocked()
	}

	e.state.Store(int32(ExecutorRunning))
	for _, t := range e.dag.EntryTasks() {
		e.submit(t)
	}
	return true
}

// Pause makes dispatched tasks wait before running their bodies. Tasks
// already mid-body finish normally.
func (e *Executor) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isRunning() {
		e.state.Store(int32(ExecutorPaused))
		execLog.Info("executor paused")
	}
}

// Resume releases paused tasks.
func (e *Executor) Resume() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.isPaused() {
		e.state.Store(int32(ExecutorRunning))
		execLog.Info("executor resumed")
		e.cv.Broadcast()
	}
}

// Stop aborts the run: tasks not yet executing return without running. The
// owned worker, if any, keeps running so the executor can be restarted; it
// is only stopped by Shutdown.
func (e *Executor) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.isTerminal() {
		e.state.Store(int32(ExecutorStopped))
		execLog.Info("executor stopped")
		e.cv.Broadcast()
	}
}

// Shutdown stops the executor and tears down an owned worker.
func (e *Executor) Shutdown() {
	e.Stop()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ownWorker && e.worker != nil {
		e.worker.Stop()
		e.worker = nil
		e.ownWorker = false
	}
}

// WaitForCompletion blocks until the run settles. A zero timeout waits
// forever. It returns true iff the final state is Completed.
func (e *Executor) WaitForCompletion(timeout time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if timeout == 0 {
		for !e.isTerminal() {
			e.cv.Wait()
		}
		return e.State() == ExecutorCompleted
	}

	deadline := time.Now().Add(timeout)
	for !e.isTerminal() {
		if time.Now().After(deadline) {
			return false
		}
		// Condvars have no timed wait; poke the waiter periodically so
		// the deadline is observed.
		waker := time.AfterFunc(10*time.Millisecond, e.cv.Broadcast)
		e.cv.Wait()
		waker.Stop()
	}
	return e.State() == ExecutorCompleted
}

// submit dispatches one unblocked task onto the worker. Caller holds no
// guarantee the executor is still running by the time the body executes;
// the wrapper re-checks.
func (e *Executor) submit(t *Task) {
	if t == nil || e.isStopped() {
		return
	}
	if !t.allPredecessorsDone() {
		return
	}

	body := func() {
		if e.isPaused() {
			e.mu.Lock()
			for e.isPaused() && !e.isStopped() {
				e.cv.Wait()
			}
			e.mu.Unlock()
		}
		if e.isStopped() {
			return
		}

		t.run()
		e.onTaskSettled(t)
	}
	if err := e.worker.Schedule(body); err != nil {
		execLog.Error("failed to schedule task", "task", t.Name(), "error", err)
	}
}

// onTaskSettled updates counters, releases newly unblocked successors, and
// checks for run completion.
func (e *Executor) onTaskSettled(t *Task) {
	switch t.State() {
	case TaskFinished:
		e.completed.Add(1)
		for _, s := range t.succs {
			if int(s.donePreds.Add(1)) == len(s.preds) {
				e.submit(s)
			}
		}
	case TaskFailed:
		e.failed.Add(1)
		if r := t.Result(); r != nil {
			execLog.Warn("task failed", "task", t.Name(), "error", r.ErrMsg)
		}
	}

	e.checkCompletion()
}

func (e *Executor) checkCompletion() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dag == nil || e.isTerminal() {
		return
	}

	settled := int(e.completed.Load() + e.failed.Load())
	total := e.dag.TaskCount()
	remaining := e.unreachableLocked()

	if settled+remaining == total {
		if e.failed.Load() > 0 {
			e.state.Store(int32(ExecutorFailed))
		} else if remaining == 0 {
			e.state.Store(int32(ExecutorCompleted))
		} else {
			// Tasks gated behind a failure can never run; without any
			// recorded failure this branch is unreachable.
			e.state.Store(int32(ExecutorFailed))
		}
		e.cv.Broadcast()
	}
}

// unreachableLocked counts Ready tasks that can never run because some
// predecessor (transitively) failed. They settle the run without executing.
func (e *Executor) unreachableLocked() int {
	if e.failed.Load() == 0 {
		return 0
	}

	blocked := make(map[string]bool)
	var visit func(t *Task) bool
	visit = func(t *Task) bool {
		if b, seen := blocked[t.name]; seen {
			return b
		}
		blocked[t.name] = false
		if t.State() == TaskFailed {
			blocked[t.name] = true
			return true
		}
		for _, p := range t.preds {
			if visit(p) {
				blocked[t.name] = true
				return true
			}
		}
		return blocked[t.name]
	}

	count := 0
	for _, t := range e.dag.Tasks() {
		if t.State() == TaskReady && visit(t) {
			count++
		}
	}
	return count
}

// resetLocked returns the executor and every task to a fresh state.
func (e *Executor) resetLocked() {
	e.completed.Store(0)
	e.failed.Store(0)
	e.state.Store(int32(ExecutorIdle))
	if e.dag != nil {
		for _, t := range e.dag.Tasks() {
			t.reset()
		}
	}
}
