package strand

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerRunsClosures(t *testing.T) {
	s := NewScheduler(2, false, "test-closures")
	s.Start()

	var count atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		require.NoError(t, s.Schedule(func() {
			count.Add(1)
			wg.Done()
		}))
	}
	wg.Wait()
	require.NoError(t, s.Stop())
	assert.Equal(t, int32(20), count.Load())
}

func TestSchedulerRunsFibers(t *testing.T) {
	s := NewScheduler(1, false, "test-fibers")
	s.Start()

	done := make(chan uint64, 1)
	f := NewFiber(func() {
		done <- Current().ID()
	}, nil)
	require.NoError(t, s.Schedule(f))

	select {
	case id := <-done:
		assert.Equal(t, f.ID(), id)
	case <-time.After(time.Second):
		t.Fatal("fiber never ran")
	}
	require.NoError(t, s.Stop())
	assert.Equal(t, FiberTerm, f.State())
}

func TestSchedulerInsertionOrderSingleWorker(t *testing.T) {
	s := NewScheduler(1, false, "test-order")

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Schedule(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}

	s.Start()
	require.NoError(t, s.Stop())

	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSchedulerTargetedTask(t *testing.T) {
	s := NewScheduler(2, false, "test-target")
	s.Start()

	done := make(chan struct{})
	require.NoError(t, s.Schedule(func() { close(done) }, 1))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("targeted task never ran")
	}
	require.NoError(t, s.Stop())
}

func TestSchedulerUseCallerDrainsOnStop(t *testing.T) {
	s := NewScheduler(1, true, "test-caller")
	s.Start()

	// No worker threads were spawned; the queue drains when the caller
	// runs its share during Stop.
	var ran atomic.Bool
	require.NoError(t, s.Schedule(func() { ran.Store(true) }))
	require.NoError(t, s.Stop())
	assert.True(t, ran.Load())
}

func TestSchedulerStopWrongThread(t *testing.T) {
	s := NewScheduler(2, true, "test-wrong-thread")
	s.Start()

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Stop()
	}()
	err := <-errCh
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeWrongThread))

	require.NoError(t, s.Stop())
}

func TestScheduleAfterStop(t *testing.T) {
	s := NewScheduler(1, false, "test-after-stop")
	s.Start()
	require.NoError(t, s.Stop())

	err := s.Schedule(func() {})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeStopped))
}

func TestStopIdempotent(t *testing.T) {
	s := NewScheduler(1, false, "test-idempotent")
	s.Start()
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}

func TestSchedulerRejectsUnknownTaskType(t *testing.T) {
	s := NewScheduler(1, false, "test-badtype")
	err := s.Schedule(42)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidState))
}

func TestAdjustThreadsGrow(t *testing.T) {
	s := NewScheduler(1, false, "test-grow")
	s.Start()
	require.NoError(t, s.AdjustThreads(3))

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		require.NoError(t, s.Schedule(func() { wg.Done() }))
	}
	wg.Wait()
	require.NoError(t, s.Stop())
}

func TestAdjustThreadsShrinkRejected(t *testing.T) {
	s := NewScheduler(3, false, "test-shrink")
	s.Start()
	err := s.AdjustThreads(1)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeInvalidState))
	require.NoError(t, s.Stop())
}

func TestSchedulerFiberYieldAndReschedule(t *testing.T) {
	s := NewScheduler(1, false, "test-reyield")
	s.Start()

	var phases []string
	var mu sync.Mutex
	done := make(chan struct{})

	var f *Fiber
	f = NewFiber(func() {
		mu.Lock()
		phases = append(phases, "a")
		mu.Unlock()
		// Re-schedule ourselves before yielding; the worker picks the
		// fiber back up for the second phase.
		_ = s.Schedule(f)
		Yield()
		mu.Lock()
		phases = append(phases, "b")
		mu.Unlock()
		close(done)
	}, nil)

	require.NoError(t, s.Schedule(f))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("fiber was not rescheduled")
	}
	require.NoError(t, s.Stop())

	assert.Equal(t, []string{"a", "b"}, phases)
}

func TestSchedulerHookEnabledInWorkers(t *testing.T) {
	s := NewScheduler(1, false, "test-hookflag")
	s.Start()

	got := make(chan bool, 1)
	require.NoError(t, s.Schedule(func() {
		got <- IsHookEnable()
	}))
	select {
	case v := <-got:
		assert.True(t, v)
	case <-time.After(time.Second):
		t.Fatal("task never ran")
	}
	require.NoError(t, s.Stop())

	// The flag is per-goroutine, not global.
	assert.False(t, IsHookEnable())
}
