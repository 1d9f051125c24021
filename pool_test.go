package synclab

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func newTestPool(t *testing.T, contexts int) *Pool {
	t.Helper()
	pool, err := NewPool(PoolConfig{MaxContexts: contexts, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return pool
}

// gated holds every unit until release is closed, so no context can go idle
// while the test is still submitting.
func gated(release <-chan struct{}, d time.Duration) Workload {
	return func(w *Worker) error {
		<-release
		time.Sleep(d)
		return nil
	}
}

// TestPool_ReuseReport runs more units than contexts and checks the work was
// spread over exactly the pool's contexts.
func TestPool_ReuseReport(t *testing.T) {
	tests := []struct {
		name     string
		contexts int
		units    int
	}{
		{"4 contexts 100 units", 4, 100},
		{"1 context 10 units", 1, 10},
		{"8 contexts 8 units", 8, 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := newTestPool(t, tt.contexts)
			release := make(chan struct{})

			workers := make([]*Worker, 0, tt.units)
			for i := 0; i < tt.units; i++ {
				w, err := pool.Submit(gated(release, time.Millisecond))
				if err != nil {
					t.Fatalf("Submit %d: %v", i, err)
				}
				workers = append(workers, w)
			}
			close(release)
			pool.JoinAll()

			AssertReuse(t, pool.ReuseReport(), tt.contexts, tt.units)

			for _, w := range workers {
				if w.Status() != StatusCompleted {
					t.Errorf("worker %d: %s", w.ID, w.Status())
				}
				if id := w.ContextID(); id < 0 || id >= tt.contexts {
					t.Errorf("worker %d ran on context %d, outside [0,%d)", w.ID, id, tt.contexts)
				}
			}

			m := pool.Metrics()
			if m.Contexts != int64(tt.contexts) {
				t.Errorf("started %d contexts, want %d", m.Contexts, tt.contexts)
			}
			if m.Completed != int64(tt.units) {
				t.Errorf("completed %d, want %d", m.Completed, tt.units)
			}
			if err := pool.Shutdown(); err != nil {
				t.Errorf("Shutdown: %v", err)
			}
		})
	}
}

// TestPool_ContextsBounded checks no more than MaxContexts units run at once.
func TestPool_ContextsBounded(t *testing.T) {
	const contexts = 3

	pool := newTestPool(t, contexts)
	defer pool.Shutdown()

	var mu sync.Mutex
	running, peak := 0, 0
	unit := func(w *Worker) error {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(2 * time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return nil
	}

	for i := 0; i < 30; i++ {
		if _, err := pool.Submit(unit); err != nil {
			t.Fatal(err)
		}
	}
	pool.JoinAll()

	if peak > contexts {
		t.Errorf("peak concurrency %d exceeds %d contexts", peak, contexts)
	}
	t.Logf("✓ Peak concurrency %d with %d contexts", peak, contexts)
}

func TestPool_SubmitAfterShutdown(t *testing.T) {
	pool := newTestPool(t, 2)
	if err := pool.Shutdown(); err != nil {
		t.Fatalf("Shutdown of an empty pool: %v", err)
	}

	w, err := pool.Submit(Sleeper(0))
	if !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Submit after Shutdown error = %v, want ErrPoolShutdown", err)
	}
	if w != nil {
		t.Error("rejected submission must not return a worker")
	}
	if got := pool.Metrics().Rejected; got != 1 {
		t.Errorf("Rejected = %d, want 1", got)
	}
}

func TestPool_SubmitNil(t *testing.T) {
	pool := newTestPool(t, 1)
	defer pool.Shutdown()

	if _, err := pool.Submit(nil); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("Submit(nil) error = %v, want ErrInvalidConfig", err)
	}
}

// TestPool_ShutdownFailsQueued shuts down while one unit runs and three wait.
// The running unit finishes; the queued ones fail with ErrPoolShutdown.
func TestPool_ShutdownFailsQueued(t *testing.T) {
	pool := newTestPool(t, 1)

	started := make(chan struct{})
	release := make(chan struct{})
	running, err := pool.Submit(func(w *Worker) error {
		close(started)
		<-release
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	<-started

	var queued []*Worker
	for i := 0; i < 3; i++ {
		w, err := pool.Submit(Sleeper(0))
		if err != nil {
			t.Fatal(err)
		}
		queued = append(queued, w)
	}

	shutErr := make(chan error, 1)
	go func() { shutErr <- pool.Shutdown() }()

	for _, w := range queued {
		status, err := w.Wait()
		if status != StatusFaulted {
			t.Errorf("queued worker %d: status %s, want faulted", w.ID, status)
		}
		if !errors.Is(err, ErrPoolShutdown) {
			t.Errorf("queued worker %d: err %v, want ErrPoolShutdown", w.ID, err)
		}
		if w.ContextID() != -1 {
			t.Errorf("queued worker %d reports context %d, want -1", w.ID, w.ContextID())
		}
	}

	close(release)
	if err := <-shutErr; !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("Shutdown error = %v, want ErrPoolShutdown", err)
	}
	if status, _ := running.Wait(); status != StatusCompleted {
		t.Errorf("running worker: %s, want completed", status)
	}
	if err := pool.Shutdown(); !errors.Is(err, ErrPoolShutdown) {
		t.Errorf("second Shutdown error = %v, want first result", err)
	}
	t.Logf("✓ Shutdown failed %d queued units, running unit completed", len(queued))
}

// TestPool_FaultIsolation mixes a panicking unit and an erroring unit with
// healthy ones. Only the two faulty units fault.
func TestPool_FaultIsolation(t *testing.T) {
	pool := newTestPool(t, 4)
	defer pool.Shutdown()

	boom := errors.New("ledger unavailable")

	healthy := make([]*Worker, 0, 6)
	for i := 0; i < 3; i++ {
		w, _ := pool.Submit(Sleeper(time.Millisecond))
		healthy = append(healthy, w)
	}
	panicker, _ := pool.Submit(func(w *Worker) error { panic("teller crashed") })
	failer, _ := pool.Submit(func(w *Worker) error { return boom })
	for i := 0; i < 3; i++ {
		w, _ := pool.Submit(Sleeper(time.Millisecond))
		healthy = append(healthy, w)
	}
	pool.JoinAll()

	status, err := panicker.Wait()
	if status != StatusFaulted || !errors.Is(err, ErrWorkerFault) {
		t.Errorf("panicking unit: %s %v, want faulted ErrWorkerFault", status, err)
	}
	var fault *WorkerFault
	if !errors.As(err, &fault) {
		t.Fatalf("panicking unit error %T is not *WorkerFault", err)
	}
	if fault.Panic == nil || len(fault.Stack) == 0 {
		t.Error("fault of a panic must carry the panic value and stack")
	}

	status, err = failer.Wait()
	if status != StatusFaulted || !errors.Is(err, boom) || !errors.Is(err, ErrWorkerFault) {
		t.Errorf("erroring unit: %s %v, want faulted wrapping the cause", status, err)
	}

	for _, w := range healthy {
		if w.Status() != StatusCompleted {
			t.Errorf("healthy worker %d: %s", w.ID, w.Status())
		}
	}
	if got := pool.Metrics().Faulted; got != 2 {
		t.Errorf("Faulted = %d, want 2", got)
	}
	t.Logf("✓ Faults contained: %v", fault)
}

// TestPool_PriorityOrder queues units of mixed priority behind a blocker on a
// single context and checks they start highest first, FIFO within a priority.
func TestPool_PriorityOrder(t *testing.T) {
	pool := newTestPool(t, 1)
	defer pool.Shutdown()

	started := make(chan struct{})
	release := make(chan struct{})
	if _, err := pool.Submit(func(w *Worker) error {
		close(started)
		<-release
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	<-started

	var mu sync.Mutex
	var order []string
	record := func(name string) Workload {
		return func(w *Worker) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	pool.Submit(record("low"), WithPriority(PriorityLow))
	pool.Submit(record("normal-1"))
	pool.Submit(record("high-1"), WithPriority(PriorityHigh))
	pool.Submit(record("normal-2"), WithPriority(PriorityNormal))
	pool.Submit(record("high-2"), WithPriority(PriorityHigh))

	close(release)
	pool.JoinAll()

	want := []string{"high-1", "high-2", "normal-1", "normal-2", "low"}
	if len(order) != len(want) {
		t.Fatalf("ran %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("ran %v, want %v", order, want)
		}
	}
	t.Logf("✓ Priority order %v", order)
}

// TestPool_DefaultSignal cancels the pool signal and checks units submitted
// without their own signal observe it.
func TestPool_DefaultSignal(t *testing.T) {
	pool := newTestPool(t, 2)
	defer pool.Shutdown()

	out := make(chan Observation, 2)
	a, _ := pool.Submit(PollUntilCancelled(time.Millisecond, out))
	b, _ := pool.Submit(UnwindOnCancel(time.Millisecond, out))

	if a.Signal() != pool.Signal() || b.Signal() != pool.Signal() {
		t.Fatal("units without WithSignal must observe the pool signal")
	}

	time.Sleep(5 * time.Millisecond)
	pool.Signal().Cancel()
	pool.JoinAll()

	for _, w := range []*Worker{a, b} {
		status, err := w.Wait()
		if status != StatusCancelled || !errors.Is(err, ErrCancellationRequested) {
			t.Errorf("worker %d: %s %v, want cancelled", w.ID, status, err)
		}
	}
	if got := pool.Metrics().Cancelled; got != 2 {
		t.Errorf("Cancelled = %d, want 2", got)
	}
}

func TestStatus_Terminal(t *testing.T) {
	for _, s := range []Status{StatusPending, StatusRunning} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	for _, s := range []Status{StatusCompleted, StatusCancelled, StatusFaulted} {
		if !s.Terminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
}
