package synclab

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a submitted unit of work.
type Status int32

const (
	StatusPending   Status = iota // queued, not yet picked up by a context
	StatusRunning                 // executing on a context
	StatusCompleted               // workload returned nil
	StatusCancelled               // workload observed cancellation
	StatusFaulted                 // workload failed, panicked, or was failed by Shutdown
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFaulted:
		return "faulted"
	}
	return fmt.Sprintf("status(%d)", int32(s))
}

// Terminal reports whether no further transition can happen.
func (s Status) Terminal() bool {
	return s >= StatusCompleted
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Priority orders queued submissions. Higher values are served first.
type Priority int

const (
	PriorityLow    Priority = -1
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

func (p Priority) String() string {
	switch {
	case p < PriorityNormal:
		return "low"
	case p > PriorityNormal:
		return "high"
	}
	return "normal"
}

// Worker is the handle of one submitted unit of work.
type Worker struct {
	ID       int
	Priority Priority

	workload Workload
	signal   *Signal
	done     chan struct{}

	mu        sync.Mutex
	status    Status
	contextID int
	err       error
	started   time.Time
	finished  time.Time
}

func newWorker(id int, w Workload, prio Priority, sig *Signal) *Worker {
	return &Worker{
		ID:        id,
		Priority:  prio,
		workload:  w,
		signal:    sig,
		done:      make(chan struct{}),
		status:    StatusPending,
		contextID: -1,
	}
}

// Status returns the current status.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// ContextID returns the execution context that ran the unit, or -1.
func (w *Worker) ContextID() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.contextID
}

// Err returns the terminal error. Cancelled units carry
// ErrCancellationRequested, faulted units a *WorkerFault or ErrPoolShutdown.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Elapsed returns how long the unit ran. Zero until it is terminal.
func (w *Worker) Elapsed() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started.IsZero() || w.finished.IsZero() {
		return 0
	}
	return w.finished.Sub(w.started)
}

// Done is closed when the unit reaches a terminal status.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the unit is terminal and returns its status and error.
func (w *Worker) Wait() (Status, error) {
	<-w.done
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status, w.err
}

// Signal returns the cancellation signal the unit observes.
func (w *Worker) Signal() *Signal {
	return w.signal
}

func (w *Worker) markRunning(contextID int) {
	w.mu.Lock()
	w.status = StatusRunning
	w.contextID = contextID
	w.started = time.Now()
	w.mu.Unlock()
}

func (w *Worker) finish(status Status, err error) {
	w.mu.Lock()
	w.status = status
	w.err = err
	w.finished = time.Now()
	if w.started.IsZero() {
		w.started = w.finished
	}
	w.mu.Unlock()
	close(w.done)
}
