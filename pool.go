package synclab

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
)

// Workload is the unit of work a pool context executes. It observes
// cancellation through w.Signal() and reports failure by returning an error.
// Returning ErrCancellationRequested (or an error wrapping it) marks the unit
// cancelled rather than faulted.
type Workload func(w *Worker) error

// PoolConfig holds pool construction parameters.
type PoolConfig struct {
	// MaxContexts is the maximum number of execution contexts. Contexts are
	// started lazily, one per submission that finds no idle context, up to
	// this limit. Defaults to 1.
	MaxContexts int

	// Logger is used for structured output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *PoolConfig) withDefaults() PoolConfig {
	out := *c
	if out.MaxContexts <= 0 {
		out.MaxContexts = 1
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// PoolMetrics exposes live pool counters.
type PoolMetrics struct {
	Submitted int64 // units accepted by Submit
	Started   int64 // units a context picked up
	Completed int64
	Cancelled int64
	Faulted   int64 // includes units failed by Shutdown
	Rejected  int64 // submissions refused after Shutdown
	Contexts  int64 // execution contexts started
}

// Pool runs submitted workloads on a bounded set of reusable execution
// contexts (goroutines).
//
// Lifecycle:
//
//	pool, _ := synclab.NewPool(cfg)
//	w, _ := pool.Submit(workload)   // queues if every context is busy
//	pool.JoinAll()                  // wait for every unit to be terminal
//	pool.ReuseReport()              // context id -> units executed
//	pool.Shutdown()                 // fail queued units, stop idle contexts
//
// Contexts are never stopped while running a unit. There is no forced
// termination: a unit that never returns keeps its context forever.
type Pool struct {
	cfg     PoolConfig
	journal *usageJournal
	signal  *Signal // default signal for units submitted without one
	metrics PoolMetrics

	mu       sync.Mutex
	work     *sync.Cond // pending non-empty or closed
	settled  *sync.Cond // inflight reached zero
	pending  []*Worker
	live     int // contexts started
	idle     int // contexts parked in work.Wait
	inflight int // submitted units not yet terminal
	nextID   int
	closed   bool

	contexts sync.WaitGroup
	once     sync.Once
	shutErr  error
}

// NewPool creates a pool. No context is started until the first Submit.
func NewPool(cfg PoolConfig) (*Pool, error) {
	cfg = cfg.withDefaults()

	journal, err := newUsageJournal()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		cfg:     cfg,
		journal: journal,
		signal:  NewSignal().WithLogger(cfg.Logger),
	}
	p.work = sync.NewCond(&p.mu)
	p.settled = sync.NewCond(&p.mu)

	p.cfg.Logger.Debug("pool created", "max_contexts", cfg.MaxContexts)
	return p, nil
}

// SubmitOption customizes one submission.
type SubmitOption func(*Worker)

// WithPriority sets the queueing priority of the submission.
func WithPriority(prio Priority) SubmitOption {
	return func(w *Worker) { w.Priority = prio }
}

// WithSignal sets the cancellation signal the workload observes. Without it
// the unit observes the pool's own signal (see Pool.Signal).
func WithSignal(sig *Signal) SubmitOption {
	return func(w *Worker) { w.signal = sig }
}

// Submit enqueues a workload and returns its handle. It never blocks: when
// every context is busy and the pool is at MaxContexts the unit waits in the
// queue. After Shutdown it returns ErrPoolShutdown.
func (p *Pool) Submit(wl Workload, opts ...SubmitOption) (*Worker, error) {
	if wl == nil {
		return nil, fmt.Errorf("%w: nil workload", ErrInvalidConfig)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		atomic.AddInt64(&p.metrics.Rejected, 1)
		return nil, ErrPoolShutdown
	}

	w := newWorker(p.nextID, wl, PriorityNormal, p.signal)
	p.nextID++
	for _, opt := range opts {
		opt(w)
	}
	if w.signal == nil {
		w.signal = p.signal
	}

	p.enqueueLocked(w)
	p.inflight++
	atomic.AddInt64(&p.metrics.Submitted, 1)

	if len(p.pending) > p.idle && p.live < p.cfg.MaxContexts {
		p.startContextLocked()
	}
	p.work.Signal()
	return w, nil
}

// enqueueLocked inserts w after every queued unit of equal or higher priority,
// keeping FIFO order within a priority.
func (p *Pool) enqueueLocked(w *Worker) {
	i := len(p.pending)
	for i > 0 && p.pending[i-1].Priority < w.Priority {
		i--
	}
	p.pending = append(p.pending, nil)
	copy(p.pending[i+1:], p.pending[i:])
	p.pending[i] = w
}

func (p *Pool) startContextLocked() {
	id := p.live
	p.live++
	atomic.AddInt64(&p.metrics.Contexts, 1)
	p.contexts.Add(1)
	p.journal.register(id)
	go p.runContext(id)
}

// runContext is the goroutine body of one execution context.
func (p *Pool) runContext(id int) {
	defer p.contexts.Done()
	p.cfg.Logger.Debug("context started", "context", id)

	for {
		p.mu.Lock()
		for len(p.pending) == 0 && !p.closed {
			p.idle++
			p.work.Wait()
			p.idle--
		}
		if len(p.pending) == 0 {
			p.mu.Unlock()
			p.cfg.Logger.Debug("context exited", "context", id)
			return
		}
		w := p.pending[0]
		p.pending[0] = nil
		p.pending = p.pending[1:]
		p.mu.Unlock()

		p.execute(id, w)
	}
}

// execute runs one unit and records its terminal status. Faults are captured
// here and never escape the context.
func (p *Pool) execute(contextID int, w *Worker) {
	atomic.AddInt64(&p.metrics.Started, 1)
	w.markRunning(contextID)
	p.journal.record(contextID, w.ID)

	status, err := p.invoke(contextID, w)
	switch status {
	case StatusCompleted:
		atomic.AddInt64(&p.metrics.Completed, 1)
	case StatusCancelled:
		atomic.AddInt64(&p.metrics.Cancelled, 1)
	default:
		atomic.AddInt64(&p.metrics.Faulted, 1)
		p.cfg.Logger.Warn("worker faulted", "worker", w.ID, "context", contextID, "err", err)
	}
	p.settle(w, status, err)
}

func (p *Pool) invoke(contextID int, w *Worker) (status Status, err error) {
	defer func() {
		if r := recover(); r != nil {
			status = StatusFaulted
			err = &WorkerFault{
				WorkerID:  w.ID,
				ContextID: contextID,
				Cause:     fmt.Errorf("panic: %v", r),
				Panic:     r,
				Stack:     debug.Stack(),
			}
		}
	}()

	err = w.workload(w)
	switch {
	case err == nil:
		return StatusCompleted, nil
	case errors.Is(err, ErrCancellationRequested):
		return StatusCancelled, err
	default:
		return StatusFaulted, &WorkerFault{WorkerID: w.ID, ContextID: contextID, Cause: err}
	}
}

func (p *Pool) settle(w *Worker, status Status, err error) {
	w.finish(status, err)

	p.mu.Lock()
	p.inflight--
	if p.inflight == 0 {
		p.settled.Broadcast()
	}
	p.mu.Unlock()
}

// JoinAll blocks until every submitted unit has reached a terminal status.
func (p *Pool) JoinAll() {
	p.mu.Lock()
	for p.inflight > 0 {
		p.settled.Wait()
	}
	p.mu.Unlock()
}

// ReuseReport returns, per execution context id, how many units it executed.
func (p *Pool) ReuseReport() map[int]int {
	return p.journal.snapshot()
}

// Signal returns the pool's default cancellation signal. Cancelling it asks
// every unit submitted without WithSignal to stop.
func (p *Pool) Signal() *Signal {
	return p.signal
}

// Shutdown stops the pool:
//  1. Marks the pool as closed so no new units are accepted.
//  2. Fails every still-queued unit with ErrPoolShutdown.
//  3. Wakes idle contexts so they exit, and waits for busy contexts to finish
//     their current unit.
//
// Shutdown is safe to call more than once; later calls return the first
// result. The error wraps ErrPoolShutdown when queued units were failed.
func (p *Pool) Shutdown() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		queued := p.pending
		p.pending = nil
		p.work.Broadcast()
		p.mu.Unlock()

		p.cfg.Logger.Debug("pool shutdown initiated", "queued", len(queued))

		for _, w := range queued {
			atomic.AddInt64(&p.metrics.Faulted, 1)
			p.settle(w, StatusFaulted, ErrPoolShutdown)
		}

		p.contexts.Wait()
		p.signal.Stop()

		if len(queued) > 0 {
			p.shutErr = fmt.Errorf("%d queued units failed: %w", len(queued), ErrPoolShutdown)
		}
		p.cfg.Logger.Debug("pool shutdown complete")
	})
	return p.shutErr
}

// Metrics returns a snapshot of pool counters. Values are consistent within
// each field but may not be mutually consistent across fields.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Submitted: atomic.LoadInt64(&p.metrics.Submitted),
		Started:   atomic.LoadInt64(&p.metrics.Started),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Cancelled: atomic.LoadInt64(&p.metrics.Cancelled),
		Faulted:   atomic.LoadInt64(&p.metrics.Faulted),
		Rejected:  atomic.LoadInt64(&p.metrics.Rejected),
		Contexts:  atomic.LoadInt64(&p.metrics.Contexts),
	}
}
