package synclab

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Canceler is the minimal cooperative cancellation contract.
//
// Implementations must be safe for concurrent use:
//   - Multiple goroutines may call Requested() concurrently
//   - Cancel() may be called concurrently with Requested()
type Canceler interface {
	// Requested returns true once cancellation has been triggered.
	Requested() bool

	// Cancel triggers cancellation. Safe to call multiple times.
	Cancel()
}

// Signal is a cooperative cancellation primitive.
//
// The flag is monotonic: once requested it is never reset. Observers may poll
// Requested, unwind with Err, or select on Done; all three read the same flag.
// Registered callbacks run exactly once, synchronously on the goroutine that
// requests cancellation.
type Signal struct {
	requested   atomic.Bool
	requestedAt atomic.Int64 // unix nanos, valid once requested is set
	done        chan struct{}

	mu        sync.Mutex
	callbacks []*callback
	nextID    uint64
	timer     *time.Timer

	logger *slog.Logger
}

type callback struct {
	id uint64
	fn func()
}

// NewSignal returns a signal that is not yet requested.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// NewSignalAfter returns a signal that requests cancellation by itself once d
// has elapsed. Cancel may still be called earlier.
func NewSignalAfter(d time.Duration) *Signal {
	s := NewSignal()
	s.CancelAfter(d)
	return s
}

// CancelAfter arms a timer that requests cancellation once d has elapsed,
// replacing any timer armed before. It does nothing once cancellation has
// been requested.
func (s *Signal) CancelAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requested.Load() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(d, s.Cancel)
}

// WithLogger sets the logger used to report panicking callbacks.
func (s *Signal) WithLogger(l *slog.Logger) *Signal {
	s.mu.Lock()
	s.logger = l
	s.mu.Unlock()
	return s
}

// Requested reports whether cancellation has been requested. It never blocks.
func (s *Signal) Requested() bool {
	return s.requested.Load()
}

// RequestedAt returns when cancellation was requested, or the zero time.
func (s *Signal) RequestedAt() time.Time {
	if !s.requested.Load() {
		return time.Time{}
	}
	return time.Unix(0, s.requestedAt.Load())
}

// Done returns a channel closed when cancellation is requested.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// Err returns ErrCancellationRequested once cancellation has been requested
// and nil before. Workloads return it to unwind instead of loop-checking.
func (s *Signal) Err() error {
	if s.requested.Load() {
		return ErrCancellationRequested
	}
	return nil
}

// Cancel requests cancellation. Only the first call has any effect: it sets
// the flag, closes Done and runs the registered callbacks in registration order.
func (s *Signal) Cancel() {
	s.mu.Lock()
	if s.requested.Load() {
		s.mu.Unlock()
		return
	}
	s.requestedAt.Store(time.Now().UnixNano())
	s.requested.Store(true)
	close(s.done)
	if s.timer != nil {
		s.timer.Stop()
	}
	pending := s.callbacks
	s.callbacks = nil
	logger := s.logger
	s.mu.Unlock()

	for _, cb := range pending {
		s.invoke(cb.fn, logger)
	}
}

// Register adds fn to the callbacks run on cancellation. If cancellation was
// already requested, fn runs immediately on the calling goroutine.
//
// The returned function removes fn if it has not fired yet and reports
// whether it did so.
func (s *Signal) Register(fn func()) (deregister func() bool) {
	s.mu.Lock()
	if s.requested.Load() {
		logger := s.logger
		s.mu.Unlock()
		s.invoke(fn, logger)
		return func() bool { return false }
	}
	s.nextID++
	id := s.nextID
	s.callbacks = append(s.callbacks, &callback{id: id, fn: fn})
	s.mu.Unlock()

	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, cb := range s.callbacks {
			if cb.id == id {
				s.callbacks = append(s.callbacks[:i], s.callbacks[i+1:]...)
				return true
			}
		}
		return false
	}
}

// Stop releases the timer armed by NewSignalAfter or CancelAfter without
// requesting cancellation.
func (s *Signal) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
}

// invoke runs one callback. A panicking callback is logged and swallowed so
// the remaining callbacks still run.
func (s *Signal) invoke(fn func(), logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("cancellation callback panicked",
				"panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// LinkContext requests cancellation of s when ctx is done. The returned stop
// function detaches the link and reports whether it was still active.
func (s *Signal) LinkContext(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, s.Cancel)
}

// ContextSignal adapts a context.Context to the Canceler interface.
//
// Each call to Requested performs a non-blocking select on ctx.Done(), which
// costs more than Signal's single atomic load.
type ContextSignal struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewContextSignal derives a cancellable context from parent.
func NewContextSignal(parent context.Context) *ContextSignal {
	ctx, cancel := context.WithCancel(parent)
	return &ContextSignal{ctx: ctx, cancel: cancel}
}

// Requested reports whether the context has been cancelled.
func (c *ContextSignal) Requested() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// Cancel cancels the underlying context.
func (c *ContextSignal) Cancel() {
	c.cancel()
}

// Context returns the underlying context.Context.
func (c *ContextSignal) Context() context.Context {
	return c.ctx
}

var (
	_ Canceler = (*Signal)(nil)
	_ Canceler = (*ContextSignal)(nil)
)
