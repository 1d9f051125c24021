package synclab

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignal_InitialState(t *testing.T) {
	s := NewSignal()

	if s.Requested() {
		t.Error("new signal must not be requested")
	}
	if err := s.Err(); err != nil {
		t.Errorf("Err() before cancel = %v, want nil", err)
	}
	if !s.RequestedAt().IsZero() {
		t.Error("RequestedAt must be zero before cancel")
	}
	select {
	case <-s.Done():
		t.Error("Done must not be closed before cancel")
	default:
	}
}

// TestSignal_CancelIdempotent cancels twice and checks every callback fired
// exactly once, in registration order.
func TestSignal_CancelIdempotent(t *testing.T) {
	s := NewSignal()

	var order []int
	for i := 0; i < 3; i++ {
		i := i
		s.Register(func() { order = append(order, i) })
	}

	s.Cancel()
	s.Cancel()

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("callbacks ran as %v, want [0 1 2]", order)
	}
	if !s.Requested() {
		t.Error("signal must stay requested")
	}
	if !errors.Is(s.Err(), ErrCancellationRequested) {
		t.Errorf("Err() = %v, want ErrCancellationRequested", s.Err())
	}
	select {
	case <-s.Done():
	default:
		t.Error("Done must be closed after cancel")
	}
	t.Logf("✓ Two cancels, callbacks %v", order)
}

func TestSignal_RegisterAfterCancelRunsImmediately(t *testing.T) {
	s := NewSignal()
	s.Cancel()

	fired := false
	deregister := s.Register(func() { fired = true })

	if !fired {
		t.Error("callback registered after cancel must run before Register returns")
	}
	if deregister() {
		t.Error("deregister of an already-fired callback must report false")
	}
}

func TestSignal_Deregister(t *testing.T) {
	s := NewSignal()

	var kept, removed int
	s.Register(func() { kept++ })
	deregister := s.Register(func() { removed++ })

	if !deregister() {
		t.Fatal("first deregister must report true")
	}
	if deregister() {
		t.Error("second deregister must report false")
	}

	s.Cancel()
	if kept != 1 || removed != 0 {
		t.Errorf("kept=%d removed=%d, want 1 and 0", kept, removed)
	}
}

// TestSignal_PanickingCallback checks a failing callback neither escapes
// Cancel nor stops the callbacks after it.
func TestSignal_PanickingCallback(t *testing.T) {
	s := NewSignal().WithLogger(quietLogger())

	after := false
	s.Register(func() { panic("callback failure") })
	s.Register(func() { after = true })

	s.Cancel()

	if !after {
		t.Error("callback after the panicking one did not run")
	}
	if !s.Requested() {
		t.Error("signal must be requested despite the panic")
	}
}

func TestSignal_ConcurrentCancel(t *testing.T) {
	s := NewSignal()

	var fired atomic.Int32
	s.Register(func() { fired.Add(1) })

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Cancel()
			_ = s.Requested()
		}()
	}
	wg.Wait()

	if got := fired.Load(); got != 1 {
		t.Errorf("callback fired %d times across 16 cancels, want 1", got)
	}
}

func TestSignalAfter_Fires(t *testing.T) {
	start := time.Now()
	s := NewSignalAfter(20 * time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed signal never fired")
	}

	if took := s.RequestedAt().Sub(start); took < 20*time.Millisecond {
		t.Errorf("fired after %v, before its 20ms deadline", took)
	}
	t.Logf("✓ Timed signal fired after %v", s.RequestedAt().Sub(start))
}

// TestSignal_CancelAfterCountsFromArming arms the timer late and checks the
// deadline is measured from the arming call, not from construction.
func TestSignal_CancelAfterCountsFromArming(t *testing.T) {
	s := NewSignal()
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	armed := time.Now()
	s.CancelAfter(30 * time.Millisecond)

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("armed signal never fired")
	}

	if took := s.RequestedAt().Sub(armed); took < 30*time.Millisecond {
		t.Errorf("fired %v after arming, before its 30ms deadline", took)
	}

	// Arming after cancellation is a no-op.
	s.CancelAfter(time.Millisecond)
	if !s.Requested() {
		t.Error("signal must stay requested")
	}
}

func TestSignalAfter_StopPreventsFiring(t *testing.T) {
	s := NewSignalAfter(10 * time.Millisecond)
	s.Stop()

	time.Sleep(30 * time.Millisecond)
	if s.Requested() {
		t.Error("stopped timer still requested cancellation")
	}
}

func TestSignal_LinkContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSignal()
	stop := s.LinkContext(ctx)
	defer stop()

	cancel()

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("context cancellation did not reach the signal")
	}
}

func TestSignal_LinkContextDetached(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSignal()

	if !s.LinkContext(ctx)() {
		t.Fatal("stop on a live link must report true")
	}
	cancel()

	time.Sleep(10 * time.Millisecond)
	if s.Requested() {
		t.Error("detached context still cancelled the signal")
	}
}

func TestContextSignal(t *testing.T) {
	var c Canceler = NewContextSignal(context.Background())

	if c.Requested() {
		t.Error("new context signal must not be requested")
	}
	c.Cancel()
	c.Cancel()
	if !c.Requested() {
		t.Error("context signal must be requested after Cancel")
	}

	cs := c.(*ContextSignal)
	if !errors.Is(cs.Context().Err(), context.Canceled) {
		t.Errorf("context error = %v, want context.Canceled", cs.Context().Err())
	}
}

// BenchmarkCanceler compares the polling cost of the atomic flag with the
// context select.
func BenchmarkCanceler(b *testing.B) {
	b.Run("Signal", func(b *testing.B) {
		s := NewSignal()
		for i := 0; i < b.N; i++ {
			_ = s.Requested()
		}
	})
	b.Run("ContextSignal", func(b *testing.B) {
		s := NewContextSignal(context.Background())
		defer s.Cancel()
		for i := 0; i < b.N; i++ {
			_ = s.Requested()
		}
	})
}
