package synclab

import (
	"runtime"
	"time"
)

// BalancedTransactions is the balanced increment/decrement workload: every iteration
// adds one to the ledger and takes it away again, so a correct strategy always
// ends at zero.
type BalancedTransactions struct {
	Teller     Teller
	Iterations int

	// Yield gives up the processor after every mutation, widening the window
	// in which unsynchronized tellers interleave.
	Yield bool

	// Gate, when non-nil, holds the workload until it is closed so that every
	// worker of an experiment starts at the same moment.
	Gate <-chan struct{}
}

// Workload returns the pool workload. The loop checks the signal between
// iterations; a cancelled run still flushes whatever it has accumulated, so
// the ledger stays consistent with the mutations actually performed.
func (tx BalancedTransactions) Workload() Workload {
	return func(w *Worker) error {
		sig := w.Signal()
		if tx.Gate != nil {
			select {
			case <-tx.Gate:
			case <-sig.Done():
				return sig.Err()
			}
		}
		defer tx.Teller.Flush()

		for i := 0; i < tx.Iterations; i++ {
			if sig.Requested() {
				return ErrCancellationRequested
			}
			tx.Teller.Increment()
			if tx.Yield {
				runtime.Gosched()
			}
			tx.Teller.Decrement()
			if tx.Yield {
				runtime.Gosched()
			}
		}
		return nil
	}
}

// Observation records when a workload noticed cancellation.
type Observation struct {
	WorkerID   int
	ObservedAt time.Time
	Checks     int // signal checks performed, including the last one
}

// Latency is the delay between the request and the observation.
func (o Observation) Latency(requestedAt time.Time) time.Duration {
	if o.ObservedAt.IsZero() || requestedAt.IsZero() {
		return 0
	}
	return o.ObservedAt.Sub(requestedAt)
}

// PollUntilCancelled returns a poll-style workload: it checks Requested every
// interval and returns once it sees cancellation. The observation is sent on
// out (which must have room for it) before returning.
func PollUntilCancelled(interval time.Duration, out chan<- Observation) Workload {
	return func(w *Worker) error {
		sig := w.Signal()
		checks := 0
		for {
			checks++
			if sig.Requested() {
				if out != nil {
					out <- Observation{WorkerID: w.ID, ObservedAt: time.Now(), Checks: checks}
				}
				return ErrCancellationRequested
			}
			time.Sleep(interval)
		}
	}
}

// UnwindOnCancel returns a signal-style workload: each step calls Err and
// unwinds with the returned error instead of testing a flag.
func UnwindOnCancel(interval time.Duration, out chan<- Observation) Workload {
	return func(w *Worker) error {
		sig := w.Signal()
		checks := 0
		step := func() error {
			checks++
			if err := sig.Err(); err != nil {
				return err
			}
			time.Sleep(interval)
			return nil
		}
		for {
			if err := step(); err != nil {
				if out != nil {
					out <- Observation{WorkerID: w.ID, ObservedAt: time.Now(), Checks: checks}
				}
				return err
			}
		}
	}
}

// Sleeper returns a workload that sleeps for d, the pool-reuse unit of work.
func Sleeper(d time.Duration) Workload {
	return func(w *Worker) error {
		time.Sleep(d)
		return nil
	}
}
