package synclab

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the laboratory.
var (
	// ErrRaceDetected means the observed balance differs from the expected one.
	ErrRaceDetected = errors.New("race detected: balance does not match expected")

	// ErrCancellationRequested is the unwind signal returned by Signal.Err.
	// The pool converts it into StatusCancelled at the worker boundary.
	ErrCancellationRequested = errors.New("cancellation requested")

	// ErrPoolShutdown is returned for submissions rejected or failed by Shutdown.
	ErrPoolShutdown = errors.New("worker pool is shut down")

	// ErrWorkerFault matches any *WorkerFault.
	ErrWorkerFault = errors.New("worker fault")

	// ErrUncooperative means workers were still running when the grace period
	// after cancellation elapsed.
	ErrUncooperative = errors.New("workers did not observe cancellation")

	// ErrInvalidConfig is wrapped by every validation failure.
	ErrInvalidConfig = errors.New("invalid configuration")
)

// RaceError reports a balance discrepancy for one experiment.
type RaceError struct {
	Strategy StrategyKind
	Expected int64
	Actual   int64
}

func (e *RaceError) Error() string {
	return fmt.Sprintf("race detected under %s: balance %d, expected %d (lost %d)",
		e.Strategy, e.Actual, e.Expected, e.Expected-e.Actual)
}

// Is lets errors.Is(err, ErrRaceDetected) match any RaceError.
func (e *RaceError) Is(target error) bool {
	return target == ErrRaceDetected
}

// WorkerFault captures an unhandled condition inside a workload and attributes
// it to the worker that ran it.
type WorkerFault struct {
	WorkerID  int
	ContextID int
	Cause     error
	Panic     any    // recovered panic value, nil for returned errors
	Stack     []byte // goroutine stack at the panic site
}

func (f *WorkerFault) Error() string {
	if f.Panic != nil {
		return fmt.Sprintf("worker %d (context %d) panicked: %v", f.WorkerID, f.ContextID, f.Panic)
	}
	return fmt.Sprintf("worker %d (context %d) failed: %v", f.WorkerID, f.ContextID, f.Cause)
}

func (f *WorkerFault) Unwrap() error { return f.Cause }

// Is lets errors.Is(err, ErrWorkerFault) match any WorkerFault.
func (f *WorkerFault) Is(target error) bool {
	return target == ErrWorkerFault
}
