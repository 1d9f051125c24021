// Package synclab is a laboratory for shared-memory concurrency primitives.
//
// # Overview
//
// synclab runs one workload under different synchronization strategies and
// cancellation mechanisms so their correctness and cost can be compared
// side by side. The workload is a balanced ledger: every worker adds one to a
// shared balance and takes it away again, many times. Any final balance other
// than zero is a lost update.
//
// # Architecture
//
// The package components:
//
//   - Ledger / Strategy  - the shared balance and how tellers mutate it
//   - Signal             - cooperative cancellation (poll, unwind, callbacks, timer)
//   - Pool               - reusable execution contexts with a reuse report
//   - Run / Sweep        - experiments and contention curves
//   - FitUSL             - contention (α) and coherency (β) of a sweep
//   - ProbeTornReads     - plain vs fenced multi-word values
//   - ProbeStaleRead     - plain vs atomic stop counters
//   - ProbeStarvation    - priority queueing and starvation
//   - assertions         - test helpers for balance, reuse and races
//
// # Quick Start
//
//	cfg := synclab.DefaultConfig()
//	cfg.Strategy = synclab.ThreadLocalAggregate
//
//	report, err := synclab.Run(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(report.Summary())
//
// # Strategies
//
//   - Unsynchronized:       plain read-modify-write. Loses updates under load.
//     This is the documented failure mode, not a bug.
//   - CoarseLock:           one mutex around every read-modify-write.
//   - FineGrainedLock:      the same single mutex through a per-mutation path.
//     A single counter has nothing finer to lock, so it contends exactly like
//     CoarseLock: lock overhead, not grain, dominates.
//   - ThreadLocalAggregate: a private accumulator in the hot loop, merged
//     once under the mutex when the worker finishes.
//
// Run Unsynchronized experiments without -race; the race detector reports
// them, which is the point.
//
// # Cancellation
//
// A Signal is requested once and stays requested. Workloads observe it by
// polling Requested, by returning Err (the unwind style), or by selecting on
// Done. Callbacks registered with Register run exactly once. NewSignalAfter
// requests cancellation by itself after a duration; CancelAfter arms the same
// timer on an existing signal.
//
// Cancellation is advisory. A workload that never checks the signal keeps
// running; Run reports it as uncooperative after the grace period. There is no
// forced termination of a goroutine.
//
// # Contention
//
// Sweep runs the experiment at increasing worker counts (2, 4, 8, 16, 32) and
// FitUSL fits the Universal Scalability Law:
//
//	C(N) = λN / (1 + α(N-1) + βN(N-1))
//
// Locked strategies show a large α; ThreadLocalAggregate stays near zero.
//
// # Memory Visibility
//
// A value wider than one machine word can be read half-written. PlainCell
// stores two words with two plain stores; FencedCell publishes through an
// atomic pointer. ProbeTornReads counts inconsistent reads of either. With
// Yield set, PlainCell gives up the processor between its two stores, so
// the tear shows on a single CPU too.
//
// A spinner waiting on a counter may never see the store that should stop
// it. ProbeStaleRead spins on a Gauge until it reaches a target and gives up
// after a timeout: AtomicGauge always stops, PlainGauge is not guaranteed to.
package synclab
