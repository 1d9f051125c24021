package synclab

import (
	"testing"
)

// AssertBalanced verifies the experiment preserved the ledger invariant.
//
// For a correct strategy a lost update is a hard failure:
//
//	final_balance == expected_balance (0 for balanced transactions)
func AssertBalanced(t testing.TB, r Report) {
	t.Helper()

	if err := r.Err(); err != nil {
		t.Errorf("Balance lost: %v\n"+
			"Strategy %s let concurrent read-modify-writes interleave.",
			err, r.Strategy)
		return
	}

	t.Logf("✓ Balanced: %s, %d workers × %d iterations → %d",
		r.Strategy, r.Workers, r.Iterations, r.FinalBalance)
}

// AssertAllCompleted verifies every worker ran to completion.
func AssertAllCompleted(t testing.TB, r Report) {
	t.Helper()

	if r.Completed != r.Workers {
		t.Errorf("Only %d/%d workers completed (cancelled=%d faulted=%d uncooperative=%d)",
			r.Completed, r.Workers, r.Cancelled, r.Faulted, r.Uncooperative)
	}
	for _, res := range r.Results {
		if res.Status != StatusCompleted {
			t.Errorf("  worker %d on context %d: %s %s", res.ID, res.ContextID, res.Status, res.Err)
		}
	}
}

// AssertRaceObservable verifies that at least one of repeated unsynchronized
// runs lost the balance. A single run may come out right by luck; the race is
// a property of the distribution, not of every run.
func AssertRaceObservable(t testing.TB, reports []Report) {
	t.Helper()

	races := RaceCount(reports)
	if races == 0 {
		t.Errorf("No lost update in %d runs\n"+
			"Workers may have run sequentially. Check GOMAXPROCS and iterations.",
			len(reports))
		return
	}

	worst := int64(0)
	for _, r := range reports {
		if d := abs64(r.FinalBalance - r.ExpectedBalance); d > worst {
			worst = d
		}
	}
	t.Logf("✓ Race observable: %d/%d runs lost the balance (worst drift %d)",
		races, len(reports), worst)
}

// AssertReuse verifies the reuse report of units executed on a pool of
// contexts execution contexts: every context appears, and the counts add up.
func AssertReuse(t testing.TB, reuse map[int]int, contexts, units int) {
	t.Helper()

	total := 0
	for id := 0; id < contexts; id++ {
		n, ok := reuse[id]
		if !ok {
			t.Errorf("Context %d missing from reuse report %v", id, reuse)
		}
		total += n
	}
	if len(reuse) != contexts {
		t.Errorf("Reuse report has %d contexts, want %d", len(reuse), contexts)
	}
	if total != units {
		t.Errorf("Reuse counts add up to %d, want %d", total, units)
	}

	t.Logf("✓ Reuse: %d units over %d contexts %v", units, contexts, reuse)
}

// PrintSweep outputs the contention analysis of a sweep to the test log.
func PrintSweep(t testing.TB, points []SweepPoint) {
	t.Helper()

	t.Logf("\n=== Contention Sweep ===")
	t.Logf("  N    Throughput      Balance  Elapsed")
	t.Logf("  --   --------------  -------  ----------")
	for _, p := range points {
		t.Logf("  %-4d %14.0f  %7d  %v",
			p.Workers, p.Throughput, p.Report.FinalBalance, p.Report.Elapsed)
	}

	coeffs, err := FitUSL(points)
	if err != nil {
		t.Logf("  (no USL fit: %v)", err)
		return
	}

	t.Logf("\nCoefficients:")
	t.Logf("  λ (lambda)  = %.0f mutations/sec", coeffs.Lambda)
	t.Logf("  α (alpha)   = %.6f (contention)", coeffs.Alpha)
	t.Logf("  β (beta)    = %.6f (coherency)", coeffs.Beta)
	t.Logf("  R²          = %.4f", coeffs.RSquared)
	t.Logf("  peak N      = %.1f", coeffs.PeakConcurrency())

	if coeffs.Alpha < 0.01 {
		t.Logf("  ✓ Negligible contention (α < 0.01) - the hot loop does not share a lock")
	} else if coeffs.Alpha < 0.05 {
		t.Logf("  ⚠ Moderate contention (α < 0.05)")
	} else {
		t.Logf("  ✗ High contention (α ≥ 0.05) - every mutation queues on one lock")
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
