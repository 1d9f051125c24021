//go:build !race

package synclab

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"
)

// TestUnsynchronized_RaceObservable repeats the unsynchronized experiment
// until a run loses the balance. A run is allowed to come out right; a
// hundred in a row are not. Yield splits every read-modify-write, so the
// loss reproduces whatever the CPU count.
//
// Excluded under -race: the detector flags the unsynchronized teller, which
// is exactly the bug it demonstrates.
func TestUnsynchronized_RaceObservable(t *testing.T) {
	const runs = 100

	cfg := Config{
		Workers:    8,
		Iterations: 1000,
		Strategy:   Unsynchronized,
		Yield:      true,
		Logger:     quietLogger(),
	}

	reports := make([]Report, 0, runs)
	for i := 0; i < runs; i++ {
		report, err := Run(context.Background(), cfg)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		reports = append(reports, report)
		if report.Race {
			break
		}
	}

	AssertRaceObservable(t, reports)
}

// TestPlainTeller_SplitMutationSingleProcessor runs two yielding tellers on
// one processor. Each load is followed by a hand-off before its store, so the
// other teller overwrites it and increments are lost.
func TestPlainTeller_SplitMutationSingleProcessor(t *testing.T) {
	defer runtime.GOMAXPROCS(runtime.GOMAXPROCS(1))

	const each = 200

	s, err := NewStrategy(Unsynchronized, WithYield(true))
	if err != nil {
		t.Fatal(err)
	}
	l := NewLedger()

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		teller := s.Teller(l)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < each; j++ {
				teller.Increment()
			}
		}()
	}
	wg.Wait()

	if got := l.Balance(); got >= 2*each {
		t.Errorf("balance = %d, want fewer than %d with split mutations on one processor", got, 2*each)
	}
	t.Logf("✓ GOMAXPROCS=1: %d of %d increments survived (NumCPU=%d)", l.Balance(), 2*each, runtime.NumCPU())
}

// TestUnsynchronized_RaceIsNotAnError checks that a lost balance under the
// unsynchronized strategy is informational only.
func TestUnsynchronized_RaceIsNotAnError(t *testing.T) {
	cfg := Config{
		Workers:    4,
		Iterations: 1000,
		Strategy:   Unsynchronized,
		Yield:      true,
		Logger:     quietLogger(),
	}

	for i := 0; i < 20; i++ {
		report, err := Run(context.Background(), cfg)
		if err != nil {
			t.Fatalf("run %d returned error for unsynchronized strategy: %v", i, err)
		}
		if report.Race != (report.Err() != nil) {
			t.Fatalf("Race=%v but Err()=%v", report.Race, report.Err())
		}
		AssertAllCompleted(t, report)
	}
}

// TestTornReads_Plain holds the plain cell half-written across a hand-off,
// so the reader observes mixed words on any CPU count.
func TestTornReads_Plain(t *testing.T) {
	report := ProbeTornReads(&PlainCell{Yield: true}, 200_000)

	if report.Variant != "plain" {
		t.Errorf("Variant = %q, want plain", report.Variant)
	}
	if report.Reads != 200_000 {
		t.Errorf("Reads = %d, want 200000", report.Reads)
	}
	if report.Torn == 0 {
		t.Fatalf("No torn read in %d loads of a half-written cell (GOMAXPROCS=%d)",
			report.Reads, runtime.GOMAXPROCS(0))
	}
	for _, v := range report.Samples {
		if v.Consistent() {
			t.Errorf("sample %+v is consistent but was reported torn", v)
		}
	}
	t.Logf("✓ Plain cell: %d/%d torn reads (GOMAXPROCS=%d)",
		report.Torn, report.Reads, runtime.GOMAXPROCS(0))
}

// TestStaleRead_Plain is observational: whether a plain spinner sees the
// store depends on what the compiler does with the loop.
func TestStaleRead_Plain(t *testing.T) {
	report := ProbeStaleRead(&PlainGauge{}, time.Second)

	if report.Variant != "plain" {
		t.Errorf("Variant = %q, want plain", report.Variant)
	}
	if report.Stopped && report.Seen < report.Target {
		t.Errorf("stopped at %d, below target %d", report.Seen, report.Target)
	}
	t.Logf("Plain gauge: stopped=%v seen=%d spins=%d latency=%v",
		report.Stopped, report.Seen, report.Spins, report.Latency)
}
