package synclab

import (
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// WideValue is a two-word value, wider than any single atomic store on the
// platform. ProbeTornReads only ever writes values with Hi == Lo, so a read with
// Hi != Lo saw half of one write and half of another.
type WideValue struct {
	Hi uint64
	Lo uint64
}

// Consistent reports whether both words come from the same write.
func (v WideValue) Consistent() bool {
	return v.Hi == v.Lo
}

var (
	wideOnes  = WideValue{Hi: math.MaxUint64, Lo: math.MaxUint64}
	wideZeros = WideValue{}
)

// Cell holds one shared WideValue.
type Cell interface {
	Store(v WideValue)
	Load() WideValue
}

// PlainCell stores and loads each word separately with no synchronization.
// A concurrent reader may observe a torn value. Using it from more than one
// goroutine is a data race by construction and is reported by -race.
type PlainCell struct {
	// Yield gives up the processor between the two word stores, holding the
	// cell half-written while other goroutines run.
	Yield bool

	v WideValue
}

func (c *PlainCell) Store(v WideValue) {
	c.v.Hi = v.Hi
	if c.Yield {
		runtime.Gosched()
	}
	c.v.Lo = v.Lo
}

func (c *PlainCell) Load() WideValue {
	return WideValue{Hi: c.v.Hi, Lo: c.v.Lo}
}

// FencedCell publishes every value through an atomic pointer swap, so a reader
// sees either the old value or the new one, never a mix.
type FencedCell struct {
	p atomic.Pointer[WideValue]
}

func (c *FencedCell) Store(v WideValue) {
	c.p.Store(&v)
}

func (c *FencedCell) Load() WideValue {
	if v := c.p.Load(); v != nil {
		return *v
	}
	return WideValue{}
}

// TornReport is the outcome of ProbeTornReads.
type TornReport struct {
	Variant string      `yaml:"variant"`
	Reads   int         `yaml:"reads"`
	Torn    int         `yaml:"torn"`
	Samples []WideValue `yaml:"samples,omitempty"` // first torn values seen
}

const (
	maxTornSamples = 8
	tornYieldEvery = 1024 // reads between hand-offs to the writer
)

// ProbeTornReads runs one writer that alternates the cell between all-ones
// and all-zeros while the calling goroutine performs reads loads and counts
// inconsistent values. The reader hands off the processor every
// tornYieldEvery loads so the writer progresses on a single CPU.
func ProbeTornReads(cell Cell, reads int) TornReport {
	report := TornReport{Variant: cellVariant(cell), Reads: reads}

	cell.Store(wideOnes)

	var stop atomic.Bool
	var wg sync.WaitGroup
	started := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		for !stop.Load() {
			cell.Store(wideZeros)
			cell.Store(wideOnes)
		}
	}()
	<-started

	for i := 0; i < reads; i++ {
		if i%tornYieldEvery == 0 {
			runtime.Gosched()
		}
		v := cell.Load()
		if !v.Consistent() {
			report.Torn++
			if len(report.Samples) < maxTornSamples {
				report.Samples = append(report.Samples, v)
			}
		}
	}

	stop.Store(true)
	wg.Wait()
	return report
}

func cellVariant(c Cell) string {
	switch c.(type) {
	case *PlainCell:
		return "plain"
	case *FencedCell:
		return "fenced"
	}
	return "custom"
}

// Gauge is a shared counter watched by a spinning reader.
type Gauge interface {
	Store(v int64)
	Load() int64
}

// PlainGauge is read and written with plain loads and stores. The compiler
// may keep the value in a register across a tight loop, so a spinner is not
// guaranteed to ever see a store made by another goroutine.
type PlainGauge struct {
	v int64
}

func (g *PlainGauge) Store(v int64) { g.v = v }
func (g *PlainGauge) Load() int64   { return g.v }

// AtomicGauge reloads from memory on every Load and publishes every Store.
type AtomicGauge struct {
	v atomic.Int64
}

func (g *AtomicGauge) Store(v int64) { g.v.Store(v) }
func (g *AtomicGauge) Load() int64   { return g.v.Load() }

const (
	staleReadTarget = 10
	staleReadLimit  = 20
	spinChunk       = 1 << 16
)

// StaleReadReport is the outcome of ProbeStaleRead.
type StaleReadReport struct {
	Variant string        `yaml:"variant"`
	Target  int64         `yaml:"target"`
	Stopped bool          `yaml:"stopped"` // the spinner saw Target before the timeout
	Seen    int64         `yaml:"seen"`    // value the spinner stopped at
	Spins   int64         `yaml:"spins"`
	Latency time.Duration `yaml:"latency"` // from storing Target to the spinner stopping
}

// ProbeStaleRead starts a spinner that loops until the gauge reaches the
// target, then counts the gauge from 1 to a limit past the target and waits
// up to timeout for the spinner to stop.
//
// A spinner that misses the store is abandoned through an atomic flag it
// checks between chunks of spinChunk loads. Within a chunk it reads only the
// gauge.
func ProbeStaleRead(g Gauge, timeout time.Duration) StaleReadReport {
	report := StaleReadReport{Variant: gaugeVariant(g), Target: staleReadTarget}
	g.Store(0)

	var (
		abandon   atomic.Bool
		spins     int64
		seen      int64
		stoppedAt time.Time
	)
	spinning := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		close(spinning)
		for !abandon.Load() {
			for i := 0; i < spinChunk; i++ {
				if v := g.Load(); v >= staleReadTarget {
					stoppedAt = time.Now()
					seen = v
					return
				}
				spins++
			}
		}
	}()

	<-spinning
	runtime.Gosched()

	var reachedAt time.Time
	for v := int64(1); v <= staleReadLimit; v++ {
		if v == staleReadTarget {
			reachedAt = time.Now()
		}
		g.Store(v)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	timedOut := false
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		abandon.Store(true)
		<-done
	}

	report.Spins = spins
	if !timedOut && !stoppedAt.IsZero() {
		report.Stopped = true
		report.Seen = seen
		report.Latency = stoppedAt.Sub(reachedAt)
	}
	return report
}

func gaugeVariant(g Gauge) string {
	switch g.(type) {
	case *PlainGauge:
		return "plain"
	case *AtomicGauge:
		return "atomic"
	}
	return "custom"
}
