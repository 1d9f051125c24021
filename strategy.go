package synclab

import (
	"fmt"
	"runtime"
	"strings"
)

// StrategyKind selects how tellers synchronize access to the ledger.
type StrategyKind int

const (
	Unsynchronized       StrategyKind = iota // plain read-modify-write, loses updates
	CoarseLock                               // one lock around every read-modify-write
	FineGrainedLock                          // same lock, same grain, separate code path
	ThreadLocalAggregate                     // private accumulator, one locked merge
)

var strategyNames = [...]string{
	Unsynchronized:       "unsynchronized",
	CoarseLock:           "coarse_lock",
	FineGrainedLock:      "fine_grained_lock",
	ThreadLocalAggregate: "thread_local_aggregate",
}

// AllStrategies lists every strategy in declaration order.
func AllStrategies() []StrategyKind {
	return []StrategyKind{Unsynchronized, CoarseLock, FineGrainedLock, ThreadLocalAggregate}
}

// CorrectStrategies lists the strategies that must always preserve the balance.
func CorrectStrategies() []StrategyKind {
	return []StrategyKind{CoarseLock, FineGrainedLock, ThreadLocalAggregate}
}

func (k StrategyKind) String() string {
	if k < 0 || int(k) >= len(strategyNames) {
		return fmt.Sprintf("strategy(%d)", int(k))
	}
	return strategyNames[k]
}

// Correct reports whether the strategy guarantees serializable mutations.
func (k StrategyKind) Correct() bool {
	return k != Unsynchronized && k.valid()
}

func (k StrategyKind) valid() bool {
	return k >= 0 && int(k) < len(strategyNames)
}

// ParseStrategy accepts the snake_case names used on the command line.
// Hyphens are treated as underscores.
func ParseStrategy(s string) (StrategyKind, error) {
	name := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for i, n := range strategyNames {
		if n == name {
			return StrategyKind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown strategy %q (want one of %s)",
		ErrInvalidConfig, s, strings.Join(strategyNames[:], ", "))
}

func (k StrategyKind) MarshalText() ([]byte, error) {
	if !k.valid() {
		return nil, fmt.Errorf("%w: strategy %d", ErrInvalidConfig, int(k))
	}
	return []byte(k.String()), nil
}

func (k *StrategyKind) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Teller is a per-worker handle through which a workload mutates the ledger.
// A Teller is owned by one worker and must not be shared.
type Teller interface {
	Increment()
	Decrement()
	// Flush publishes any worker-local state. Calling it again is a no-op.
	Flush()
}

// Strategy opens tellers bound to a ledger.
type Strategy interface {
	Kind() StrategyKind
	Teller(l *Ledger) Teller
}

// StrategyOption customizes a strategy built by NewStrategy.
type StrategyOption func(*strategyOptions)

type strategyOptions struct {
	yield bool
}

// WithYield makes unsynchronized tellers give up the processor between the
// load and the store of each read-modify-write, so concurrent tellers
// interleave inside a mutation even on a single CPU. Locked strategies
// ignore it.
func WithYield(yield bool) StrategyOption {
	return func(o *strategyOptions) { o.yield = yield }
}

// NewStrategy returns the strategy implementation for kind.
func NewStrategy(kind StrategyKind, opts ...StrategyOption) (Strategy, error) {
	var o strategyOptions
	for _, opt := range opts {
		opt(&o)
	}

	switch kind {
	case Unsynchronized:
		return unsynchronized{yield: o.yield}, nil
	case CoarseLock:
		return coarseLock{}, nil
	case FineGrainedLock:
		return fineGrainedLock{}, nil
	case ThreadLocalAggregate:
		return threadLocalAggregate{}, nil
	}
	return nil, fmt.Errorf("%w: strategy %d", ErrInvalidConfig, int(kind))
}

// --- Unsynchronized ---

type unsynchronized struct{ yield bool }

func (unsynchronized) Kind() StrategyKind { return Unsynchronized }
func (s unsynchronized) Teller(l *Ledger) Teller {
	return &plainTeller{l: l, yield: s.yield}
}

// plainTeller mutates the balance with no ordering guarantee. Concurrent
// tellers interleave their loads and stores and lose updates.
type plainTeller struct {
	l     *Ledger
	yield bool
}

func (t *plainTeller) Increment() { t.add(1) }
func (t *plainTeller) Decrement() { t.add(-1) }
func (t *plainTeller) Flush()     {}

func (t *plainTeller) add(delta int64) {
	if !t.yield {
		t.l.balance += delta
		return
	}
	v := t.l.balance
	runtime.Gosched()
	t.l.balance = v + delta
}

// --- CoarseLock ---

type coarseLock struct{}

func (coarseLock) Kind() StrategyKind        { return CoarseLock }
func (coarseLock) Teller(l *Ledger) Teller { return &coarseTeller{l: l} }

type coarseTeller struct{ l *Ledger }

func (t *coarseTeller) Increment() {
	t.l.mu.Lock()
	t.l.balance++
	t.l.mu.Unlock()
}

func (t *coarseTeller) Decrement() {
	t.l.mu.Lock()
	t.l.balance--
	t.l.mu.Unlock()
}

func (t *coarseTeller) Flush() {}

// --- FineGrainedLock ---

// fineGrainedLock takes the same single ledger lock as coarseLock. A single
// shared counter has no finer grain to partition, so contention is the same.
type fineGrainedLock struct{}

func (fineGrainedLock) Kind() StrategyKind        { return FineGrainedLock }
func (fineGrainedLock) Teller(l *Ledger) Teller { return &fineTeller{l: l} }

type fineTeller struct{ l *Ledger }

func (t *fineTeller) Increment() { t.apply(1) }
func (t *fineTeller) Decrement() { t.apply(-1) }
func (t *fineTeller) Flush()     {}

func (t *fineTeller) apply(delta int64) {
	t.l.mu.Lock()
	defer t.l.mu.Unlock()
	t.l.balance += delta
}

// --- ThreadLocalAggregate ---

type threadLocalAggregate struct{}

func (threadLocalAggregate) Kind() StrategyKind { return ThreadLocalAggregate }
func (threadLocalAggregate) Teller(l *Ledger) Teller {
	return &aggregateTeller{l: l}
}

// aggregateTeller touches only its own accumulator in the hot loop. The ledger
// sees the accumulated total once, under the lock, when Flush is called.
type aggregateTeller struct {
	l       *Ledger
	local   int64
	flushed bool
}

func (t *aggregateTeller) Increment() { t.local++ }
func (t *aggregateTeller) Decrement() { t.local-- }

func (t *aggregateTeller) Flush() {
	if t.flushed {
		return
	}
	t.flushed = true
	t.l.merge(t.local)
	t.local = 0
}
