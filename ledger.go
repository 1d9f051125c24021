package synclab

import "sync"

// Ledger holds the single shared mutable balance of an experiment.
//
// The balance is written only by a Teller opened from a Strategy. Readers
// call Balance after every worker has finished (or under the lock), never
// concurrently with an Unsynchronized teller.
type Ledger struct {
	mu      sync.Mutex // the one lock shared by every locking strategy
	balance int64
}

// NewLedger returns a ledger with a zero balance.
func NewLedger() *Ledger {
	return &Ledger{}
}

// Balance returns the current balance under the ledger lock.
func (l *Ledger) Balance() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance
}

// merge adds delta to the balance under the lock.
func (l *Ledger) merge(delta int64) {
	l.mu.Lock()
	l.balance += delta
	l.mu.Unlock()
}
