package synclab

import (
	"fmt"
	"runtime"
	"sync"

	ring "github.com/randomizedcoder/go-lock-free-ring"
)

const (
	journalCapacity = 4096
	journalShards   = 8
)

// usageRecord says that a context picked up a unit.
type usageRecord struct {
	contextID int
	workerID  int
}

// usageJournal carries usage records from many contexts to the reuse report.
//
// Contexts are the producers and write to the sharded MPSC ring with their
// context id as producer id, so the hot path never takes a lock. The single
// consumer is whoever holds mu: drain folds records into counts.
type usageJournal struct {
	r *ring.ShardedRing

	mu     sync.Mutex
	counts map[int]int
}

func newUsageJournal() (*usageJournal, error) {
	r, err := ring.NewShardedRing(journalCapacity, journalShards)
	if err != nil {
		return nil, fmt.Errorf("usage journal: %w", err)
	}
	return &usageJournal{r: r, counts: make(map[int]int)}, nil
}

// register makes a started context appear in the report before it runs
// anything.
func (j *usageJournal) register(contextID int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.counts[contextID]; !ok {
		j.counts[contextID] = 0
	}
}

// record publishes one usage record. When the ring is full the producer
// drains it itself and retries.
func (j *usageJournal) record(contextID, workerID int) {
	rec := usageRecord{contextID: contextID, workerID: workerID}
	for !j.r.Write(uint64(contextID), rec) {
		j.drain()
		runtime.Gosched()
	}
}

// drain moves every published record into counts.
func (j *usageJournal) drain() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.drainLocked()
}

func (j *usageJournal) drainLocked() {
	for {
		v, ok := j.r.TryRead()
		if !ok {
			return
		}
		if rec, ok := v.(usageRecord); ok {
			j.counts[rec.contextID]++
		}
	}
}

// snapshot drains and returns a copy of the per-context counts.
func (j *usageJournal) snapshot() map[int]int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.drainLocked()
	out := make(map[int]int, len(j.counts))
	for id, n := range j.counts {
		out[id] = n
	}
	return out
}
