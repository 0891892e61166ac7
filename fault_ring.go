package tributary

import (
	"sync"
	"time"
)

// FaultRecord is one captured source or pipeline failure.
type FaultRecord struct {
	// At is when the fault was recorded, per the aggregator's clock.
	At time.Time

	// Err is the failure itself.
	Err error
}

// faultRing is a thread-safe ring buffer of recent fault records.
type faultRing struct {
	mu      sync.RWMutex
	records []FaultRecord
	size    int
	head    int
	count   int
}

// newFaultRing creates a fault ring with the given capacity.
// A size of 0 disables history.
func newFaultRing(size int) *faultRing {
	if size <= 0 {
		return nil
	}
	return &faultRing{
		records: make([]FaultRecord, size),
		size:    size,
	}
}

// push adds a record, evicting the oldest when full.
func (r *faultRing) push(rec FaultRecord) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.records[r.head] = rec
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// clear removes all records.
func (r *faultRing) clear() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.records {
		r.records[i] = FaultRecord{}
	}
	r.head = 0
	r.count = 0
}

// all returns the retained records, oldest first.
func (r *faultRing) all() []FaultRecord {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.count == 0 {
		return nil
	}

	result := make([]FaultRecord, r.count)
	start := (r.head - r.count + r.size) % r.size
	for i := 0; i < r.count; i++ {
		result[i] = r.records[(start+i)%r.size]
	}
	return result
}
