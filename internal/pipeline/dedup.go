package pipeline

import (
	"sync"

	"github.com/cmdruid/pubsub-sub004/internal/constants"
	"github.com/willf/bloom"
)

// Deduplicator is a bounded memory of already-delivered event identifiers.
// A bloom filter fronts the exact set so the common fresh-id case skips the
// map lookup; positives are always confirmed against the exact set because
// the bloom filter cannot forget evicted entries.
//
// Safe under concurrent delivery of the same id from multiple relays: at
// most one Remember call per id reports admission.
type Deduplicator struct {
	mu       sync.Mutex
	capacity int
	seen     map[string]struct{}
	order    []string // insertion order, oldest first
	bloom    *bloom.BloomFilter
}

// NewDeduplicator builds a cache holding at most capacity identifiers;
// insertion beyond capacity evicts the oldest entry first.
func NewDeduplicator(capacity int) *Deduplicator {
	if capacity <= 0 {
		capacity = constants.DefaultDedupCapacity
	}
	return &Deduplicator{
		capacity: capacity,
		seen:     make(map[string]struct{}, capacity),
		order:    make([]string, 0, capacity),
		bloom:    bloom.New(constants.BloomExpectedItems, constants.BloomHashFuncs),
	}
}

// IsDuplicate reports whether the id was already remembered.
func (d *Deduplicator) IsDuplicate(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.bloom.Test([]byte(id)) {
		return false
	}
	_, ok := d.seen[id]
	return ok
}

// Remember records the id and reports whether this call admitted it. For
// concurrent calls with the same id exactly one returns true.
func (d *Deduplicator) Remember(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.bloom.Test([]byte(id)) {
		if _, ok := d.seen[id]; ok {
			return false
		}
	}

	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	d.bloom.Add([]byte(id))

	if len(d.order) > d.capacity {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.seen, oldest)
	}
	return true
}

// Len returns the number of identifiers currently held.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
