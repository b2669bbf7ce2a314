package archive

import "sync"

// MisorderTracker counts commits whose signing time is earlier than the
// maximum signing time already seen in chain order.  Purely
// observational: the chain is never reordered, the count is only
// surfaced as a gauge.  Observe and Count may be called from different
// goroutines (the store path and the status handlers).
type MisorderTracker struct {
	mu      sync.Mutex
	count   int
	maxSeen int64
}

// NewMisorderTracker recomputes the count from full chain history,
// oldest first.
func NewMisorderTracker(chainTimes []int64) *MisorderTracker {
	t := &MisorderTracker{}
	for _, ts := range chainTimes {
		t.Observe(ts)
	}
	return t
}

// Observe feeds one new chain-order signing time.
func (t *MisorderTracker) Observe(signingTime int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if signingTime < t.maxSeen {
		t.count++
		return
	}
	t.maxSeen = signingTime
}

// Count returns the misorder count.
func (t *MisorderTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// CountMisordered is the pure form over a chain-order slice.
func CountMisordered(chainTimes []int64) int {
	return NewMisorderTracker(chainTimes).Count()
}
