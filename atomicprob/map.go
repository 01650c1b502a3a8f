package atomicprob

import "sync"

// Map accumulates per-key probability mass concurrently. Every Add takes mu (a plain
// sync.Mutex) briefly to look up the key's bucket, creating it on the key's first
// write; the addition itself then goes through Float64.Add's lock-free CAS loop
// after mu is released.
type Map struct {
	mu      sync.Mutex
	buckets map[uint64]*Float64
}

// NewMap returns an empty Map.
func NewMap() *Map {
	return &Map{buckets: make(map[uint64]*Float64)}
}

// Add folds addend into key's running total, creating the bucket if this is the
// first write for key.
func (m *Map) Add(key uint64, addend float64) {
	m.mu.Lock()
	b, ok := m.buckets[key]
	if !ok {
		b = New(0)
		m.buckets[key] = b
	}
	m.mu.Unlock()
	b.Add(addend)
}

// Snapshot returns a plain map of the current totals. Not safe to call concurrently
// with outstanding Add calls on the same keys; callers must only snapshot after all
// writers have finished (e.g. after errgroup.Wait returns).
func (m *Map) Snapshot() map[uint64]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint64]float64, len(m.buckets))
	for k, b := range m.buckets {
		out[k] = b.Load()
	}
	return out
}
