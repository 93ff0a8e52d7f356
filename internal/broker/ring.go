package broker

import "sync"

// DefaultHistoryCapacity is used when a topic is created without an
// explicit ring capacity.
const DefaultHistoryCapacity = 100

// Ring is a fixed-capacity circular buffer holding the most recently
// admitted messages of one topic. When full, Append overwrites the oldest
// entry. Snapshot order always equals admission order.
type Ring struct {
	mu   sync.RWMutex
	buf  []Message
	head int
	size int
}

// NewRing creates a ring with the given capacity. Non-positive capacities
// fall back to DefaultHistoryCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	return &Ring{buf: make([]Message, capacity)}
}

// Append stores m, overwriting the oldest message if the ring is full. O(1).
func (r *Ring) Append(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Snapshot returns a copy of the last min(n, Len()) messages in admission
// order, oldest first. n is clamped to the ring capacity; n <= 0 returns an
// empty slice. The returned slice does not observe later mutations.
func (r *Ring) Snapshot(n int) []Message {
	if n <= 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := n
	if count > r.size {
		count = r.size
	}
	if count == 0 {
		return nil
	}

	out := make([]Message, count)
	start := (r.head - count + len(r.buf)) % len(r.buf)
	for i := 0; i < count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Len returns the number of messages currently stored.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int {
	return len(r.buf)
}
