package session

import "sync"

// RingBuffer is a fixed-capacity circular buffer of delivered events.
// It backs the per-session history served by the diagnostics API.
type RingBuffer struct {
	mu       sync.RWMutex
	buf      []HistoryEntry
	capacity int
	pos      int // next write position
	full     bool
}

// NewRingBuffer creates a ring buffer with the given capacity.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{
		buf:      make([]HistoryEntry, capacity),
		capacity: capacity,
	}
}

// Write adds an entry, overwriting the oldest once full.
func (rb *RingBuffer) Write(entry HistoryEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.buf[rb.pos] = entry
	rb.pos = (rb.pos + 1) % rb.capacity
	if rb.pos == 0 {
		rb.full = true
	}
}

// ReadAll returns all entries in chronological order.
func (rb *RingBuffer) ReadAll() []HistoryEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if !rb.full {
		result := make([]HistoryEntry, rb.pos)
		copy(result, rb.buf[:rb.pos])
		return result
	}

	result := make([]HistoryEntry, rb.capacity)
	copy(result, rb.buf[rb.pos:])
	copy(result[rb.capacity-rb.pos:], rb.buf[:rb.pos])
	return result
}
