// Package ring provides a fixed-capacity, concurrency-safe circular buffer.
package ring

import "sync"

// Buffer is a generic fixed-capacity circular buffer. Once full, each write
// evicts the oldest entry.
type Buffer[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int
	total    int64
}

// New creates a buffer holding at most capacity entries. A non-positive
// capacity is treated as 1.
func New[T any](capacity int) *Buffer[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Add appends one entry.
func (b *Buffer[T]) Add(entry T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.entries) < b.capacity {
		b.entries = append(b.entries, entry)
	} else {
		b.entries[b.head] = entry
	}
	b.head = (b.head + 1) % b.capacity
	b.total++
}

// Len returns the number of entries currently held.
func (b *Buffer[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Cap returns the buffer capacity.
func (b *Buffer[T]) Cap() int {
	return b.capacity
}

// Total returns the number of entries ever added.
func (b *Buffer[T]) Total() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.total
}

// Snapshot returns the held entries, oldest first.
func (b *Buffer[T]) Snapshot() []T {
	return b.Last(0)
}

// Last returns up to n of the newest entries, oldest first. n <= 0 returns
// every held entry.
func (b *Buffer[T]) Last(n int) []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	size := len(b.entries)
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	if size == 0 {
		return out
	}

	start := 0
	if size == b.capacity {
		start = b.head
	}
	for i := size - n; i < size; i++ {
		out = append(out, b.entries[(start+i)%size])
	}
	return out
}

// Newest returns the most recently added entry.
func (b *Buffer[T]) Newest() (T, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var zero T
	if len(b.entries) == 0 {
		return zero, false
	}
	return b.entries[(b.head-1+len(b.entries))%len(b.entries)], true
}

// Reset drops all entries.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
	b.head = 0
}
