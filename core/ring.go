package core

// ring keeps the most recent entries up to a fixed capacity.
// Entries are stored oldest first.
type ring[T any] struct {
	items    []T
	capacity int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, 0, capacity), capacity: capacity}
}

// Push appends an entry, evicting the oldest once full.
func (r *ring[T]) Push(item T) {
	r.items = append(r.items, item)
	if len(r.items) > r.capacity {
		trim := len(r.items) - r.capacity
		r.items = append(r.items[:0], r.items[trim:]...)
	}
}

// Newest returns a copy of the entries, newest first.
func (r *ring[T]) Newest() []T {
	out := make([]T, 0, len(r.items))
	for i := len(r.items) - 1; i >= 0; i-- {
		out = append(out, r.items[i])
	}
	return out
}

// Len returns the number of stored entries.
func (r *ring[T]) Len() int {
	return len(r.items)
}

// Reset drops every entry.
func (r *ring[T]) Reset() {
	r.items = r.items[:0]
}
