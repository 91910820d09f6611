package transport

import "sync"

// InFlight is a table of long-lived connections keyed by connection id.
// All methods are safe for concurrent access; the lock is held only for the
// table operation itself.
type InFlight[T any] struct {
	mu      sync.Mutex
	entries map[string]T
}

// NewInFlight creates an empty table.
func NewInFlight[T any]() *InFlight[T] {
	return &InFlight[T]{entries: make(map[string]T)}
}

// Register adds v under id. It returns false if id is already taken.
func (r *InFlight[T]) Register(id string, v T) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return false
	}
	r.entries[id] = v
	return true
}

// Get returns the entry for id.
func (r *InFlight[T]) Get(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	return v, ok
}

// Take removes and returns the entry for id. Exactly one of several
// concurrent callers gets ok == true.
func (r *InFlight[T]) Take(id string) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	return v, ok
}

// Snapshot returns the current entries in no particular order.
func (r *InFlight[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, len(r.entries))
	for _, v := range r.entries {
		out = append(out, v)
	}
	return out
}

// Len returns the number of entries.
func (r *InFlight[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
