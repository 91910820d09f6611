package events

import "sync"

// Signal is a broadcast wake-up: every Pulse releases all goroutines
// currently waiting on the channel returned by Wait.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// NewSignal returns a Signal with no pulse pending.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Wait returns a channel closed by the next Pulse.
func (s *Signal) Wait() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Pulse releases every current waiter at once.
func (s *Signal) Pulse() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.ch)
	s.ch = make(chan struct{})
}
