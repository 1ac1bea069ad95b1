// Package history provides the per-session bounded message store: an
// append-only FIFO-evicting ring buffer of stream envelopes.
//
// The store never loses the most recent capacity envelopes; once full, each
// append evicts exactly the oldest entry. Only the owning session appends;
// reads may run concurrently with an in-progress append and always observe a
// consistent snapshot of a recent window in append order.
package history

import (
	"sync"

	"github.com/stepcast/stepcast/stream"
)

// DefaultCapacity bounds history when the caller does not choose a size.
const DefaultCapacity = 500

// Store is a bounded, append-only envelope buffer. Safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	buf  []stream.Envelope
	head int // index of the oldest entry
	size int
}

// New returns a store holding at most capacity envelopes. Non-positive
// capacities fall back to DefaultCapacity.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{buf: make([]stream.Envelope, capacity)}
}

// Append records one envelope, evicting the oldest entry when full.
func (s *Store) Append(env stream.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.size < len(s.buf) {
		s.buf[(s.head+s.size)%len(s.buf)] = env
		s.size++
		return
	}
	s.buf[s.head] = env
	s.head = (s.head + 1) % len(s.buf)
}

// Recent returns the most recent limit envelopes in append order (oldest of
// the window first), as a copy the caller may retain. A non-positive limit
// or a limit beyond the stored count returns everything stored.
func (s *Store) Recent(limit int) []stream.Envelope {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := s.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]stream.Envelope, n)
	start := s.head + s.size - n
	for i := 0; i < n; i++ {
		out[i] = s.buf[(start+i)%len(s.buf)]
	}
	return out
}

// Len reports the number of stored envelopes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap reports the maximum number of envelopes the store retains.
func (s *Store) Cap() int {
	return len(s.buf)
}

// Clear drops every stored envelope.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.buf)
	s.head = 0
	s.size = 0
}
