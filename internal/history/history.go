// Package history keeps the finalized transcriptions of a session in memory.
package history

import (
	"sync"
	"time"
)

// Entry is one finalized utterance. Entries are values; once appended they never change.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
}

// Store is an append-only, insertion-ordered log safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	entries []Entry
}

func NewStore() *Store {
	return &Store{}
}

// Append records an entry and returns its zero-based position.
func (s *Store) Append(entry Entry) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return len(s.entries) - 1
}

// Snapshot returns a point-in-time copy; later appends do not affect it.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
