// Package historic implements the bounded timestamp-keyed archive of
// past main outputs that nodes consult for time-aligned lookups.
package historic

import (
	"sort"
	"sync"

	"github.com/fieldrt/runtime/timestamp"
)

// Store is an ordered timestamp → snapshot map for one real-time cycler's
// main outputs.
type Store[T any] struct {
	mu      sync.RWMutex
	keys    []timestamp.Timestamp // kept sorted ascending
	entries map[timestamp.Timestamp]T
}

// New returns an empty historic store.
func New[T any]() *Store[T] {
	return &Store[T]{entries: make(map[timestamp.Timestamp]T)}
}

// Update inserts (now, value) and erases every entry with key strictly
// less than firstTemporary. Call this once per real-time cycle, after
// stepping all nodes.
func (s *Store[T]) Update(now timestamp.Timestamp, firstTemporary timestamp.Timestamp, value T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.insertLocked(now, value)
	s.pruneLocked(firstTemporary)
}

func (s *Store[T]) insertLocked(now timestamp.Timestamp, value T) {
	if _, exists := s.entries[now]; !exists {
		i := sort.Search(len(s.keys), func(i int) bool { return !s.keys[i].Before(now) })
		s.keys = append(s.keys, timestamp.Timestamp{})
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = now
	}
	s.entries[now] = value
}

func (s *Store[T]) pruneLocked(firstTemporary timestamp.Timestamp) {
	cut := 0
	for cut < len(s.keys) && s.keys[cut].Before(firstTemporary) {
		delete(s.entries, s.keys[cut])
		cut++
	}
	s.keys = s.keys[cut:]
}

// Lookup returns the value recorded at exactly ts, if any.
func (s *Store[T]) Lookup(ts timestamp.Timestamp) (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.entries[ts]
	return v, ok
}

// Range builds a timestamp → value map restricted to the given keys,
// suitable for a node's historic input (built on demand). Missing keys
// are omitted.
func (s *Store[T]) Range(keys []timestamp.Timestamp) map[timestamp.Timestamp]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[timestamp.Timestamp]T, len(keys))
	for _, k := range keys {
		if v, ok := s.entries[k]; ok {
			out[k] = v
		}
	}
	return out
}

// OldestKey returns the smallest retained timestamp, if any.
func (s *Store[T]) OldestKey() (timestamp.Timestamp, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.keys) == 0 {
		var zero timestamp.Timestamp
		return zero, false
	}
	return s.keys[0], true
}

// Len reports the number of retained entries.
func (s *Store[T]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
