// Package perception implements the time-bucketed, partitioned collection
// of perception-cycler outputs described in the invariant
package perception

import (
	"sort"
	"sync"

	"github.com/fieldrt/runtime/timestamp"
)

// Store groups per-perception-cycler outputs of type T by timestamp and
// partitions them into "temporary" (still within the producers' oldest
// outstanding announcement window) and "persistent" (older, but still
// referenced by a historic entry).
type Store[T any] struct {
	mu sync.RWMutex

	temporary map[timestamp.Timestamp][]T
	persistent map[timestamp.Timestamp][]T
	// tsOrder is kept sorted ascending across both partitions' keys.
	tsOrder []timestamp.Timestamp
}

// New returns an empty perception store.
func New[T any]() *Store[T] {
	return &Store[T]{
		temporary: make(map[timestamp.Timestamp][]T),
		persistent: make(map[timestamp.Timestamp][]T),
	}
}

func (s *Store[T]) insertOrderedLocked(ts timestamp.Timestamp) {
	_, inTemp := s.temporary[ts]
	_, inPersist := s.persistent[ts]
	if inTemp || inPersist {
		return
	}
	i := sort.Search(len(s.tsOrder), func(i int) bool { return !s.tsOrder[i].Before(ts) })
	s.tsOrder = append(s.tsOrder, timestamp.Timestamp{})
	copy(s.tsOrder[i+1:], s.tsOrder[i:])
	s.tsOrder[i] = ts
}

// Update applies newly finalized future-queue outputs keyed by timestamp,
// recomputes the temporary/persistent boundary from oldestOutstanding (the
// oldest announcement still outstanding across all perception producers),
// and drops persistent buckets older than historicTrailingEdge — the
// oldest timestamp still retained by the historic store.
func (s *Store[T]) Update(updates map[timestamp.Timestamp][]T, oldestOutstanding timestamp.Timestamp, hasOutstanding bool, historicTrailingEdge timestamp.Timestamp, hasHistoric bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ts, values := range updates {
		s.insertOrderedLocked(ts)
		s.temporary[ts] = append(s.temporary[ts], values...)
	}

	// Move every temporary bucket older than the current outstanding
	// boundary into persistent (boundary moved forward since last update).
	if hasOutstanding {
		for _, ts := range s.tsOrder {
			if !ts.Before(oldestOutstanding) {
				break
			}
			if v, ok := s.temporary[ts]; ok {
				s.persistent[ts] = v
				delete(s.temporary, ts)
			}
		}
	} else {
		// No outstanding announcements: everything currently temporary is
		// stable and moves to persistent.
		for ts, v := range s.temporary {
			s.persistent[ts] = v
		}
		s.temporary = make(map[timestamp.Timestamp][]T)
	}

	// Drop persistent buckets the historic store no longer references.
	if hasHistoric {
		cut := 0
		for cut < len(s.tsOrder) && s.tsOrder[cut].Before(historicTrailingEdge) {
			ts := s.tsOrder[cut]
			if _, ok := s.temporary[ts]; !ok {
				delete(s.persistent, ts)
			}
			cut++
		}
		s.tsOrder = s.tsOrder[cut:]
	}
}

// Temporary returns a defensive copy of the current temporary partition.
func (s *Store[T]) Temporary() map[timestamp.Timestamp][]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBuckets(s.temporary)
}

// Persistent returns a defensive copy of the current persistent partition.
func (s *Store[T]) Persistent() map[timestamp.Timestamp][]T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneBuckets(s.persistent)
}

func cloneBuckets[T any](m map[timestamp.Timestamp][]T) map[timestamp.Timestamp][]T {
	out := make(map[timestamp.Timestamp][]T, len(m))
	for k, v := range m {
		cp := make([]T, len(v))
		copy(cp, v)
		out[k] = cp
	}
	return out
}
