// Package futurequeue implements the two-phase announce/finalize transport
// from a perception cycler (producer) to the real-time cycler (consumer)
// described in the invariant
package futurequeue

import (
	"sync"

	"github.com/fieldrt/runtime/timestamp"
)

// Timestamp is re-exported for callers that only need the queue.
type Timestamp = timestamp.Timestamp

// pending tracks one announced-but-not-yet-finalized cycle.
type pending[T any] struct {
	ts Timestamp
	payload T
	done bool
}

// Queue is a single-producer/single-consumer future queue for payloads of
// type T. The producer calls Announce then Finalize once per cycle; the
// consumer calls Drain once per cycle to collect everything finalized at
// or before "now".
type Queue[T any] struct {
	mu sync.Mutex
	entries []*pending[T]
}

// New returns an empty future queue.
func New[T any]() *Queue[T] {
	return &Queue[T]{}
}

// Announce publishes intent to deliver a payload for ts. It must be
// followed by a matching Finalize; until then, ts holds back the
// consumer's notion of "oldest outstanding announcement".
func (q *Queue[T]) Announce(ts Timestamp) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, &pending[T]{ts: ts})
}

// Finalize attaches a payload to the earliest announced, not-yet-
// finalized entry at the given timestamp. It is a no-op (silently
// dropped) if no matching announcement exists — callers are expected to
// always pair Announce with Finalize for the same ts.
func (q *Queue[T]) Finalize(ts Timestamp, payload T) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if e.ts == ts && !e.done {
			e.payload = payload
			e.done = true
			return
		}
	}
}

// Pair is one finalized (timestamp, payload) entry returned by Drain.
type Pair[T any] struct {
	Timestamp Timestamp
	Payload T
}

// Drain removes and returns every finalized entry with timestamp ≤ now,
// in timestamp order. Entries announced but not finalized are left in
// place and block further drain progress past their timestamp, per
// the invariant ("pairs announced but not yet finalized hold the
// consumer's time advance").
func (q *Queue[T]) Drain(now Timestamp) []Pair[T] {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []Pair[T]
	i := 0
	for ; i < len(q.entries); i++ {
		e := q.entries[i]
		if !e.done {
			break
		}
		if e.ts.After(now) {
			break
		}
		out = append(out, Pair[T]{Timestamp: e.ts, Payload: e.payload})
	}
	q.entries = q.entries[i:]
	return out
}

// OldestOutstanding reports the timestamp of the oldest announced-but-
// not-finalized entry, if any. The consumer uses this as the boundary
// between "temporary" and "persistent" perception data.
func (q *Queue[T]) OldestOutstanding() (Timestamp, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.entries {
		if !e.done {
			return e.ts, true
		}
	}
	var zero Timestamp
	return zero, false
}

// Stuck reports whether the oldest outstanding announcement is older than
// maxAge relative to now — the caller-decided timeout from the invariant
// ("consumers must expose this as perception stuck rather than block
// forever").
func (q *Queue[T]) Stuck(now Timestamp, maxAge func(oldest, now Timestamp) bool) bool {
	oldest, ok := q.OldestOutstanding()
	if !ok {
		return false
	}
	return maxAge(oldest, now)
}

// Reset drops all announcements (finalized or not), used when a producer
// is restarted after dropping without finalizing.
func (q *Queue[T]) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = nil
}
