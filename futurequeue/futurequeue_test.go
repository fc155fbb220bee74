package futurequeue

import (
	"testing"
	"time"

	"github.com/fieldrt/runtime/timestamp"
	"github.com/stretchr/testify/require"
)

func ts(seq uint64) timestamp.Timestamp {
	return timestamp.New(time.Unix(0, int64(seq)*int64(time.Millisecond)), seq)
}

func TestDrainOnlyReturnsFinalizedEntriesInOrder(t *testing.T) {
	q := New[string]()
	q.Announce(ts(1))
	q.Finalize(ts(1), "a")
	q.Announce(ts(2))
	q.Finalize(ts(2), "b")

	pairs := q.Drain(ts(10))
	require.Len(t, pairs, 2)
	require.Equal(t, "a", pairs[0].Payload)
	require.Equal(t, "b", pairs[1].Payload)
}

// TestAnnouncedButNotFinalizedHoldsTimeAdvance exercises the invariant:
// an announcement without a matching finalize must block drain progress
// past its timestamp, even though later entries are already finalized.
func TestAnnouncedButNotFinalizedHoldsTimeAdvance(t *testing.T) {
	q := New[string]()
	q.Announce(ts(1)) // never finalized
	q.Announce(ts(2))
	q.Finalize(ts(2), "b")

	pairs := q.Drain(ts(10))
	require.Empty(t, pairs, "drain must not skip past an outstanding announcement")

	oldest, ok := q.OldestOutstanding()
	require.True(t, ok)
	require.Equal(t, ts(1), oldest)
}

func TestDrainRespectsNowBoundary(t *testing.T) {
	q := New[int]()
	q.Announce(ts(5))
	q.Finalize(ts(5), 500)

	require.Empty(t, q.Drain(ts(4)))
	pairs := q.Drain(ts(5))
	require.Len(t, pairs, 1)
	require.Equal(t, 500, pairs[0].Payload)
}

func TestResetClearsOutstandingAnnouncements(t *testing.T) {
	q := New[int]()
	q.Announce(ts(1))
	q.Reset()
	_, ok := q.OldestOutstanding()
	require.False(t, ok)
}

func TestStuckUsesCallerSuppliedTimeout(t *testing.T) {
	q := New[int]()
	q.Announce(ts(1))

	stuck := q.Stuck(ts(2), func(oldest, now timestamp.Timestamp) bool {
		return now.Sub(oldest) > time.Millisecond
	})
	require.True(t, stuck)
}
