package perception

import (
	"testing"
	"time"

	"github.com/fieldrt/runtime/timestamp"
	"github.com/stretchr/testify/require"
)

func ts(ms int64) timestamp.Timestamp {
	return timestamp.New(time.UnixMilli(ms), uint64(ms))
}

// TestPartitionInvariant exercises the invariant: at all times, temporary ∩
// persistent = ∅, and every record is in exactly one partition.
func TestPartitionInvariant(t *testing.T) {
	s := New[string]()

	s.Update(map[timestamp.Timestamp][]string{
		ts(10): {"a"},
		ts(20): {"b"},
	}, ts(15), true, ts(0), false)

	temp := s.Temporary()
	persist := s.Persistent()

	require.NotContains(t, temp, ts(10), "ts(10) is older than oldest outstanding and must have moved to persistent")
	require.Contains(t, persist, ts(10))
	require.Contains(t, temp, ts(20))
	require.NotContains(t, persist, ts(20))

	for k := range temp {
		_, dup := persist[k]
		require.False(t, dup, "timestamp %v present in both partitions", k)
	}
}

func TestPersistentDroppedBelowHistoricTrailingEdge(t *testing.T) {
	s := New[int]()
	s.Update(map[timestamp.Timestamp][]int{
		ts(1): {1},
		ts(2): {2},
	}, ts(100), true, ts(0), false) // both become persistent (older than oldestOutstanding=100)

	require.Contains(t, s.Persistent(), ts(1))
	require.Contains(t, s.Persistent(), ts(2))

	s.Update(nil, ts(100), true, ts(2), true)

	persist := s.Persistent()
	require.NotContains(t, persist, ts(1), "ts(1) is older than the historic trailing edge and must be dropped")
	require.Contains(t, persist, ts(2))
}

func TestNoOutstandingAnnouncementsMovesEverythingToPersistent(t *testing.T) {
	s := New[int]()
	s.Update(map[timestamp.Timestamp][]int{ts(5): {5}}, timestamp.Timestamp{}, false, ts(0), false)
	require.Contains(t, s.Persistent(), ts(5))
	require.NotContains(t, s.Temporary(), ts(5))
}
