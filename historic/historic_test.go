package historic

import (
	"testing"
	"time"

	"github.com/fieldrt/runtime/timestamp"
	"github.com/stretchr/testify/require"
)

func ts(ms int64) timestamp.Timestamp {
	return timestamp.New(time.UnixMilli(ms), uint64(ms))
}

// TestHistoryTrimInvariant exercises the invariant: after every real-time
// cycle, min(historic.keys) >= first_temporary_timestamp(perception).
func TestHistoryTrimInvariant(t *testing.T) {
	s := New[int]()

	s.Update(ts(100), ts(0), 100)
	s.Update(ts(101), ts(100), 101)
	s.Update(ts(102), ts(101), 102)

	oldest, ok := s.OldestKey()
	require.True(t, ok)
	require.False(t, oldest.Before(ts(101)), "oldest retained key must be >= first temporary timestamp")

	_, ok = s.Lookup(ts(100))
	require.False(t, ok, "entries older than first temporary timestamp must be pruned")

	v, ok := s.Lookup(ts(101))
	require.True(t, ok)
	require.Equal(t, 101, v)
}

func TestRangeOmitsMissingKeys(t *testing.T) {
	s := New[string]()
	s.Update(ts(1), ts(0), "one")
	s.Update(ts(2), ts(0), "two")

	got := s.Range([]timestamp.Timestamp{ts(1), ts(2), ts(3)})
	require.Len(t, got, 2)
	require.Equal(t, "one", got[ts(1)])
	require.Equal(t, "two", got[ts(2)])
}

func TestUpdateOverwritesSameTimestamp(t *testing.T) {
	s := New[int]()
	s.Update(ts(5), ts(0), 1)
	s.Update(ts(5), ts(0), 2)
	require.Equal(t, 1, s.Len())
	v, _ := s.Lookup(ts(5))
	require.Equal(t, 2, v)
}
