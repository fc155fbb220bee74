package stream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStorageAppendAndScanRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ReadWrite, 0)
	require.NoError(t, err)

	base := time.Unix(1700000000, 0).UTC()
	require.NoError(t, s.Append("ball", Record{Namespace: "field", Topic: "ball", Timestamp: base, Encoding: "json", Payload: []byte(`{"x":1}`)}))
	require.NoError(t, s.Append("ball", Record{Namespace: "field", Topic: "ball", Timestamp: base.Add(time.Second), Encoding: "json", Payload: []byte(`{"x":2}`)}))
	require.NoError(t, s.Close())

	reopened, err := Open(dir, ReadOnly, 0)
	require.NoError(t, err)

	var got []Record
	require.NoError(t, reopened.Scan(func(sourceKey string, rec Record) bool {
		require.Equal(t, "ball", sourceKey)
		got = append(got, rec)
		return true
	}))
	require.Len(t, got, 2)
	require.Equal(t, []byte(`{"x":1}`), got[0].Payload)
	require.Equal(t, []byte(`{"x":2}`), got[1].Payload)
}

func TestStorageRollsSegmentsOnSizeLimit(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, ReadWrite, 64)
	require.NoError(t, err)
	defer s.Close()

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 10; i++ {
		rec := Record{Namespace: "field", Topic: "ball", Timestamp: base.Add(time.Duration(i) * time.Second), Encoding: "json", Payload: []byte(`{"padding":"xxxxxxxxxxxxxxxxxxxxxxxx"}`)}
		require.NoError(t, s.Append("ball", rec))
	}
	require.Greater(t, len(s.man.Segments), 1, "writes past maxSegmentBytes should roll into a new segment")
}

func TestStorageOpenRejectsEmptyDir(t *testing.T) {
	_, err := Open("", ReadWrite, 0)
	require.ErrorIs(t, err, ErrInvalidStoragePath)
}
