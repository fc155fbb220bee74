package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSubscriber struct {
	ch chan Record
}

func newFakeSubscriber() *fakeSubscriber {
	return &fakeSubscriber{ch: make(chan Record, 16)}
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, spec SourceSpec) (<-chan Record, error) {
	return f.ch, nil
}

func newTestBackend(t *testing.T) (*Backend, *Driver) {
	t.Helper()
	backend, driver, err := Builder{Dir: t.TempDir(), Mode: ReadWrite}.Build()
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, backend.Close()) })
	return backend, driver
}

func TestBackendSourceIngestsAndAnswersLatest(t *testing.T) {
	backend, driver := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)

	sub := newFakeSubscriber()
	spec := SourceSpec{Topic: "ball", Scope: ScopeGlobal, Binding: Pinned("field")}
	handle, err := backend.Source(ctx, sub, spec)
	require.NoError(t, err)
	defer handle.Release()

	base := time.Unix(1700000000, 0).UTC()
	sub.ch <- Record{Namespace: "field", Topic: "ball", Timestamp: base, Encoding: "json", Payload: []byte(`{"x":1}`)}
	sub.ch <- Record{Namespace: "field", Topic: "ball", Timestamp: base.Add(time.Second), Encoding: "json", Payload: []byte(`{"x":2}`)}

	require.Eventually(t, func() bool {
		rec, ok, err := backend.Latest(spec.Key())
		return err == nil && ok && string(rec.Payload) == `{"x":2}`
	}, time.Second, 10*time.Millisecond)
}

func TestBackendSourceDeduplicatesLeases(t *testing.T) {
	backend, _ := newTestBackend(t)
	sub := newFakeSubscriber()
	spec := SourceSpec{Topic: "ball", Scope: ScopeGlobal, Binding: Pinned("field")}

	h1, err := backend.Source(context.Background(), sub, spec)
	require.NoError(t, err)
	h2, err := backend.Source(context.Background(), sub, spec)
	require.NoError(t, err)
	require.Equal(t, 1, backend.Stats().ActiveSources)
	require.Equal(t, 2, backend.Stats().ActiveSubscribers)

	h1.Release()
	require.Equal(t, 1, backend.Stats().ActiveSources, "source stays alive while a lease remains")
	h2.Release()
	require.Equal(t, 0, backend.Stats().ActiveSources)
}

func TestSourceSpecValidateRejectsPrivateWithoutNode(t *testing.T) {
	spec := SourceSpec{Topic: "joint_state", Scope: ScopePrivate}
	require.ErrorIs(t, spec.Validate(), ErrNodeRequiredForPrivate)
}

func TestBackendRangeInclusiveRejectsInvertedRange(t *testing.T) {
	backend, _ := newTestBackend(t)
	start := time.Unix(100, 0)
	end := start.Add(-time.Second)
	_, err := backend.RangeInclusive("x", start, end)
	require.ErrorIs(t, err, ErrInvalidTimelineRange)
}

func TestBackendTimelineBucketsCounts(t *testing.T) {
	backend, driver := newTestBackend(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driver.Run(ctx)

	sub := newFakeSubscriber()
	spec := SourceSpec{Topic: "ball", Scope: ScopeGlobal, Binding: Pinned("field")}
	handle, err := backend.Source(ctx, sub, spec)
	require.NoError(t, err)
	defer handle.Release()

	start := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 4; i++ {
		sub.ch <- Record{Namespace: "field", Topic: "ball", Timestamp: start.Add(time.Duration(i) * 250 * time.Millisecond), Encoding: "json", Payload: []byte("{}")}
	}

	require.Eventually(t, func() bool {
		recs, err := backend.RangeInclusive(spec.Key(), start, start.Add(time.Second))
		return err == nil && len(recs) == 4
	}, time.Second, 10*time.Millisecond)

	buckets, err := backend.Timeline(spec.Key(), start, start.Add(time.Second), 2)
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, 2, buckets[0].Count)
	require.Equal(t, 2, buckets[1].Count)
}
