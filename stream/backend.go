package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Subscriber is the capability a source runtime uses to pull samples
// off the matching data/view/parameter plane. The backend is
// deliberately decoupled from the cycler's buffer/futurequeue
// machinery: callers supply the implementation. The root main package
// does not construct one, so no cycler output is recorded there.
type Subscriber interface {
	Subscribe(ctx context.Context, spec SourceSpec) (<-chan Record, error)
}

// writeJob is one durable-write request enqueued by an ingest worker.
type writeJob struct {
	sourceKey string
	rec Record
}

// SourceStats reports one source's ingest/durable progress.
type SourceStats struct {
	DurableOldest time.Time
	DurableLatest time.Time
	DurableLen int
	IngestFrontier time.Time
	DurableFrontier time.Time
	LastError error
}

// BackendStats is the backend-wide snapshot.
type BackendStats struct {
	ActiveSources int
	ActiveSubscribers int
	Cache CacheStats
	WriterQueueDepth int
	WriterHighWaterMark int
	BackpressureEvents int64
}

type sourceRuntime struct {
	spec SourceSpec
	leases int
	cancel context.CancelFunc

	mu sync.Mutex
	durableOldest time.Time
	durableLatest time.Time
	durableLen int
	ingestFrontier time.Time
	durableFrontier time.Time
	lastErr error
}

// SourceHandle is a lease on a deduplicated source runtime. Dropping
// the last handle (Release) cancels ingest and releases resources.
type SourceHandle struct {
	backend *Backend
	key string
}

// Release drops this lease; the underlying ingest worker stops once
// the last handle for the source is released.
func (h *SourceHandle) Release() {
	h.backend.release(h.key)
}

// Builder configures and constructs a Backend/Driver pair.
type Builder struct {
	Dir string
	Mode OpenMode
	CacheSourceCapacity int
	MaxSegmentBytes int64
	WriterQueueCapacity int
}

// Build opens storage and wires a Backend/Driver pair. The Driver must
// be run (via Driver.Run) on its own goroutine/task.
func (b Builder) Build() (*Backend, *Driver, error) {
	storage, err := Open(b.Dir, b.Mode, b.MaxSegmentBytes)
	if err != nil {
		return nil, nil, err
	}
	cache, err := NewGlobalCache(b.CacheSourceCapacity)
	if err != nil {
		return nil, nil, err
	}
	queueCap := b.WriterQueueCapacity
	if queueCap <= 0 {
		queueCap = 1024
	}

	backend := &Backend{
		storage: storage,
		cache: cache,
		sources: make(map[string]*sourceRuntime),
		queue: make(chan writeJob, queueCap),
	}
	driver := &Driver{backend: backend}
	return backend, driver, nil
}

// Backend is a cheap handle cloned anywhere; all state lives behind
// its storage/cache/queue.
type Backend struct {
	storage *Storage
	cache *GlobalCache

	mu sync.Mutex
	sources map[string]*sourceRuntime
	closed bool

	queue chan writeJob
	queueDepth atomic.Int64
	highWaterMark atomic.Int64
	backpressure atomic.Int64
}

// Source acquires a (possibly shared) handle on spec, starting its
// ingest worker on first acquisition.
func (b *Backend) Source(ctx context.Context, sub Subscriber, spec SourceSpec) (*SourceHandle, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	key := spec.Key()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrBackendClosed
	}
	rt, exists := b.sources[key]
	if exists {
		rt.leases++
		b.mu.Unlock()
		return &SourceHandle{backend: b, key: key}, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	rt = &sourceRuntime{spec: spec, leases: 1, cancel: cancel}
	b.sources[key] = rt
	b.mu.Unlock()

	samples, err := sub.Subscribe(runCtx, spec)
	if err != nil {
		cancel()
		b.mu.Lock()
		delete(b.sources, key)
		b.mu.Unlock()
		return nil, err
	}
	go b.ingest(runCtx, key, rt, samples)

	return &SourceHandle{backend: b, key: key}, nil
}

func (b *Backend) release(key string) {
	b.mu.Lock()
	rt, ok := b.sources[key]
	if !ok {
		b.mu.Unlock()
		return
	}
	rt.leases--
	if rt.leases > 0 {
		b.mu.Unlock()
		return
	}
	delete(b.sources, key)
	b.mu.Unlock()
	rt.cancel()
}

// ingest converts each sample into a Record, caches it, updates the
// ingest frontier, and enqueues it for durable write.
func (b *Backend) ingest(ctx context.Context, key string, rt *sourceRuntime, samples <-chan Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-samples:
			if !ok {
				return
			}
			b.cache.Insert(key, rec)

			rt.mu.Lock()
			rt.ingestFrontier = rec.Timestamp
			rt.mu.Unlock()

			b.enqueueWrite(ctx, key, rec, rt)
		}
	}
}

// enqueueWrite blocks the ingest worker when the writer queue is full,
// recording the stall as a backpressure event and tracking the
// high-water mark.
func (b *Backend) enqueueWrite(ctx context.Context, key string, rec Record, rt *sourceRuntime) {
	job := writeJob{sourceKey: key, rec: rec}
	select {
	case b.queue <- job:
	default:
		b.backpressure.Add(1)
		select {
		case b.queue <- job:
		case <-ctx.Done():
			return
		}
	}
	depth := b.queueDepth.Add(1)
	for {
		hwm := b.highWaterMark.Load()
		if depth <= hwm || b.highWaterMark.CompareAndSwap(hwm, depth) {
			break
		}
	}
	_ = rt
}

// Driver is the single goroutine that drains the writer queue and
// appends to durable storage.
type Driver struct {
	backend *Backend
}

// Run drains the writer queue until ctx is cancelled and the queue is
// empty, appending every job to durable storage and updating the
// owning source's durable stats.
func (d *Driver) Run(ctx context.Context) error {
	b := d.backend
	for {
		select {
		case job, ok := <-b.queue:
			if !ok {
				return nil
			}
			b.queueDepth.Add(-1)
			b.applyWrite(job)
		case <-ctx.Done():
			return drainQueue(b)
		}
	}
}

func drainQueue(b *Backend) error {
	for {
		select {
		case job, ok := <-b.queue:
			if !ok {
				return nil
			}
			b.queueDepth.Add(-1)
			b.applyWrite(job)
		default:
			return nil
		}
	}
}

func (b *Backend) applyWrite(job writeJob) {
	err := b.storage.Append(job.sourceKey, job.rec)

	b.mu.Lock()
	rt := b.sources[job.sourceKey]
	b.mu.Unlock()
	if rt == nil {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if err != nil {
		rt.lastErr = err
		return
	}
	if rt.durableOldest.IsZero() || job.rec.Timestamp.Before(rt.durableOldest) {
		rt.durableOldest = job.rec.Timestamp
	}
	if job.rec.Timestamp.After(rt.durableLatest) {
		rt.durableLatest = job.rec.Timestamp
	}
	rt.durableLen++
	rt.durableFrontier = job.rec.Timestamp
}

// Close seals durable storage. The Driver should have stopped first.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return b.storage.Close()
}

// Stats returns a backend-wide snapshot.
func (b *Backend) Stats() BackendStats {
	b.mu.Lock()
	active := len(b.sources)
	subs := 0
	for _, rt := range b.sources {
		subs += rt.leases
	}
	b.mu.Unlock()

	return BackendStats{
		ActiveSources: active,
		ActiveSubscribers: subs,
		Cache: b.cache.Stats(),
		WriterQueueDepth: int(b.queueDepth.Load()),
		WriterHighWaterMark: int(b.highWaterMark.Load()),
		BackpressureEvents: b.backpressure.Load(),
	}
}

// SourceStatsFor returns the current stats for key, if it is active.
func (b *Backend) SourceStatsFor(key string) (SourceStats, bool) {
	b.mu.Lock()
	rt, ok := b.sources[key]
	b.mu.Unlock()
	if !ok {
		return SourceStats{}, false
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return SourceStats{
		DurableOldest: rt.durableOldest,
		DurableLatest: rt.durableLatest,
		DurableLen: rt.durableLen,
		IngestFrontier: rt.ingestFrontier,
		DurableFrontier: rt.durableFrontier,
		LastError: rt.lastErr,
	}, true
}

// mergedRange returns cache ∪ durable records for key within
// [start, end], deduplicated and sorted ascending.
func (b *Backend) mergedRange(key string, start, end time.Time) ([]Record, error) {
	seen := make(map[string]struct{})
	var out []Record

	for _, r := range b.cache.Range(key, start, end) {
		seen[r.dedupKey()] = struct{}{}
		out = append(out, r)
	}

	err := b.storage.Scan(func(sourceKey string, rec Record) bool {
		if sourceKey != key {
			return true
		}
		if rec.Timestamp.Before(start) || rec.Timestamp.After(end) {
			return true
		}
		k := rec.dedupKey()
		if _, dup := seen[k]; dup {
			return true
		}
		seen[k] = struct{}{}
		out = append(out, rec)
		return true
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// Latest returns the most recent record for key.
func (b *Backend) Latest(key string) (Record, bool, error) {
	if r, ok := b.cache.Latest(key); ok {
		return r, true, nil
	}
	recs, err := b.mergedRange(key, time.Time{}, farFuture)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// BeforeOrEqual returns the latest record with Timestamp <= ts.
func (b *Backend) BeforeOrEqual(key string, ts time.Time) (Record, bool, error) {
	recs, err := b.mergedRange(key, time.Time{}, ts)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	return recs[len(recs)-1], true, nil
}

// Nearest returns the record closest to ts, ties resolved to the
// earlier record.
func (b *Backend) Nearest(key string, ts time.Time) (Record, bool, error) {
	recs, err := b.mergedRange(key, time.Time{}, farFuture)
	if err != nil || len(recs) == 0 {
		return Record{}, false, err
	}
	best := recs[0]
	bestDelta := absDuration(best.Timestamp.Sub(ts))
	for _, r := range recs[1:] {
		d := absDuration(r.Timestamp.Sub(ts))
		if d < bestDelta {
			best, bestDelta = r, d
		}
	}
	return best, true, nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// RangeInclusive returns every record for key in [start, end], ascending.
func (b *Backend) RangeInclusive(key string, start, end time.Time) ([]Record, error) {
	if end.Before(start) {
		return nil, ErrInvalidTimelineRange
	}
	return b.mergedRange(key, start, end)
}

// TimelineBucket is one fixed-width bucket of a timeline query.
type TimelineBucket struct {
	Start time.Time
	End time.Time
	Count int
	MinTS time.Time
	MaxTS time.Time
}

// Timeline buckets key's records across [start, end] into `buckets`
// fixed-width windows with counts and min/max timestamps.
func (b *Backend) Timeline(key string, start, end time.Time, buckets int) ([]TimelineBucket, error) {
	recs, err := b.RangeInclusive(key, start, end)
	if err != nil {
		return nil, err
	}
	return bucketize(recs, start, end, buckets)
}

// TimelineAggregate buckets records across every active source.
func (b *Backend) TimelineAggregate(start, end time.Time, buckets int) ([]TimelineBucket, error) {
	if end.Before(start) {
		return nil, ErrInvalidTimelineRange
	}
	b.mu.Lock()
	keys := make([]string, 0, len(b.sources))
	for k := range b.sources {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var all []Record
	for _, k := range keys {
		recs, err := b.mergedRange(k, start, end)
		if err != nil {
			return nil, err
		}
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Timestamp.Before(all[j].Timestamp) })
	return bucketize(all, start, end, buckets)
}

func bucketize(recs []Record, start, end time.Time, buckets int) ([]TimelineBucket, error) {
	if buckets <= 0 {
		return nil, ErrInvalidBucketCount
	}
	if end.Before(start) {
		return nil, ErrInvalidTimelineRange
	}
	width := end.Sub(start) / time.Duration(buckets)
	if width <= 0 {
		width = time.Nanosecond
	}

	out := make([]TimelineBucket, buckets)
	for i := range out {
		out[i].Start = start.Add(time.Duration(i) * width)
		out[i].End = out[i].Start.Add(width)
	}

	for _, r := range recs {
		idx := int(r.Timestamp.Sub(start) / width)
		if idx >= buckets {
			idx = buckets - 1
		}
		if idx < 0 {
			idx = 0
		}
		bkt := &out[idx]
		bkt.Count++
		if bkt.MinTS.IsZero() || r.Timestamp.Before(bkt.MinTS) {
			bkt.MinTS = r.Timestamp
		}
		if r.Timestamp.After(bkt.MaxTS) {
			bkt.MaxTS = r.Timestamp
		}
	}
	return out, nil
}

// PrefetchRangeCancellable chunks the durable scan for key across
// [start, end] into windows of chunkSize, yielding cooperatively and
// honoring cancellation.
func (b *Backend) PrefetchRangeCancellable(ctx context.Context, key string, start, end time.Time, chunkSize time.Duration) (<-chan Record, error) {
	if end.Before(start) {
		return nil, ErrInvalidTimelineRange
	}
	if chunkSize <= 0 {
		chunkSize = time.Minute
	}
	out := make(chan Record, 64)

	go func() {
		defer close(out)
		for cursor := start; cursor.Before(end); cursor = cursor.Add(chunkSize) {
			chunkEnd := cursor.Add(chunkSize)
			if chunkEnd.After(end) {
				chunkEnd = end
			}
			recs, err := b.mergedRange(key, cursor, chunkEnd)
			if err != nil {
				return
			}
			for _, r := range recs {
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			default:
			}
		}
	}()
	return out, nil
}
