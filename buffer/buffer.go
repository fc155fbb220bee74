// Package buffer implements the triple-slot single-writer/multi-reader
// exchange used by every cycler to publish one value of type T per cycle.
package buffer

import (
	"context"
	"sync"

	"go.uber.org/atomic"
)

// Buffer is a triple-slot exchange for one value of type T.
//
// The write side is wait-free: Write never blocks on a reader. Readers
// never block a writer, and a reader that acquires a view after a write
// completes observes that write or a newer one (no torn reads). The
// zero value is not usable; construct with New.
//
// Each slot holds an atomically-swapped *T rather than a raw T: a
// published slot's pointee is never mutated again (Write always stages
// into a fresh, writer-private *T and only makes it visible via one
// atomic pointer store in Publish), so a reader's dereference races
// with nothing — the alternative of writing directly into a shared
// [3]T array lets a writer's in-place mutation of a slot overlap a
// reader's copy out of that same slot once the round-robin wraps back
// onto it.
type Buffer[T any] struct {
	slots [3]atomic.Pointer[T]

	// current indexes the slot holding the most recently published value.
	current atomic.Int32
	// version increments on every publish; readers use it to detect change.
	version atomic.Uint64

	// writeMu guards against more than one outstanding write view.
	writeMu sync.Mutex

	mu      sync.Mutex
	changed *sync.Cond
}

// New returns a Buffer whose initial value is the zero value of T.
func New[T any]() *Buffer[T] {
	b := &Buffer[T]{}
	b.current.Store(0)
	for i := range b.slots {
		b.slots[i].Store(new(T))
	}
	b.changed = sync.NewCond(&b.mu)
	return b
}

// WriteView is the mutable handle returned by Write. Publish must be
// called exactly once to make the write visible; Discard abandons it.
type WriteView[T any] struct {
	b     *Buffer[T]
	slot  int
	value *T
}

// Value returns the mutable value to populate before Publish. It is
// writer-private storage, not yet reachable from any slot, so mutating
// it races with nothing.
func (w *WriteView[T]) Value() *T { return w.value }

// Publish makes the written value the new current value and wakes any
// goroutines blocked in AwaitChange. After this call w.value is
// considered published and must not be mutated further.
func (w *WriteView[T]) Publish() {
	w.b.slots[w.slot].Store(w.value)
	w.b.current.Store(int32(w.slot))
	w.b.version.Add(1)
	w.b.writeMu.Unlock()
	w.b.mu.Lock()
	w.b.changed.Broadcast()
	w.b.mu.Unlock()
}

// Discard abandons the write without publishing.
func (w *WriteView[T]) Discard() {
	w.b.writeMu.Unlock()
}

// Write acquires a mutable view of a free slot. At most one write view may
// be outstanding at a time. The returned view wraps a fresh, writer-private
// *T: no reader can observe it until Publish stores it into the slot, so
// picking a slot never has to account for outstanding reader views the way
// mutating a shared array in place would.
func (b *Buffer[T]) Write() *WriteView[T] {
	b.writeMu.Lock()
	current := int(b.current.Load())
	next := (current + 1) % 3
	return &WriteView[T]{b: b, slot: next, value: new(T)}
}

// ReadView is an immutable snapshot of the most recently published value
// at the time the view was acquired.
type ReadView[T any] struct {
	value   T
	version uint64
}

// Value returns the observed value.
func (r ReadView[T]) Value() T { return r.value }

// Version returns the publish version this view observed; pass it to
// AwaitChange to wait for a newer one.
func (r ReadView[T]) Version() uint64 { return r.version }

// Read returns an immutable view of the current value. A reader that
// acquires before any write has completed receives the zero value with
// version 0.
func (b *Buffer[T]) Read() ReadView[T] {
	for {
		current := int(b.current.Load())
		versionBefore := b.version.Load()
		p := b.slots[current].Load()
		value := *p
		// p's pointee is never mutated after being stored (Write always
		// stages into a brand-new *T), so the copy above is torn only if
		// current/p themselves pointed at a slot that a concurrent Publish
		// was in the middle of replacing — detected by re-checking version.
		if b.version.Load() == versionBefore {
			return ReadView[T]{value: value, version: versionBefore}
		}
	}
}

// AwaitChange blocks until a version newer than lastVersion is published,
// or ctx is cancelled. It returns the new view, or an error if ctx expired
// first.
func (b *Buffer[T]) AwaitChange(ctx context.Context, lastVersion uint64) (ReadView[T], error) {
	if b.version.Load() > lastVersion {
		return b.Read(), nil
	}

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		b.changed.Broadcast()
		b.mu.Unlock()
		close(done)
	}()

	b.mu.Lock()
	for b.version.Load() <= lastVersion && ctx.Err() == nil {
		b.changed.Wait()
	}
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		var zero ReadView[T]
		return zero, err
	}
	return b.Read(), nil
}

// Version reports the current publish version without copying the value.
func (b *Buffer[T]) Version() uint64 { return b.version.Load() }
