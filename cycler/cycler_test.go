package cycler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/fieldrt/runtime/futurequeue"
	"github.com/fieldrt/runtime/timestamp"
	"github.com/stretchr/testify/require"
)

type fakeParams struct{}

func (fakeParams) Parameter(path string, out any) error { return nil }

type counterDB struct {
	value int
}

type incrementNode struct{}

func (incrementNode) Construct(ctx CreationContext) (Node, error) { return incrementNode{}, nil }

func (incrementNode) Step(cc *CycleContext) error {
	db := cc.Database.(*counterDB)
	db.value++
	return nil
}

type panicNode struct{}

func (panicNode) Construct(ctx CreationContext) (Node, error) { return panicNode{}, nil }

func (panicNode) Step(cc *CycleContext) error {
	panic("boom")
}

func TestRegistryVerifyRejectsUnresolvedDependency(t *testing.T) {
	reg := NewRegistry(Descriptor{
		Name:         "b",
		New:          func() Node { return incrementNode{} },
		Dependencies: []Dependency{{Path: "a.value"}},
	})
	err := reg.Verify(map[string]bool{})
	require.Error(t, err)
}

func TestRegistryVerifyAcceptsEarlierProvider(t *testing.T) {
	reg := NewRegistry(
		Descriptor{Name: "a", New: func() Node { return incrementNode{} }, Provides: []string{"a.value"}},
		Descriptor{Name: "b", New: func() Node { return incrementNode{} }, Dependencies: []Dependency{{Path: "a.value"}}},
	)
	require.NoError(t, reg.Verify(map[string]bool{}))
}

func TestRegistryVerifyRequiresKnownPeerCycler(t *testing.T) {
	reg := NewRegistry(Descriptor{
		Name:         "a",
		New:          func() Node { return incrementNode{} },
		Dependencies: []Dependency{{FromCycler: "vision", Path: "x"}},
	})
	require.Error(t, reg.Verify(map[string]bool{}))
	require.NoError(t, reg.Verify(map[string]bool{"vision": true}))
}

func TestCyclerRunOnceExecutesNodesInOrderAndPublishes(t *testing.T) {
	reg := NewRegistry(
		Descriptor{Name: "inc1", New: func() Node { return incrementNode{} }, Provides: []string{"value"}},
		Descriptor{Name: "inc2", New: func() Node { return incrementNode{} }, Dependencies: []Dependency{{Path: "value"}}},
	)
	c := New("test", RealTime, reg, 10*time.Millisecond, fakeParams{}, nil)

	ts := timestamp.New(time.Now(), 1)
	c.RunOnce(context.Background(), ts, &counterDB{}, nil)

	published := c.Publish().Read().Value().(*counterDB)
	require.Equal(t, 2, published.value)
}

type perceptionReadingNode struct {
	sawTemporary  int
	sawPersistent int
}

func (n *perceptionReadingNode) Construct(ctx CreationContext) (Node, error) { return n, nil }

func (n *perceptionReadingNode) Step(cc *CycleContext) error {
	n.sawTemporary = len(cc.PerceptionTemporary)
	n.sawPersistent = len(cc.PerceptionPersistent)
	return nil
}

func TestCyclerDrainsRegisteredPerceptionSources(t *testing.T) {
	node := &perceptionReadingNode{}
	reg := NewRegistry(Descriptor{Name: "reader", New: func() Node { return node }})
	c := New("realtime", RealTime, reg, 10*time.Millisecond, fakeParams{}, nil)

	q := futurequeue.New[any]()
	c.RegisterPerceptionSource("vision", q)

	t0 := timestamp.New(time.Now(), 0)
	q.Announce(t0)
	q.Finalize(t0, "ball-at-t0")

	t1 := timestamp.New(t0.Instant.Add(10*time.Millisecond), 1)
	c.RunOnce(context.Background(), t1, &counterDB{}, nil)

	require.Equal(t, 0, node.sawTemporary, "first cycle sees no perception data yet (drained after Step)")

	temp := c.Perception().Temporary()
	persist := c.Perception().Persistent()
	require.Len(t, temp, 0)
	require.Len(t, persist, 1)
	require.Equal(t, []any{"ball-at-t0"}, persist[t0])

	// Second cycle: node now observes what the first cycle's drain produced.
	t2 := timestamp.New(t1.Instant.Add(10*time.Millisecond), 2)
	c.RunOnce(context.Background(), t2, &counterDB{}, nil)
	require.Equal(t, 1, node.sawPersistent)
}

func TestCyclerStepRecoversFromNodePanic(t *testing.T) {
	reg := NewRegistry(Descriptor{Name: "bad", New: func() Node { return panicNode{} }})
	c := New("test", RealTime, reg, 10*time.Millisecond, fakeParams{}, nil)

	require.NoError(t, c.construct())
	cc := &CycleContext{Context: context.Background(), Database: &counterDB{}}
	err := c.step(c.nodes[0], cc)
	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

type erroringNode struct{}

func (erroringNode) Construct(ctx CreationContext) (Node, error) { return erroringNode{}, nil }

func (erroringNode) Step(cc *CycleContext) error {
	return errors.New("sensor fault")
}

func TestCyclerRunOnceReturnsNodeCycleFailed(t *testing.T) {
	reg := NewRegistry(Descriptor{Name: "bad", New: func() Node { return erroringNode{} }})
	c := New("test", RealTime, reg, 10*time.Millisecond, fakeParams{}, nil)

	err := c.RunOnce(context.Background(), timestamp.New(time.Now(), 0), &counterDB{}, nil)
	require.Error(t, err)

	var cycleErr *NodeCycleFailed
	require.ErrorAs(t, err, &cycleErr)
	require.Equal(t, "bad", cycleErr.Node)
	require.Contains(t, err.Error(), "sensor fault")
}

type failingConstructNode struct{}

func (failingConstructNode) Construct(ctx CreationContext) (Node, error) {
	return nil, errors.New("bad config")
}

func (failingConstructNode) Step(cc *CycleContext) error { return nil }

func TestCyclerRunOnceReturnsNodeConstructionFailed(t *testing.T) {
	reg := NewRegistry(Descriptor{Name: "bad", New: func() Node { return failingConstructNode{} }})
	c := New("test", RealTime, reg, 10*time.Millisecond, fakeParams{}, nil)

	err := c.RunOnce(context.Background(), timestamp.New(time.Now(), 0), &counterDB{}, nil)
	require.Error(t, err)

	var constructErr *NodeConstructionFailed
	require.ErrorAs(t, err, &constructErr)
	require.Equal(t, "bad", constructErr.Node)
}

func TestRunRealTimeExitsAndPropagatesNodeCycleFailed(t *testing.T) {
	reg := NewRegistry(Descriptor{Name: "bad", New: func() Node { return erroringNode{} }})
	c := New("test", RealTime, reg, time.Millisecond, fakeParams{}, nil)

	err := c.Run(context.Background(), func() any { return &counterDB{} }, nil)
	require.Error(t, err)

	var cycleErr *NodeCycleFailed
	require.ErrorAs(t, err, &cycleErr)
}
