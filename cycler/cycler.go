package cycler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/fieldrt/runtime/buffer"
	"github.com/fieldrt/runtime/futurequeue"
	"github.com/fieldrt/runtime/historic"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/perception"
	"github.com/fieldrt/runtime/timestamp"
)

// Kind distinguishes the two cycler flavors: a RealTime cycler runs on a
// fixed period and owns the historic store; a Perception cycler runs
// when new sensor data arrives and announces/finalizes against the
// future queue before its output becomes visible.
type Kind int

const (
	RealTime Kind = iota
	Perception
)

// PeerRegistry resolves a named cycler's latest published database, so
// a running cycler can satisfy another node's cross-cycler
// Dependency.FromCycler reads.
type PeerRegistry interface {
	Peer(cyclerName string) (buf *buffer.Buffer[any], ok bool)
}

// SubscriptionSource reports the full set of dotted paths with a live
// telemetry subscription at the moment it's called. telemetry.Server
// implements it; a Cycler without one never fills additional outputs.
type SubscriptionSource func() []string

// isSubscribed implements the "some subscribed path is a prefix of
// path" rule from spec.md section 4.6's additional-outputs paragraph:
// subscribing to a parent path covers every path beneath it.
func isSubscribed(subscribed []string, path string) bool {
	for _, s := range subscribed {
		if s == path || strings.HasPrefix(path, s+".") {
			return true
		}
	}
	return false
}

// Cycler runs one named sequence of nodes, one OS thread's worth of
// goroutine, publishing its database once per cycle into a triple
// buffer and folding timestamps into the historic/perception stores.
type Cycler struct {
	Name     string
	Kind     Kind
	Registry *Registry
	Period   time.Duration // RealTime only; zero for Perception

	nodes  []Node
	descs  []Descriptor
	params ParameterReader
	peers  PeerRegistry
	// subscriptions is read once per cycle (step 2 of the real-time
	// cycle per spec.md section 4.6) to build CycleContext.Subscribed.
	// Nil until SetSubscriptions is called, in which case no additional
	// output is ever considered subscribed.
	subscriptions SubscriptionSource

	publish  *buffer.Buffer[any]
	historic *historic.Store[any]
	// perception is non-nil only for a RealTime cycler that consumes
	// one or more upstream Perception cyclers' announce/finalize pairs.
	perception *perception.Store[any]
	// futures holds one queue per upstream Perception producer this
	// cycler drains from, keyed by the producer cycler's name. A
	// RealTime cycler may consume several perception cyclers at once.
	futuresMu sync.RWMutex
	futures   map[string]*futurequeue.Queue[any]

	constructOnce sync.Once
	constructErr  error
	cycleCount    uint64
}

// New constructs a Cycler. Registry.Verify must have already succeeded.
func New(name string, kind Kind, reg *Registry, period time.Duration, params ParameterReader, peers PeerRegistry) *Cycler {
	return &Cycler{
		Name:       name,
		Kind:       kind,
		Registry:   reg,
		Period:     period,
		descs:      reg.nodes,
		params:     params,
		peers:      peers,
		publish:    buffer.New[any](),
		historic:   historic.New[any](),
		perception: perception.New[any](),
		futures:    make(map[string]*futurequeue.Queue[any]),
	}
}

// RegisterPerceptionSource wires an upstream Perception cycler's future
// queue into this RealTime cycler, so Run drains it every cycle and
// folds its announcements into the temporary/persistent boundary. Call
// before Run starts.
func (c *Cycler) RegisterPerceptionSource(name string, q *futurequeue.Queue[any]) {
	c.futuresMu.Lock()
	defer c.futuresMu.Unlock()
	c.futures[name] = q
}

// SetSubscriptions wires the telemetry layer's live subscription table
// into this cycler so nodes can tell whether their additional outputs
// are currently watched. Call before Run starts; src is re-read at the
// start of every cycle (spec.md section 4.6, step 2).
func (c *Cycler) SetSubscriptions(src SubscriptionSource) { c.subscriptions = src }

// Publish returns the buffer other cyclers and telemetry consumers
// read this cycler's latest database from.
func (c *Cycler) Publish() *buffer.Buffer[any] { return c.publish }

// Record returns the cycler's most recently published database as a
// pathstate.Record, for telemetry/stream consumers that address it by
// dotted path. False before the first cycle completes.
func (c *Cycler) Record() (pathstate.Record, bool) {
	v := c.publish.Read().Value()
	rec, ok := v.(pathstate.Record)
	return rec, ok
}

// construct runs every node's Construct exactly once, in static order.
func (c *Cycler) construct() error {
	c.nodes = make([]Node, len(c.descs))
	for i, d := range c.descs {
		n, err := d.New().Construct(CreationContext{Name: d.Name, Parameters: c.params})
		if err != nil {
			return &NodeConstructionFailed{Cycler: c.Name, Node: d.Name, Err: err}
		}
		c.nodes[i] = n
	}
	return nil
}

// ensureConstructed runs construct exactly once regardless of whether
// it was reached via Run or a direct RunOnce call (Perception cyclers
// and tests drive cycles without ever calling Run).
func (c *Cycler) ensureConstructed() error {
	c.constructOnce.Do(func() { c.constructErr = c.construct() })
	return c.constructErr
}

// runCycle executes one pass over every node in static order, then
// returns the resulting database. Publishing and historic/perception
// updates happen afterward in runAndPublish, preserving write-then-
// publish ordering.
func (c *Cycler) runCycle(ctx context.Context, now timestamp.Timestamp, db any) (any, error) {
	// Read the currently-subscribed additional-output paths once, at
	// the start of the cycle (spec.md section 4.6, step 2), so every
	// node sees the same subscribed set regardless of when in the
	// static order it runs.
	var subscribed []string
	if c.subscriptions != nil {
		subscribed = c.subscriptions()
	}

	cc := &CycleContext{
		Context:    ctx,
		Now:        now,
		CycleCount: c.cycleCount,
		Database:   db,
		Subscribed: func(path string) bool { return isSubscribed(subscribed, c.Name+"."+path) },
		Historic: func(at timestamp.Timestamp, path string) (any, bool) {
			v, ok := c.historic.Lookup(at)
			return v, ok
		},
		Peer: func(cyclerName, path string) (any, bool) {
			if c.peers == nil {
				return nil, false
			}
			buf, ok := c.peers.Peer(cyclerName)
			if !ok {
				return nil, false
			}
			return buf.Read().Value(), true
		},
		PerceptionTemporary:  c.perception.Temporary(),
		PerceptionPersistent: c.perception.Persistent(),
	}

	for i, n := range c.nodes {
		if err := c.step(n, cc); err != nil {
			return nil, &NodeCycleFailed{Cycler: c.Name, Node: c.descs[i].Name, Cycle: c.cycleCount, Err: err}
		}
	}
	return cc.Database, nil
}

// step invokes Node.Step and turns a panic into an error rather than
// taking down the cycler thread.
func (c *Cycler) step(n Node, cc *CycleContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return n.Step(cc)
}

// Run executes construct once, then repeatedly runs cycles until ctx
// is cancelled. dbFactory produces a fresh, zeroed database value for
// each cycle (RealTime) or each newly-arrived sample (Perception).
// onCycle is invoked after every successful cycle with the finalized
// database, once the cycler has published it and updated its own
// historic/perception stores.
func (c *Cycler) Run(ctx context.Context, dbFactory func() any, onCycle func(now timestamp.Timestamp, db any)) error {
	if err := c.ensureConstructed(); err != nil {
		return err
	}

	if c.Kind == Perception {
		return c.runPerception(ctx, dbFactory, onCycle)
	}
	return c.runRealTime(ctx, dbFactory, onCycle)
}

func (c *Cycler) runRealTime(ctx context.Context, dbFactory func() any, onCycle func(timestamp.Timestamp, any)) error {
	if c.Period <= 0 {
		return fmt.Errorf("cycler %s: real-time cyclers require a positive period", c.Name)
	}
	ticker := time.NewTicker(c.Period)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case t := <-ticker.C:
			now := timestamp.New(t, seq)
			seq++
			if err := c.runAndPublish(ctx, now, dbFactory, onCycle); err != nil {
				return err
			}
		}
	}
}

// runPerception runs no cycles and ignores dbFactory and onCycle: since
// arrival cadence is data-driven rather than timer-driven, the caller
// (typically the driver wiring a sensor source) calls RunOnce per
// sample instead. Run still blocks on ctx for symmetry with RealTime.
func (c *Cycler) runPerception(ctx context.Context, _ func() any, _ func(timestamp.Timestamp, any)) error {
	<-ctx.Done()
	return nil
}

// RunOnce executes a single cycle immediately — the entry point for
// Perception cyclers, called by the driver each time new sensor data
// is available. A non-nil return is a NodeConstructionFailed or
// NodeCycleFailed: fatal to this cycler, per the contract that a node
// returning an error logs, cancels the shared token, and exits. The
// caller (typically a driver goroutine outside Supervisor's errgroup)
// is responsible for propagating it into that cancellation.
func (c *Cycler) RunOnce(ctx context.Context, now timestamp.Timestamp, db any, onCycle func(timestamp.Timestamp, any)) error {
	return c.runAndPublish(ctx, now, func() any { return db }, onCycle)
}

func (c *Cycler) runAndPublish(ctx context.Context, now timestamp.Timestamp, dbFactory func() any, onCycle func(timestamp.Timestamp, any)) error {
	if err := c.ensureConstructed(); err != nil {
		log.Printf("cycler %s: construct failed: %v", c.Name, err)
		return err
	}

	result, err := c.runCycle(ctx, now, dbFactory())
	if err != nil {
		log.Printf("cycler %s: cycle %d at %s failed: %v", c.Name, c.cycleCount, now, err)
		c.cycleCount++
		return err
	}

	view := c.publish.Write()
	*view.Value() = result
	view.Publish()

	// Drain every registered perception producer's future queue, fold
	// the union into the perception store, then prune the historic
	// store to the same boundary. With no perception producer
	// announcements outstanding, the historic store need only retain
	// the entry just written.
	updates, oldestOutstanding, hasOutstanding := c.drainFutures(now)
	historicBoundary := now
	if hasOutstanding {
		historicBoundary = oldestOutstanding
	}

	c.historic.Update(now, historicBoundary, result)

	trailing, hasTrailing := c.historic.OldestKey()
	c.perception.Update(updates, oldestOutstanding, hasOutstanding, trailing, hasTrailing)

	if onCycle != nil {
		onCycle(now, result)
	}
	c.cycleCount++
	return nil
}

// drainFutures collects every finalized (timestamp, payload) pair ≤ now
// across all registered perception producers and reports the oldest
// still-outstanding announcement among them — the boundary used to
// decide what's still "temporary" and how far the historic store may
// prune.
func (c *Cycler) drainFutures(now timestamp.Timestamp) (updates map[timestamp.Timestamp][]any, oldestOutstanding timestamp.Timestamp, hasOutstanding bool) {
	c.futuresMu.RLock()
	defer c.futuresMu.RUnlock()

	updates = make(map[timestamp.Timestamp][]any)
	for _, q := range c.futures {
		for _, pair := range q.Drain(now) {
			updates[pair.Timestamp] = append(updates[pair.Timestamp], pair.Payload)
		}
		if ts, ok := q.OldestOutstanding(); ok {
			if !hasOutstanding || ts.Before(oldestOutstanding) {
				oldestOutstanding, hasOutstanding = ts, true
			}
		}
	}
	return updates, oldestOutstanding, hasOutstanding
}

// Perception exposes the cycler's perception.Store so a driver wiring
// perception producers (or tests) can inspect the current partition
// directly, outside of a running node's CycleContext.
func (c *Cycler) Perception() *perception.Store[any] { return c.perception }
