// Package cycler implements the per-cycle node scheduler described in
// the invariant: a fixed, dependency-verified node order runs once per
// cycle, writes its outputs to the database, then the database is
// published to buffer.Buffer readers and folded into the historic and
// perception stores.
package cycler

import (
	"context"
	"fmt"

	"github.com/fieldrt/runtime/timestamp"
)

// CreationContext is handed to a Node's constructor once, at cycler
// startup. It exposes the node's name and the parameter reader.
type CreationContext struct {
	// Name is the human-readable node name, used in logs and panics.
	Name string
	// Parameters is the live configuration tree, addressed the same
	// path grammar as database records (see package pathstate).
	Parameters ParameterReader
}

// ParameterReader resolves a dotted configuration path into a decoded
// value. Cyclers supply an implementation backed by config.Global.
type ParameterReader interface {
	Parameter(path string, out any) error
}

// CycleContext is handed to a Node's Step method once per cycle. It
// exposes this cycle's timestamp, the cycler's own database (read/write
// split by convention — nodes only read what ran before them in the
// static order and only write their own declared outputs), and
// read-only views into the historic and perception stores accumulated
// so far.
type CycleContext struct {
	context.Context

	// Now is this cycle's timestamp.
	Now timestamp.Timestamp
	// CycleCount is a monotonically increasing per-cycler cycle index,
	// starting at zero.
	CycleCount uint64

	// Database is the current cycle's in-progress record; nodes read
	// prior nodes' outputs from it and write their own into it.
	Database any

	// Subscribed reports whether an additional (diagnostic) output at
	// the given database-relative path currently has a live telemetry
	// subscription, read once at the start of the cycle. A node should
	// skip computing an optional diagnostic output when this returns
	// false. The predicate is "some subscribed path is a prefix of
	// path": subscribing to a parent path (e.g. "diagnostics") is
	// enough to receive everything under it.
	Subscribed func(path string) bool

	// Historic returns the whole database snapshot the cycler's
	// historic.Store holds for exactly the timestamp at. The path
	// argument does not select a field.
	Historic func(at timestamp.Timestamp, path string) (any, bool)

	// Peer returns another cycler's whole latest published database,
	// for nodes that depend on another cycler's output. The path
	// argument does not select a field.
	Peer func(cyclerName, path string) (any, bool)

	// PerceptionTemporary and PerceptionPersistent are this cycle's
	// snapshot of the perception store's two partitions, keyed by
	// timestamp. Both reflect the state left by the previous cycle's
	// update; this cycle's own newly-drained announcements are folded
	// in afterward.
	PerceptionTemporary map[timestamp.Timestamp][]any
	PerceptionPersistent map[timestamp.Timestamp][]any
}

// Node is the unit of per-cycle computation. A Node's Construct runs
// once at startup; its Step runs once per cycle, in the cycler's
// static, dependency-verified order.
type Node interface {
	// Construct builds the node's internal state. It must not block on
	// I/O beyond what's needed to read its own configuration.
	Construct(ctx CreationContext) (Node, error)

	// Step advances the node by one cycle, reading whatever inputs it
	// declared and writing its own outputs into ctx.Database.
	Step(ctx *CycleContext) error
}

// Dependency declares one edge a node requires before it can run: a
// path into either this cycler's own in-progress database (written by
// an earlier node in static order) or another cycler's most recent
// publication.
type Dependency struct {
	// FromCycler is empty for an intra-cycler dependency (another node
	// that must run earlier in this same cycler), or a cycler name for
	// a cross-cycler read through CycleContext.Peer.
	FromCycler string
	Path string
}

// Descriptor pairs a Node factory with its static name and declared
// dependencies, verified by Registry before the cycler is allowed to
// start.
type Descriptor struct {
	Name string
	New func() Node
	Dependencies []Dependency
	// Provides lists the database paths this node writes. Used to
	// verify every intra-cycler Dependency resolves to a node that
	// runs earlier in static order.
	Provides []string
}

// Registry holds the static, ordered list of node descriptors for one
// cycler and verifies their dependency graph resolves before any node
// is constructed.
type Registry struct {
	nodes []Descriptor
}

// NewRegistry builds a Registry from nodes in their intended run order.
func NewRegistry(nodes...Descriptor) *Registry {
	return &Registry{nodes: nodes}
}

// Verify checks that every intra-cycler Dependency is satisfied by a
// node appearing earlier in static order, and that cross-cycler
// dependencies name a cycler known to the supervisor. Called once
// before a cycler starts; a failing verification is a configuration
// error and must prevent startup (the invariant: "static declared
// dependencies verified before scheduling").
func (r *Registry) Verify(knownCyclers map[string]bool) error {
	provided := make(map[string]bool)
	for _, n := range r.nodes {
		for _, dep := range n.Dependencies {
			if dep.FromCycler != "" {
				if !knownCyclers[dep.FromCycler] {
					return fmt.Errorf("node %s: unknown peer cycler %q", n.Name, dep.FromCycler)
				}
				continue
			}
			if !provided[dep.Path] {
				return fmt.Errorf("node %s: dependency %q is not provided by any earlier node", n.Name, dep.Path)
			}
		}
		for _, p := range n.Provides {
			provided[p] = true
		}
	}
	return nil
}

// Names returns the static node names in run order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.nodes))
	for i, n := range r.nodes {
		out[i] = n.Name
	}
	return out
}
