// Package nodes provides illustrative placeholder node implementations
// that exercise the cycler scheduler end-to-end: a vision perception
// cycler that announces ball detections, a control real-time cycler
// that fuses them into a filtered ball position (no node here reads the
// historic store), and a behavior real-time cycler that reads control's output
// as a peer and a tunable parameter to decide whether the ball is lost.
// These are not a faithful port of any real vision/control/behavior
// pipeline — the domain node bodies are illustrative, not production
// perception/control logic.
package nodes

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/fieldrt/runtime/cycler"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/timestamp"
)

// ---- Vision (Perception cycler) ----

// BallPercept is one camera frame's ball detection, expressed in the
// robot's ground-plane frame.
type BallPercept struct {
	Position pathstate.Vector
	Seen bool
}

func (b BallPercept) SerializePath(path string) (json.RawMessage, error) {
	head, rest, hasRest := pathstate.SplitPath(path)
	switch head {
	case "position":
		if hasRest {
			return b.Position.SerializePath(rest)
		}
		return json.Marshal(b.Position.Components)
	case "seen":
		return json.Marshal(b.Seen)
	default:
		return nil, pathstate.NotExist(path)
	}
}

func (b *BallPercept) DeserializePath(path string, value json.RawMessage) error {
	head, rest, hasRest := pathstate.SplitPath(path)
	switch head {
	case "position":
		if hasRest {
			return b.Position.DeserializePath(rest, value)
		}
		return json.Unmarshal(value, &b.Position.Components)
	case "seen":
		return json.Unmarshal(value, &b.Seen)
	default:
		return pathstate.NotExist(path)
	}
}

func (b BallPercept) EnumerateFields() []string {
	out := []string{"seen", "position"}
	for _, f := range b.Position.EnumerateFields() {
		out = append(out, "position."+f)
	}
	return out
}

// VisionDatabase is the vision cycler's per-cycle database: one ball
// detection, written by BallDetectorNode.
type VisionDatabase struct {
	Ball BallPercept
}

func (d *VisionDatabase) SerializePath(path string) (json.RawMessage, error) {
	head, rest, hasRest := pathstate.SplitPath(path)
	if head != "ball" {
		return nil, pathstate.NotExist(path)
	}
	if hasRest {
		return d.Ball.SerializePath(rest)
	}
	return nil, pathstate.NotExist(path)
}

func (d *VisionDatabase) DeserializePath(path string, value json.RawMessage) error {
	head, rest, hasRest := pathstate.SplitPath(path)
	if head != "ball" || !hasRest {
		return pathstate.NotExist(path)
	}
	return d.Ball.DeserializePath(rest, value)
}

func (d *VisionDatabase) EnumerateFields() []string {
	out := make([]string, 0, len(d.Ball.EnumerateFields()))
	for _, f := range d.Ball.EnumerateFields() {
		out = append(out, "ball."+f)
	}
	return out
}

// BallDetectorNode stands in for a real vision pipeline: it is driven by
// whatever external source calls cycler.Cycler.RunOnce, and simply
// copies the database it's handed through unchanged. A real
// implementation would run detection against a camera frame here.
type BallDetectorNode struct{}

func (n *BallDetectorNode) Construct(cycler.CreationContext) (cycler.Node, error) {
	return &BallDetectorNode{}, nil
}

func (n *BallDetectorNode) Step(cc *cycler.CycleContext) error {
	if _, ok := cc.Database.(*VisionDatabase); !ok {
		return fmt.Errorf("ball detector: unexpected database type %T", cc.Database)
	}
	return nil
}

// VisionRegistry is the vision cycler's static node order.
func VisionRegistry() *cycler.Registry {
	return cycler.NewRegistry(cycler.Descriptor{
		Name: "ball_detector",
		New: func() cycler.Node { return &BallDetectorNode{} },
		Provides: []string{"ball"},
	})
}

// ---- Control (RealTime cycler) ----

// ControlDatabase is the control cycler's per-cycle database: the
// camera-to-ground transform and the filtered ball position (both main
// outputs, always produced), plus Diagnostics — an additional output
// BallFilterNode only fills when a telemetry subscription is currently
// watching "control.diagnostics" or a path beneath it.
type ControlDatabase struct {
	CameraMatrix pathstate.Isometry2D
	Ball pathstate.Optional[*BallFilterState]
	Diagnostics pathstate.Optional[*BallFilterDiagnostics]
}

func (d *ControlDatabase) SerializePath(path string) (json.RawMessage, error) {
	head, rest, hasRest := pathstate.SplitPath(path)
	switch head {
	case "camera_matrix":
		if hasRest {
			return d.CameraMatrix.SerializePath(rest)
		}
		return nil, pathstate.NotExist(path)
	case "ball":
		if hasRest {
			return d.Ball.SerializePath(rest)
		}
		return nil, pathstate.NotExist(path)
	case "diagnostics":
		if hasRest {
			return d.Diagnostics.SerializePath(rest)
		}
		return nil, pathstate.NotExist(path)
	default:
		return nil, pathstate.NotExist(path)
	}
}

func (d *ControlDatabase) DeserializePath(path string, value json.RawMessage) error {
	head, rest, hasRest := pathstate.SplitPath(path)
	switch head {
	case "camera_matrix":
		if hasRest {
			return d.CameraMatrix.DeserializePath(rest, value)
		}
		return pathstate.NotExist(path)
	case "ball":
		if hasRest {
			return d.Ball.DeserializePath(rest, value)
		}
		return pathstate.NotExist(path)
	case "diagnostics":
		if hasRest {
			return d.Diagnostics.DeserializePath(rest, value)
		}
		return pathstate.NotExist(path)
	default:
		return pathstate.NotExist(path)
	}
}

func (d *ControlDatabase) EnumerateFields() []string {
	var out []string
	for _, f := range d.CameraMatrix.EnumerateFields() {
		out = append(out, "camera_matrix."+f)
	}
	for _, f := range d.Ball.EnumerateFields() {
		out = append(out, "ball."+f)
	}
	for _, f := range d.Diagnostics.EnumerateFields() {
		out = append(out, "diagnostics."+f)
	}
	return out
}

// BallFilterDiagnostics is BallFilterNode's additional output: the raw,
// unfiltered observation the filter blended this cycle, useful for
// remote tuning of ball_filter.process_noise but not needed by any
// other node, so it's only computed when subscribed.
type BallFilterDiagnostics struct {
	RawObservation pathstate.Vector
}

func (d *BallFilterDiagnostics) SerializePath(path string) (json.RawMessage, error) {
	head, rest, hasRest := pathstate.SplitPath(path)
	if head != "raw_observation" {
		return nil, pathstate.NotExist(path)
	}
	if hasRest {
		return d.RawObservation.SerializePath(rest)
	}
	return json.Marshal(d.RawObservation.Components)
}

func (d *BallFilterDiagnostics) DeserializePath(path string, value json.RawMessage) error {
	head, rest, hasRest := pathstate.SplitPath(path)
	if head != "raw_observation" {
		return pathstate.NotExist(path)
	}
	if hasRest {
		return d.RawObservation.DeserializePath(rest, value)
	}
	return json.Unmarshal(value, &d.RawObservation.Components)
}

func (d *BallFilterDiagnostics) EnumerateFields() []string {
	if d == nil {
		return prefixFields("raw_observation", pathstate.Vector{}.EnumerateFields())
	}
	return prefixFields("raw_observation", d.RawObservation.EnumerateFields())
}

func prefixFields(prefix string, fields []string) []string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = prefix + "." + f
	}
	return out
}

// BallFilterState is the filtered ball estimate the behavior cycler
// reads as a peer.
type BallFilterState struct {
	Position pathstate.Vector
}

func (s *BallFilterState) SerializePath(path string) (json.RawMessage, error) {
	return s.Position.SerializePath(path)
}

func (s *BallFilterState) DeserializePath(path string, value json.RawMessage) error {
	return s.Position.DeserializePath(path, value)
}

func (s *BallFilterState) EnumerateFields() []string {
	if s == nil {
		return (pathstate.Vector{}).EnumerateFields()
	}
	return s.Position.EnumerateFields()
}

// CameraMatrixNode publishes a fixed camera-to-ground isometry. A real
// implementation would read it from a calibration parameter.
type CameraMatrixNode struct{}

func (n *CameraMatrixNode) Construct(cycler.CreationContext) (cycler.Node, error) {
	return &CameraMatrixNode{}, nil
}

func (n *CameraMatrixNode) Step(cc *cycler.CycleContext) error {
	db, ok := cc.Database.(*ControlDatabase)
	if !ok {
		return fmt.Errorf("camera matrix: unexpected database type %T", cc.Database)
	}
	db.CameraMatrix = pathstate.Isometry2D{
		Translation: pathstate.Vector{Components: []float64{0, 0}},
		Rotation: pathstate.Rotation2D{Radians: 0},
	}
	return nil
}

// BallFilterNode fuses vision perceptions into a single filtered
// estimate using an exponential blend toward the most recent observed
// position — a placeholder for a real Kalman filter, tuned by the
// ball_filter.process_noise parameter.
type BallFilterNode struct {
	processNoise float64
	last pathstate.Vector
	hasLast bool
}

func (n *BallFilterNode) Construct(ctx cycler.CreationContext) (cycler.Node, error) {
	node := &BallFilterNode{processNoise: 0.01}
	_ = ctx.Parameters.Parameter("ball_filter.process_noise", &node.processNoise)
	return node, nil
}

func (n *BallFilterNode) Step(cc *cycler.CycleContext) error {
	db, ok := cc.Database.(*ControlDatabase)
	if !ok {
		return fmt.Errorf("ball filter: unexpected database type %T", cc.Database)
	}

	observed, ok := n.observe(cc)
	if !ok {
		if n.hasLast {
			db.Ball = pathstate.OptionalOf(&BallFilterState{Position: n.last})
		}
		return nil
	}

	if !n.hasLast {
		n.last = observed
		n.hasLast = true
	} else {
		alpha := math.Max(0, math.Min(1, n.processNoise*10))
		for i := range n.last.Components {
			n.last.Components[i] += alpha * (observed.Components[i] - n.last.Components[i])
		}
	}
	db.Ball = pathstate.OptionalOf(&BallFilterState{Position: n.last})

	// Diagnostics is an additional output: computing and copying the raw
	// observation costs nothing here, but a real deployment's diagnostic
	// outputs can be expensive, so only do the work when someone is
	// actually watching "diagnostics" or a path beneath it.
	if cc.Subscribed("diagnostics") {
		db.Diagnostics = pathstate.OptionalOf(&BallFilterDiagnostics{RawObservation: observed})
	}
	return nil
}

// observe picks one vision percept out of this cycle's perception
// inputs: the seen percept with the latest timestamp across both the
// persistent and the temporary partition.
func (n *BallFilterNode) observe(cc *cycler.CycleContext) (pathstate.Vector, bool) {
	var best timestamp.Timestamp
	var bestPercept *BallPercept
	have := false

	consider := func(bucket map[timestamp.Timestamp][]any) {
		for ts, values := range bucket {
			for _, v := range values {
				percept, ok := v.(*BallPercept)
				if !ok || !percept.Seen {
					continue
				}
				if !have || ts.After(best) {
					best, bestPercept, have = ts, percept, true
				}
			}
		}
	}
	consider(cc.PerceptionPersistent)
	consider(cc.PerceptionTemporary)

	if !have {
		return pathstate.Vector{}, false
	}
	return bestPercept.Position, true
}

// ControlRegistry is the control cycler's static node order.
func ControlRegistry() *cycler.Registry {
	return cycler.NewRegistry(
		cycler.Descriptor{
			Name: "camera_matrix",
			New: func() cycler.Node { return &CameraMatrixNode{} },
			Provides: []string{"camera_matrix"},
		},
		cycler.Descriptor{
			Name: "ball_filter",
			New: func() cycler.Node { return &BallFilterNode{} },
			Provides: []string{"ball"},
		},
)
}

// ---- Behavior (RealTime cycler) ----

// BehaviorDatabase is the behavior cycler's per-cycle database.
type BehaviorDatabase struct {
	BallLost bool
}

func (d *BehaviorDatabase) SerializePath(path string) (json.RawMessage, error) {
	if path == "ball_lost" {
		return json.Marshal(d.BallLost)
	}
	return nil, pathstate.NotExist(path)
}

func (d *BehaviorDatabase) DeserializePath(path string, value json.RawMessage) error {
	if path == "ball_lost" {
		return json.Unmarshal(value, &d.BallLost)
	}
	return pathstate.NotExist(path)
}

func (d *BehaviorDatabase) EnumerateFields() []string { return []string{"ball_lost"} }

// BehaviorSelectorNode decides the ball is lost once control's filtered
// ball position moves beyond behavior.lost_ball.distance from the
// origin, or control has never reported one. The distance is read once,
// at Construct: a later write to behavior.lost_ball.distance does not
// reach a node that is already running.
type BehaviorSelectorNode struct {
	lostDistance float64
}

func (n *BehaviorSelectorNode) Construct(ctx cycler.CreationContext) (cycler.Node, error) {
	node := &BehaviorSelectorNode{lostDistance: 4.0}
	_ = ctx.Parameters.Parameter("behavior.lost_ball.distance", &node.lostDistance)
	return node, nil
}

func (n *BehaviorSelectorNode) Step(cc *cycler.CycleContext) error {
	db, ok := cc.Database.(*BehaviorDatabase)
	if !ok {
		return fmt.Errorf("behavior selector: unexpected database type %T", cc.Database)
	}

	raw, ok := cc.Peer("control", "ball")
	if !ok {
		db.BallLost = true
		return nil
	}
	ball, ok := raw.(*ControlDatabase)
	if !ok || ball.Ball.Value == nil {
		db.BallLost = true
		return nil
	}

	dist := 0.0
	for _, c := range ball.Ball.Value.Position.Components {
		dist += c * c
	}
	dist = math.Sqrt(dist)
	db.BallLost = dist > n.lostDistance
	return nil
}

// BehaviorRegistry is the behavior cycler's static node order. It
// declares a cross-cycler dependency on control's "ball" path, verified
// by Registry.Verify before the supervisor starts any goroutine.
func BehaviorRegistry() *cycler.Registry {
	return cycler.NewRegistry(cycler.Descriptor{
		Name: "behavior_selector",
		New: func() cycler.Node { return &BehaviorSelectorNode{} },
		Dependencies: []cycler.Dependency{
			{FromCycler: "control", Path: "ball"},
		},
		Provides: []string{"ball_lost"},
	})
}
