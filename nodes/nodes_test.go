package nodes

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fieldrt/runtime/cycler"
	"github.com/fieldrt/runtime/futurequeue"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/timestamp"
)

type staticParams struct{ values map[string]any }

func (p staticParams) Parameter(path string, out any) error {
	v, ok := p.values[path]
	if !ok {
		return nil
	}
	switch o := out.(type) {
	case *float64:
		*o = v.(float64)
	}
	return nil
}

func TestVisionControlBehaviorPipeline(t *testing.T) {
	sup := cycler.NewSupervisor(context.Background())

	params := staticParams{values: map[string]any{
		"ball_filter.process_noise":  0.5,
		"behavior.lost_ball.distance": 1.0,
	}}

	vision := cycler.New("vision", cycler.Perception, VisionRegistry(), 0, params, sup)
	control := cycler.New("control", cycler.RealTime, ControlRegistry(), time.Millisecond, params, sup)
	behavior := cycler.New("behavior", cycler.RealTime, BehaviorRegistry(), time.Millisecond, params, sup)

	sup.Register(vision)
	sup.Register(control)
	sup.Register(behavior)
	require.NoError(t, sup.VerifyAll())

	ballQueue := futurequeue.New[any]()
	control.RegisterPerceptionSource("vision", ballQueue)

	// construct() normally runs inside Run/RunOnce; call RunOnce directly
	// to drive both cyclers deterministically without a running
	// goroutine or ticker.
	now := timestamp.New(time.Unix(0, 0), 0)
	ballQueue.Announce(now)
	vision.RunOnce(context.Background(), now, &VisionDatabase{
		Ball: BallPercept{Position: pathstate.Vector{Components: []float64{0.1, 0.2}}, Seen: true},
	}, func(ts timestamp.Timestamp, db any) {
		v := db.(*VisionDatabase)
		ballQueue.Finalize(ts, &v.Ball)
	})

	// First control cycle drains the finalized percept into the
	// perception store but its own node Step still sees nothing — the
	// drain happens after Step runs, same as any real-time cycler.
	t1 := timestamp.New(time.Unix(0, 0).Add(10*time.Millisecond), 0)
	control.RunOnce(context.Background(), t1, &ControlDatabase{}, nil)

	// Second control cycle observes what the first cycle's drain left
	// in the perception store.
	t2 := timestamp.New(time.Unix(0, 0).Add(20*time.Millisecond), 0)
	control.RunOnce(context.Background(), t2, &ControlDatabase{}, nil)

	rec, ok := control.Record()
	require.True(t, ok)
	cdb := rec.(*ControlDatabase)
	require.NotNil(t, cdb.Ball.Value)
	require.InDelta(t, 0.1, cdb.Ball.Value.Position.Components[0], 1e-9)

	behavior.RunOnce(context.Background(), t2, &BehaviorDatabase{}, nil)
	brec, ok := behavior.Record()
	require.True(t, ok)
	bdb := brec.(*BehaviorDatabase)
	require.False(t, bdb.BallLost, "ball within lost_ball.distance should not be reported lost")
}

func TestBallFilterDiagnosticsGatedBySubscription(t *testing.T) {
	sup := cycler.NewSupervisor(context.Background())
	params := staticParams{values: map[string]any{"ball_filter.process_noise": 0.5}}

	control := cycler.New("control", cycler.RealTime, ControlRegistry(), time.Millisecond, params, sup)
	sup.Register(control)
	require.NoError(t, sup.VerifyAll())

	ballQueue := futurequeue.New[any]()
	control.RegisterPerceptionSource("vision", ballQueue)

	now := timestamp.New(time.Unix(0, 0), 0)
	ballQueue.Announce(now)
	ballQueue.Finalize(now, &BallPercept{Position: pathstate.Vector{Components: []float64{1, 2}}, Seen: true})

	t1 := timestamp.New(time.Unix(0, 0).Add(10*time.Millisecond), 0)
	control.RunOnce(context.Background(), t1, &ControlDatabase{}, nil)
	t2 := timestamp.New(time.Unix(0, 0).Add(20*time.Millisecond), 0)
	control.RunOnce(context.Background(), t2, &ControlDatabase{}, nil)

	rec, ok := control.Record()
	require.True(t, ok)
	require.Nil(t, rec.(*ControlDatabase).Diagnostics.Value, "no subscription: additional output stays unfilled")

	// A subscription to a parent path ("control.diagnostics") should be
	// enough to cover "control.diagnostics.raw_observation".
	control.SetSubscriptions(func() []string { return []string{"control.diagnostics"} })

	t3 := timestamp.New(time.Unix(0, 0).Add(30*time.Millisecond), 0)
	control.RunOnce(context.Background(), t3, &ControlDatabase{}, nil)

	rec, ok = control.Record()
	require.True(t, ok)
	diag := rec.(*ControlDatabase).Diagnostics.Value
	require.NotNil(t, diag, "subscribed: additional output must be filled")
	require.InDelta(t, 1, diag.RawObservation.Components[0], 1e-9)
}

func TestBehaviorSelectorReportsLostWithNoControlPeer(t *testing.T) {
	sup := cycler.NewSupervisor(context.Background())
	params := staticParams{values: map[string]any{"behavior.lost_ball.distance": 1.0}}

	behavior := cycler.New("behavior", cycler.RealTime, BehaviorRegistry(), time.Millisecond, params, sup)
	sup.Register(behavior)
	// control is registered but never run, so Peer("control", ...) finds no
	// published database.
	sup.Register(cycler.New("control", cycler.RealTime, ControlRegistry(), time.Millisecond, params, sup))
	require.NoError(t, sup.VerifyAll())

	now := timestamp.New(time.Unix(0, 0), 0)
	behavior.RunOnce(context.Background(), now, &BehaviorDatabase{}, nil)
	rec, ok := behavior.Record()
	require.True(t, ok)
	require.True(t, rec.(*BehaviorDatabase).BallLost)
}
