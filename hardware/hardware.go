// Package hardware is the boundary between the cycler runtime and the
// physical robot: a clock, a network transport for
// outbound actuator/debug frames, and whatever sensor inputs a
// perception cycler's driver pulls from. Only a clock-and-log stub is
// provided here; a real target wires this package against its own
// camera/IMU/servo bus drivers.
package hardware

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/fieldrt/runtime/timestamp"
)

// Interface is what a cycler driver needs from the underlying platform:
// the current time, a way to push a frame onto the robot's network, and
// a way to correct the local clock against an external time source
//.
type Interface interface {
	Now() timestamp.Timestamp
	WriteToNetwork(msg []byte) error
	SetTime(ts timestamp.Timestamp)
}

// Stub is an illustrative Interface backed by the OS clock. It logs
// outbound frames instead of touching a real network device, and treats
// SetTime as an offset applied to future Now calls.
type Stub struct {
	seq atomic.Uint64
	offset atomic.Int64 // nanoseconds added to time.Now
}

// NewStub returns a Stub with no clock offset.
func NewStub() *Stub { return &Stub{} }

// Now returns the current wall-clock time, adjusted by the last SetTime
// offset, paired with a monotonically increasing sequence number so two
// calls within the same clock tick still order correctly (timestamp.New).
func (s *Stub) Now() timestamp.Timestamp {
	t := time.Now().Add(time.Duration(s.offset.Load()))
	return timestamp.New(t, s.seq.Add(1))
}

// WriteToNetwork logs the frame. A real platform would hand msg to a
// socket, a CAN bus, or a shared-memory ring to the motor controller.
func (s *Stub) WriteToNetwork(msg []byte) error {
	log.Printf("hardware: write %d bytes to network", len(msg))
	return nil
}

// SetTime adjusts the stub's clock offset so a subsequent Now call
// reports ts.Instant (plus whatever real time elapses afterward).
func (s *Stub) SetTime(ts timestamp.Timestamp) {
	s.offset.Store(int64(time.Until(ts.Instant)))
}
