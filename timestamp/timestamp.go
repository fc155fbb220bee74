// Package timestamp provides the monotonic, totally ordered instant type
// used as the key for historic and perception stores. Stream records
// (package stream) are keyed by time.Time and do not use this type.
package timestamp

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timestamp is a monotonic instant with an identifier. Two timestamps
// with equal Instant but different Seq are still totally ordered (Seq
// breaks ties deterministically).
type Timestamp struct {
	Instant time.Time
	Seq uint64
}

// Zero is the default-constructed timestamp, ordered before any
// timestamp produced by a running clock.
var Zero = Timestamp{}

// New returns a Timestamp for the given instant and sequence number.
func New(instant time.Time, seq uint64) Timestamp {
	return Timestamp{Instant: instant, Seq: seq}
}

// Before reports whether t strictly precedes other.
func (t Timestamp) Before(other Timestamp) bool {
	if t.Instant.Equal(other.Instant) {
		return t.Seq < other.Seq
	}
	return t.Instant.Before(other.Instant)
}

// After reports whether t strictly follows other.
func (t Timestamp) After(other Timestamp) bool {
	return other.Before(t)
}

// Compare returns -1, 0, or 1 as t is less than, equal to, or greater
// than other.
func (t Timestamp) Compare(other Timestamp) int {
	switch {
	case t.Before(other):
		return -1
	case other.Before(t):
		return 1
	default:
		return 0
	}
}

// Sub returns the duration between two timestamps, ignoring Seq.
func (t Timestamp) Sub(other Timestamp) time.Duration {
	return t.Instant.Sub(other.Instant)
}

// Abs returns the absolute duration between two timestamps.
func Abs(a, b Timestamp) time.Duration {
	d := a.Sub(b)
	if d < 0 {
		return -d
	}
	return d
}

func (t Timestamp) String() string {
	return fmt.Sprintf("%s#%d", t.Instant.Format(time.RFC3339Nano), t.Seq)
}

// MarshalJSON serializes the timestamp as RFC3339Nano + sequence, so it
// round-trips exactly through JSON.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return fmt.Appendf(nil, `{"instant":%q,"seq":%d}`, t.Instant.Format(time.RFC3339Nano), t.Seq), nil
}

type wireTimestamp struct {
	Instant string `json:"instant"`
	Seq uint64 `json:"seq"`
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var w wireTimestamp
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	instant, err := time.Parse(time.RFC3339Nano, w.Instant)
	if err != nil {
		return err
	}
	t.Instant = instant
	t.Seq = w.Seq
	return nil
}
