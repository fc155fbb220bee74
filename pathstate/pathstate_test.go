package pathstate

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestVectorPathRoundTrip exercises the invariant's "path round-trip"
// scenario: serializing a leaf and deserializing the result back into an
// equivalent record reproduces the original value.
func TestVectorPathRoundTrip(t *testing.T) {
	v := Vector{Components: []float64{1, 2, 3}}
	for _, leaf := range []string{"x", "y", "z"} {
		raw, err := v.SerializePath(leaf)
		require.NoError(t, err)

		var out Vector
		out.Components = make([]float64, 3)
		require.NoError(t, out.DeserializePath(leaf, raw))
		got, err := out.SerializePath(leaf)
		require.NoError(t, err)
		require.JSONEq(t, string(raw), string(got))
	}

	_, err := v.SerializePath("w")
	require.Error(t, err)
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPathDoesNotExist, pe.Kind)
}

func TestQuaternionSerializesRollPitchYawAndRejectsDeserialize(t *testing.T) {
	q := Quaternion{W: 1, X: 0, Y: 0, Z: 0}
	for _, leaf := range []string{"roll", "pitch", "yaw"} {
		raw, err := q.SerializePath(leaf)
		require.NoError(t, err)
		var f float64
		require.NoError(t, json.Unmarshal(raw, &f))
	}

	err := q.DeserializePath("roll", json.RawMessage(`0`))
	require.Error(t, err)
	var pe *PathError
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPathDoesNotExist, pe.Kind)
}

func TestRotation2DAcceptsEitherUnitOnDeserialize(t *testing.T) {
	var r Rotation2D
	require.NoError(t, r.DeserializePath("deg", json.RawMessage(`180`)))
	require.InDelta(t, math.Pi, r.Radians, 1e-9)

	raw, err := r.SerializePath("rad")
	require.NoError(t, err)
	var f float64
	require.NoError(t, json.Unmarshal(raw, &f))
	require.InDelta(t, math.Pi, f, 1e-9)
}

func TestIsometry2DTranslationAndRotationSubpaths(t *testing.T) {
	iso := Isometry2D{
		Translation: Vector{Components: []float64{1, 2}},
		Rotation: Rotation2D{Radians: math.Pi / 2},
	}

	raw, err := iso.SerializePath("translation.x")
	require.NoError(t, err)
	var x float64
	require.NoError(t, json.Unmarshal(raw, &x))
	require.Equal(t, 1.0, x)

	raw, err = iso.SerializePath("rotation.deg")
	require.NoError(t, err)
	var deg float64
	require.NoError(t, json.Unmarshal(raw, &deg))
	require.InDelta(t, 90.0, deg, 1e-9)

	require.NoError(t, iso.DeserializePath("translation.y", json.RawMessage(`9`)))
	require.Equal(t, 9.0, iso.Translation.Components[1])

	fields := iso.EnumerateFields()
	require.Contains(t, fields, "translation.x")
	require.Contains(t, fields, "rotation.rad")
}

func TestIsometry3DRotationLeavesAreSerializeOnly(t *testing.T) {
	iso := Isometry3D{
		Translation: Vector{Components: []float64{0, 0, 0}},
		Rotation: Quaternion{W: 1},
	}
	raw, err := iso.SerializePath("rotation.yaw")
	require.NoError(t, err)
	var f float64
	require.NoError(t, json.Unmarshal(raw, &f))

	err = iso.DeserializePath("rotation.yaw", json.RawMessage(`0`))
	require.Error(t, err)
}

func TestDurationVirtualLeaves(t *testing.T) {
	d := Duration{Value: 1500 * time.Millisecond}

	raw, err := d.SerializePath("millis")
	require.NoError(t, err)
	var ms int64
	require.NoError(t, json.Unmarshal(raw, &ms))
	require.Equal(t, int64(1500), ms)

	var out Duration
	require.NoError(t, out.DeserializePath("secs_f32", json.RawMessage(`1.5`)))
	require.Equal(t, 1500*time.Millisecond, out.Value)
}

func TestRangeStartEndSegments(t *testing.T) {
	r := Range[float64]{Start: 1, End: 2}
	raw, err := r.SerializePath("start")
	require.NoError(t, err)
	var f float64
	require.NoError(t, json.Unmarshal(raw, &f))
	require.Equal(t, 1.0, f)

	require.NoError(t, r.DeserializePath("end", json.RawMessage(`5`)))
	require.Equal(t, 5.0, r.End)

	require.ElementsMatch(t, []string{"start", "end"}, r.EnumerateFields())
}

func TestTuple2Segments(t *testing.T) {
	tup := Tuple2[int, string]{A: 1, B: "hi"}
	raw, err := tup.SerializePath("0")
	require.NoError(t, err)
	var i int
	require.NoError(t, json.Unmarshal(raw, &i))
	require.Equal(t, 1, i)

	require.NoError(t, tup.DeserializePath("1", json.RawMessage(`"bye"`)))
	require.Equal(t, "bye", tup.B)

	_, err = tup.SerializePath("2")
	require.Error(t, err)
}
