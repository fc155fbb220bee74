// Package pathstate implements hierarchical path-addressed serialize,
// deserialize, and field enumeration over database records. Every
// composite shape (optional, tuple, range, vector/point, quaternion, 2D
// rotation, isometry, duration) has one adapter type here implementing
// a common path grammar and a common set of virtual-leaf names.
package pathstate

import (
	"encoding/json"
	"fmt"
)

// PathError is returned by Serialize/Deserialize when a path does not
// resolve or the underlying codec fails. It distinguishes the three
// possible outcomes: a path resolves to a leaf value, fails with
// path-does-not-exist, or fails with a reported serializer error — it
// never panics.
type PathError struct {
	Kind PathErrorKind
	Path string
	Err  error
}

// PathErrorKind classifies a PathError.
type PathErrorKind int

const (
	// KindPathDoesNotExist means the path does not resolve in this record.
	KindPathDoesNotExist PathErrorKind = iota
	// KindSerializationFailed means the path resolved but the codec failed
	// to serialize the leaf value.
	KindSerializationFailed
	// KindDeserializationFailed means the path resolved but the codec
	// failed to decode the supplied bytes into the leaf type.
	KindDeserializationFailed
)

func (e *PathError) Error() string {
	switch e.Kind {
	case KindPathDoesNotExist:
		return fmt.Sprintf("path does not exist: %q", e.Path)
	case KindSerializationFailed:
		return fmt.Sprintf("serialization failed at %q: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("deserialization failed at %q: %v", e.Path, e.Err)
	}
}

func (e *PathError) Unwrap() error { return e.Err }

// NotExist builds a PathErrorKind = KindPathDoesNotExist error.
func NotExist(path string) error {
	return &PathError{Kind: KindPathDoesNotExist, Path: path}
}

// SerializeFailed wraps a codec error encountered while serializing.
func SerializeFailed(path string, err error) error {
	return &PathError{Kind: KindSerializationFailed, Path: path, Err: err}
}

// DeserializeFailed wraps a codec error encountered while deserializing.
func DeserializeFailed(path string, err error) error {
	return &PathError{Kind: KindDeserializationFailed, Path: path, Err: err}
}

// Serializable is implemented by every record participating in remote
// observation (telemetry reads/subscriptions, stream recording).
type Serializable interface {
	// SerializePath walks the record along path and returns the
	// JSON-encoded leaf value, or a PathError.
	SerializePath(path string) (json.RawMessage, error)
}

// Deserializable is the inverse capability: applying an in-place update
// at path from a JSON-encoded value.
type Deserializable interface {
	DeserializePath(path string, value json.RawMessage) error
}

// FieldEnumerable statically lists every leaf path a record exposes.
type FieldEnumerable interface {
	EnumerateFields() []string
}

// Record is the full path-addressed capability set.
type Record interface {
	Serializable
	Deserializable
	FieldEnumerable
}

// splitPath splits "a.b.c" into ("a", "b.c") or ("a", "") if there is no
// dot. Mirrors Rust's str::split_once('.').
func splitPath(path string) (head, rest string, hasRest bool) {
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			return path[:i], path[i+1:], true
		}
	}
	return path, "", false
}

// SplitPath is splitPath exported for composite record types defined
// outside this package (e.g. domain database records composing shape
// adapters from shapes.go).
func SplitPath(path string) (head, rest string, hasRest bool) {
	return splitPath(path)
}

// marshalLeaf JSON-encodes a leaf value, wrapping any codec error as a
// PathError.
func marshalLeaf(path string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, SerializeFailed(path, err)
	}
	return b, nil
}

func unmarshalLeaf(path string, data json.RawMessage, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return DeserializeFailed(path, err)
	}
	return nil
}
