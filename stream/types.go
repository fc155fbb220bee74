// Package stream implements the time-indexed observability backend of
// the invariant: it ingests typed samples per source, keeps a recent
// in-memory cache, durably appends to rolling segment files under a
// JSON manifest, and answers point/range/nearest/timeline queries
// merging both. Grounded structurally on manager.Manager
// (dedup/lease-counted worker lifecycle, mutex-guarded maps, reconcile
// goroutine) and on hashicorp/golang-lru/v2 + dustin/go-humanize for
// the cache and human-readable segment-roll logging.
package stream

import (
	"errors"
	"fmt"
	"hash/fnv"
	"time"
)

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// ScopeKind classifies how a source path resolves to a namespace.
type ScopeKind int

const (
	// ScopeLocal is namespace-scoped: the source is only visible within
	// its own namespace.
	ScopeLocal ScopeKind = iota
	// ScopeGlobal is visible across every namespace.
	ScopeGlobal
	// ScopePrivate is bound to one specific node; a source with this
	// scope and no node override is rejected.
	ScopePrivate
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeGlobal:
		return "global"
	case ScopePrivate:
		return "private"
	default:
		return "local"
	}
}

// BindingKind distinguishes a source's namespace binding.
type BindingKind int

const (
	// BindingPinned ties a source to one fixed namespace for its
	// lifetime.
	BindingPinned BindingKind = iota
	// BindingFollowTarget marks a source as following the current
	// target's namespace. The backend does not track target changes: a
	// FollowTarget source is never re-bound, and its subscriber is not
	// closed or reopened when the target changes.
	BindingFollowTarget
)

// NamespaceBinding is either Pinned(ns) or FollowTarget.
type NamespaceBinding struct {
	Kind BindingKind
	Namespace string // meaningful only when Kind == BindingPinned
}

// Pinned returns a binding fixed to ns.
func Pinned(ns string) NamespaceBinding { return NamespaceBinding{Kind: BindingPinned, Namespace: ns} }

// FollowTarget returns a binding that tracks the current target namespace.
func FollowTarget() NamespaceBinding { return NamespaceBinding{Kind: BindingFollowTarget} }

// SourceSpec identifies one ingestible stream. Identical specs
// deduplicate into a single runtime with lease counting.
type SourceSpec struct {
	Topic string
	Scope ScopeKind
	Binding NamespaceBinding
	Node string // required when Scope == ScopePrivate
	Encoding string
}

// Key returns the deduplication key for this spec.
func (s SourceSpec) Key() string {
	ns := s.Node
	if s.Binding.Kind == BindingPinned {
		ns = s.Binding.Namespace
	}
	return fmt.Sprintf("%s|%s|%s|%s", s.Topic, s.Scope, s.Binding.Kind, ns)
}

// Validate rejects specs the backend cannot service.
func (s SourceSpec) Validate() error {
	if s.Topic == "" {
		return ErrInvalidSource
	}
	if s.Scope == ScopePrivate && s.Node == "" {
		return ErrNodeRequiredForPrivate
	}
	return nil
}

// Record is one ingested sample, either a data-plane/view-plane sample,
// a parameter update, or an external raw file reference.
type Record struct {
	Namespace string `json:"namespace"`
	Topic string `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Encoding string `json:"encoding"`
	Payload []byte `json:"payload"`
}

// dedupKey identifies a record for the "no two returned records share
// (source, namespace, timestamp, encoding, payload hash)" invariant.
func (r Record) dedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%s|%x", r.Namespace, r.Topic, r.Timestamp.UnixNano(), r.Encoding, hashBytes(r.Payload))
}

// Errors surfaced by the stream backend
var (
	ErrBackendClosed = errors.New("stream: backend closed")
	ErrInvalidStoragePath = errors.New("stream: invalid storage path")
	ErrUnsupportedManifestVersion = errors.New("stream: unsupported manifest version")
	ErrInvalidSource = errors.New("stream: invalid source")
	ErrNodeRequiredForPrivate = errors.New("stream: node required for private scope")
	ErrInvalidTimelineRange = errors.New("stream: invalid timeline range")
	ErrInvalidBucketCount = errors.New("stream: invalid bucket count")
)
