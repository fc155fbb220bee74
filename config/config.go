// Package config manages the runtime's live tuning parameters: the
// behavior and ball-filter node parameters, cycle periods per cycler,
// stream backend storage/cache/segment/queue settings, and the telemetry
// listen address and session TTL.
// Defaults are loaded from an embedded YAML file; the live document is
// stored in a single DB row and read/written via the ConfigStore
// interface.
package config

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/fieldrt/runtime/pathstate"
)

//go:embed config.default.yaml
var defaultYAML []byte

// BehaviorConfig holds behavior-selection tuning. LostBall.Distance is
// the distance (meters) beyond which the behavior cycler's node
// considers the ball lost.
type BehaviorConfig struct {
	LostBall struct {
		Distance float64 `json:"distance" yaml:"distance"`
	} `json:"lost_ball" yaml:"lost_ball"`
}

// BallFilterConfig tunes the ball-filter node's process noise.
type BallFilterConfig struct {
	ProcessNoise float64 `json:"process_noise" yaml:"process_noise"`
}

// CyclerConfig holds one cycler's wall-clock period, as a
// time.ParseDuration-formatted string ("10ms").
type CyclerConfig struct {
	Period string `json:"period" yaml:"period"`
}

// StreamConfig configures the C9 stream backend.
type StreamConfig struct {
	StorageRoot string `json:"storage_root" yaml:"storage_root"`
	OpenMode string `json:"open_mode" yaml:"open_mode"` // "read_write" | "read_only"
	CacheCapacity int `json:"cache_capacity" yaml:"cache_capacity"`
	MaxSegmentBytes int64 `json:"max_segment_bytes" yaml:"max_segment_bytes"`
	WriterQueueCapacity int `json:"writer_queue_capacity" yaml:"writer_queue_capacity"`
	Namespace string `json:"namespace" yaml:"namespace"`
}

// TelemetryConfig configures the C8 telemetry server.
type TelemetryConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr"`
	// SessionTTL is a time.ParseDuration-formatted string ("1h") bounding
	// how long an issued operator access token remains valid. Unlike the
	// teacher's env-var-at-startup knob, this lives in the live config
	// document: an operator can shorten session lifetime without a
	// process restart, the same way a cycler period is retuned.
	SessionTTL string `json:"session_ttl" yaml:"session_ttl"`
}

// Data holds the serialisable global configuration.
type Data struct {
	Behavior BehaviorConfig `json:"behavior" yaml:"behavior"`
	BallFilter BallFilterConfig `json:"ball_filter" yaml:"ball_filter"`
	Cyclers map[string]CyclerConfig `json:"cyclers" yaml:"cyclers"`
	Stream StreamConfig `json:"stream" yaml:"stream"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
}

// ConfigStore is the persistence interface for the live config row.
// Implemented by store/postgres.DB; defined here to avoid circular imports.
type ConfigStore interface {
	GetConfig(ctx context.Context) (map[string]any, error)
	SetConfig(ctx context.Context, data map[string]any) error
}

// Global is a thread-safe, DB-backed wrapper around Data. It also
// implements pathstate.Record, so it can be served directly as the
// telemetry parameter document.
type Global struct {
	mu sync.RWMutex
	data Data
	st ConfigStore
	changed chan struct{}
}

// Load initialises Global from the DB.
// If the DB row is empty/missing, the embedded default YAML is seeded.
func Load(ctx context.Context, st ConfigStore) (*Global, error) {
	g := &Global{st: st, data: defaults(), changed: make(chan struct{}, 1)}

	raw, err := st.GetConfig(ctx)
	if err != nil {
		return nil, err
	}

	if len(raw) == 0 {
		if err := g.persistDefaults(ctx); err != nil {
			return nil, err
		}
		return g, nil
	}

	b, err := json.Marshal(raw)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &g.data); err != nil {
		return nil, err
	}
	return g, nil
}

func (g *Global) persistDefaults(ctx context.Context) error {
	b, err := json.Marshal(g.data)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return g.st.SetConfig(ctx, m)
}

// defaults returns the built-in configuration by parsing the embedded YAML.
func defaults() Data {
	var d Data
	_ = yaml.Unmarshal(defaultYAML, &d)
	if d.Cyclers == nil {
		d.Cyclers = make(map[string]CyclerConfig)
	}
	return d
}

// Get returns a thread-safe copy of the current configuration.
func (g *Global) Get() Data {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.data
}

// Set replaces the configuration and persists it to the DB.
func (g *Global) Set(ctx context.Context, d Data) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	if err := g.st.SetConfig(ctx, m); err != nil {
		return err
	}
	g.mu.Lock()
	g.data = d
	g.mu.Unlock()
	g.notify()
	return nil
}

func (g *Global) notify() {
	select {
	case g.changed <- struct{}{}:
	default:
	}
}

// Changed signals whenever Set or DeserializePath mutates the document,
// for telemetry.Server's subscription fan-out loop.
func (g *Global) Changed() <-chan struct{} { return g.changed }

// Parameter implements cycler.ParameterReader, letting node Construct/
// Step read individual parameter paths without round-tripping through
// the telemetry wire format.
func (g *Global) Parameter(path string, out any) error {
	raw, err := g.SerializePath(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

// ---- pathstate.Record ----

// SerializePath resolves a dotted parameter path to its current JSON
// value. Only the paths a node or operator can usefully address are
// wired here — the full set is enumerated by EnumerateFields.
func (g *Global) SerializePath(path string) (json.RawMessage, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	switch path {
	case "behavior.lost_ball.distance":
		return marshalLeaf(path, g.data.Behavior.LostBall.Distance)
	case "ball_filter.process_noise":
		return marshalLeaf(path, g.data.BallFilter.ProcessNoise)
	case "stream.storage_root":
		return marshalLeaf(path, g.data.Stream.StorageRoot)
	case "stream.open_mode":
		return marshalLeaf(path, g.data.Stream.OpenMode)
	case "stream.cache_capacity":
		return marshalLeaf(path, g.data.Stream.CacheCapacity)
	case "stream.max_segment_bytes":
		return marshalLeaf(path, g.data.Stream.MaxSegmentBytes)
	case "stream.writer_queue_capacity":
		return marshalLeaf(path, g.data.Stream.WriterQueueCapacity)
	case "stream.namespace":
		return marshalLeaf(path, g.data.Stream.Namespace)
	case "telemetry.listen_addr":
		return marshalLeaf(path, g.data.Telemetry.ListenAddr)
	case "telemetry.session_ttl":
		return marshalLeaf(path, g.data.Telemetry.SessionTTL)
	}
	if name, ok := cyclerPeriodPath(path); ok {
		c, exists := g.data.Cyclers[name]
		if !exists {
			return nil, pathstate.NotExist(path)
		}
		return marshalLeaf(path, c.Period)
	}
	return nil, pathstate.NotExist(path)
}

// DeserializePath applies an in-place update at path, persists it, and
// fires Changed — the mutation side of "Write requests forwarded to
// a storage actor". It copies the current data, applies the change to
// the copy, and persists it through Set.
func (g *Global) DeserializePath(path string, value json.RawMessage) error {
	g.mu.Lock()
	d := g.data
	switch path {
	case "behavior.lost_ball.distance":
		if err := json.Unmarshal(value, &d.Behavior.LostBall.Distance); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	case "ball_filter.process_noise":
		if err := json.Unmarshal(value, &d.BallFilter.ProcessNoise); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	case "stream.cache_capacity":
		if err := json.Unmarshal(value, &d.Stream.CacheCapacity); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	case "stream.max_segment_bytes":
		if err := json.Unmarshal(value, &d.Stream.MaxSegmentBytes); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	case "stream.writer_queue_capacity":
		if err := json.Unmarshal(value, &d.Stream.WriterQueueCapacity); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	case "telemetry.session_ttl":
		if err := json.Unmarshal(value, &d.Telemetry.SessionTTL); err != nil {
			g.mu.Unlock()
			return pathstate.DeserializeFailed(path, err)
		}
	default:
		if name, ok := cyclerPeriodPath(path); ok {
			c := d.Cyclers[name]
			if err := json.Unmarshal(value, &c.Period); err != nil {
				g.mu.Unlock()
				return pathstate.DeserializeFailed(path, err)
			}
			if d.Cyclers == nil {
				d.Cyclers = make(map[string]CyclerConfig)
			}
			d.Cyclers[name] = c
			break
		}
		g.mu.Unlock()
		return pathstate.NotExist(path)
	}
	g.mu.Unlock()
	return g.Set(context.Background(), d)
}

// EnumerateFields lists every leaf path this document exposes.
func (g *Global) EnumerateFields() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	fields := []string{
		"behavior.lost_ball.distance",
		"ball_filter.process_noise",
		"stream.storage_root",
		"stream.open_mode",
		"stream.cache_capacity",
		"stream.max_segment_bytes",
		"stream.writer_queue_capacity",
		"stream.namespace",
		"telemetry.listen_addr",
		"telemetry.session_ttl",
	}
	for name := range g.data.Cyclers {
		fields = append(fields, fmt.Sprintf("cyclers.%s.period", name))
	}
	return fields
}

func cyclerPeriodPath(path string) (name string, ok bool) {
	const prefix, suffix = "cyclers.", ".period"
	if len(path) <= len(prefix)+len(suffix) {
		return "", false
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return "", false
	}
	return path[len(prefix) : len(path)-len(suffix)], true
}

func marshalLeaf(path string, v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, pathstate.SerializeFailed(path, err)
	}
	return b, nil
}
