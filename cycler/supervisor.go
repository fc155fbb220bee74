package cycler

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"

	"github.com/fieldrt/runtime/buffer"
	"github.com/fieldrt/runtime/pathstate"
	"github.com/fieldrt/runtime/timestamp"
	"golang.org/x/sync/errgroup"
)

// Supervisor starts and stops a fixed set of named cyclers, one
// goroutine per real-time cycler, and is the PeerRegistry every cycler's CycleContext
// resolves cross-cycler Peer reads against. It mirrors main.go's
// signal-driven shutdown: callers cancel a context and Wait for every
// cycler goroutine to return.
type Supervisor struct {
	mu      sync.RWMutex
	cyclers map[string]*Cycler

	group  *errgroup.Group
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSupervisor creates an empty Supervisor bound to parent.
func NewSupervisor(parent context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &Supervisor{
		cyclers: make(map[string]*Cycler),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Register adds a cycler to the supervisor before Start is called.
func (s *Supervisor) Register(c *Cycler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cyclers[c.Name] = c
}

// Peer implements PeerRegistry for node CycleContext.Peer reads.
func (s *Supervisor) Peer(name string) (*buffer.Buffer[any], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cyclers[name]
	if !ok {
		return nil, false
	}
	return c.Publish(), true
}

// VerifyAll runs Registry.Verify for every registered cycler against
// the full set of known cycler names, failing fast on any unresolved
// dependency before a single goroutine starts.
func (s *Supervisor) VerifyAll() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	known := make(map[string]bool, len(s.cyclers))
	for name := range s.cyclers {
		known[name] = true
	}
	for name, c := range s.cyclers {
		if err := c.Registry.Verify(known); err != nil {
			return fmt.Errorf("cycler %s: %w", name, err)
		}
	}
	return nil
}

// Start launches one goroutine per registered real-time cycler. It
// does not block; call Wait to join. Perception cyclers are driven
// externally via Cycler.RunOnce and are not started here.
func (s *Supervisor) Start(dbFactory func(cyclerName string) any, onCycle func(cyclerName string, now timestamp.Timestamp, db any)) error {
	if err := s.VerifyAll(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(s.ctx)
	s.group = g

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, c := range s.cyclers {
		name, c := name, c
		if c.Kind != RealTime {
			continue
		}
		g.Go(func() error {
			log.Printf("cycler: starting %s (period=%s)", name, c.Period)
			err := c.Run(ctx, func() any { return dbFactory(name) }, func(now timestamp.Timestamp, db any) {
				if onCycle != nil {
					onCycle(name, now, db)
				}
			})
			if err != nil {
				log.Printf("cycler: %s exited: %v", name, err)
			}
			return err
		})
	}
	return nil
}

// Stop cancels every cycler's context. Wait still must be called to
// observe goroutine completion.
func (s *Supervisor) Stop() { s.cancel() }

// Wait blocks until every cycler goroutine has returned, mirroring
// main.go's pattern of joining the HTTP server after signalling
// shutdown.
func (s *Supervisor) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Cycler returns the registered cycler by name, if any.
func (s *Supervisor) Cycler(name string) (*Cycler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cyclers[name]
	return c, ok
}

// Root returns a pathstate.Record over every registered cycler's
// latest published database, addressed as "<cyclerName>.<restOfPath>".
// main.go's telemetry parameter record and the admin API's status
// endpoint use this to expose every cycler's outputs under one dotted
// namespace, rather than requiring a bespoke record per cycler at the
// call site.
func (s *Supervisor) Root() pathstate.Record { return supervisorRecord{s} }

type supervisorRecord struct{ s *Supervisor }

func splitHead(path string) (head, rest string, hasRest bool) {
	if i := strings.IndexByte(path, '.'); i >= 0 {
		return path[:i], path[i+1:], true
	}
	return path, "", false
}

func (r supervisorRecord) resolve(path string) (pathstate.Record, string, error) {
	head, rest, hasRest := splitHead(path)
	if !hasRest {
		return nil, "", pathstate.NotExist(path)
	}
	c, ok := r.s.Cycler(head)
	if !ok {
		return nil, "", pathstate.NotExist(path)
	}
	rec, ok := c.Record()
	if !ok {
		return nil, "", pathstate.NotExist(path)
	}
	return rec, rest, nil
}

func (r supervisorRecord) SerializePath(path string) (json.RawMessage, error) {
	rec, rest, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return rec.SerializePath(rest)
}

func (r supervisorRecord) DeserializePath(path string, value json.RawMessage) error {
	rec, rest, err := r.resolve(path)
	if err != nil {
		return err
	}
	return rec.DeserializePath(rest, value)
}

func (r supervisorRecord) EnumerateFields() []string {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()

	var out []string
	for name, c := range r.s.cyclers {
		rec, ok := c.Record()
		if !ok {
			continue
		}
		for _, f := range rec.EnumerateFields() {
			out = append(out, name+"."+f)
		}
	}
	sort.Strings(out)
	return out
}
