package stream

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultPerSourceCapacity bounds how many recent records each source keeps
// resident before the oldest is evicted.
const defaultPerSourceCapacity = 4096

// GlobalCache holds the most recent records per source key in memory,
// evicting whole sources least-recently-touched once the cache is over
// budget.
type GlobalCache struct {
	perSource int
	lru *lru.Cache[string, *sourceCache]
}

type sourceCache struct {
	mu sync.Mutex
	records []Record // kept sorted by Timestamp ascending
	cap int
}

// NewGlobalCache creates a cache holding up to sourceCapacity distinct
// sources, each keeping up to defaultPerSourceCapacity records.
func NewGlobalCache(sourceCapacity int) (*GlobalCache, error) {
	if sourceCapacity <= 0 {
		sourceCapacity = 256
	}
	c, err := lru.New[string, *sourceCache](sourceCapacity)
	if err != nil {
		return nil, err
	}
	return &GlobalCache{perSource: defaultPerSourceCapacity, lru: c}, nil
}

func (g *GlobalCache) sourceFor(key string) *sourceCache {
	if sc, ok := g.lru.Get(key); ok {
		return sc
	}
	sc := &sourceCache{cap: g.perSource}
	g.lru.Add(key, sc)
	return sc
}

// Insert records r under key, evicting the oldest record if the
// per-source budget is exceeded.
func (g *GlobalCache) Insert(key string, r Record) {
	sc := g.sourceFor(key)
	sc.mu.Lock()
	defer sc.mu.Unlock()

	i := sort.Search(len(sc.records), func(i int) bool { return !sc.records[i].Timestamp.Before(r.Timestamp) })
	sc.records = append(sc.records, Record{})
	copy(sc.records[i+1:], sc.records[i:])
	sc.records[i] = r

	if len(sc.records) > sc.cap {
		sc.records = sc.records[len(sc.records)-sc.cap:]
	}
}

// Latest returns the most recently timestamped cached record for key.
func (g *GlobalCache) Latest(key string) (Record, bool) {
	sc, ok := g.lru.Get(key)
	if !ok {
		return Record{}, false
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if len(sc.records) == 0 {
		return Record{}, false
	}
	return sc.records[len(sc.records)-1], true
}

// Range returns cached records for key with start <= ts <= end, ascending.
func (g *GlobalCache) Range(key string, start, end time.Time) []Record {
	sc, ok := g.lru.Get(key)
	if !ok {
		return nil
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := make([]Record, 0, len(sc.records))
	for _, r := range sc.records {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out
}

// CacheStats summarizes the cache's current footprint.
type CacheStats struct {
	Sources int
}

func (g *GlobalCache) Stats() CacheStats {
	return CacheStats{Sources: g.lru.Len()}
}
