package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rcrowley/go-metrics"
)

// StatsTable is an append-only table of event counters keyed by dotted names such as
// "router.bid" or "iface.http.bidsSent". Inc and Add are the only mutators.
//
// Counters live in a go-metrics registry so the table can be handed to any go-metrics reporter.
// Handles are cached in a sync.Map, so after the first use of a key an increment is a single
// atomic add under a shared lock. Get takes the lock exclusively, which makes the snapshot
// consistent across keys.
type StatsTable struct {
	registry metrics.Registry
	counters sync.Map
	snapshot sync.RWMutex
}

func NewStatsTable() *StatsTable {
	return &StatsTable{registry: metrics.NewRegistry()}
}

// Inc adds one to the counter for key.
func (s *StatsTable) Inc(key string) {
	s.Add(key, 1)
}

// Add adds n to the counter for key. Negative values are ignored; counters only grow.
func (s *StatsTable) Add(key string, n int64) {
	if n <= 0 {
		return
	}
	c := s.counter(key)
	s.snapshot.RLock()
	c.Inc(n)
	s.snapshot.RUnlock()
}

// Count returns the current value of one counter, zero if it was never incremented.
func (s *StatsTable) Count(key string) int64 {
	if c, ok := s.counters.Load(key); ok {
		return c.(metrics.Counter).Count()
	}
	return 0
}

// Get returns a point-in-time copy of every counter.
func (s *StatsTable) Get() map[string]int64 {
	s.snapshot.Lock()
	defer s.snapshot.Unlock()

	out := make(map[string]int64)
	s.registry.Each(func(name string, i interface{}) {
		if c, ok := i.(metrics.Counter); ok {
			out[name] = c.Count()
		}
	})
	return out
}

// Registry exposes the backing go-metrics registry for reporters.
func (s *StatsTable) Registry() metrics.Registry {
	return s.registry
}

// Dump writes every counter, sorted by name, one per line.
func (s *StatsTable) Dump(w io.Writer) {
	Dump(w, s.Get())
}

// Scope returns a view that prefixes every key with prefix and a dot.
func (s *StatsTable) Scope(prefix string) Scope {
	return Scope{table: s, prefix: prefix + "."}
}

func (s *StatsTable) counter(key string) metrics.Counter {
	if c, ok := s.counters.Load(key); ok {
		return c.(metrics.Counter)
	}
	c := metrics.GetOrRegisterCounter(key, s.registry)
	actual, _ := s.counters.LoadOrStore(key, c)
	return actual.(metrics.Counter)
}

// Scope is a prefixed view of a StatsTable.
type Scope struct {
	table  *StatsTable
	prefix string
}

func (s Scope) Inc(suffix string) {
	s.table.Inc(s.prefix + suffix)
}

func (s Scope) Count(suffix string) int64 {
	return s.table.Count(s.prefix + suffix)
}

// Get returns a point-in-time copy of the counters under the scope, keyed by their full name.
func (s Scope) Get() map[string]int64 {
	out := s.table.Get()
	for k := range out {
		if !strings.HasPrefix(k, s.prefix) {
			delete(out, k)
		}
	}
	return out
}

// Dump writes a stats map sorted by key.
func Dump(w io.Writer, stats map[string]int64) {
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %d\n", k, stats[k])
	}
}

// Merge copies every entry of src into dst, adding values for keys present in both.
func Merge(dst, src map[string]int64) {
	for k, v := range src {
		dst[k] += v
	}
}
