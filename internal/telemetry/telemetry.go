// Package telemetry keeps in-process counters for the sync engine.
//
// Nothing here leaves the process: counters are read through Snapshot and
// exposed on the local metrics endpoint only.
package telemetry

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Metric names recorded by fieldsync.
const (
	MetricEnqueued      = "records_enqueued"
	MetricSynced        = "records_synced"
	MetricFailed        = "submissions_failed"
	MetricDuplicates    = "records_duplicate"
	MetricErrored       = "records_errored"
	MetricRounds        = "sync_rounds"
	MetricRoundsSkipped = "sync_rounds_skipped"
	MetricRecovered     = "records_recovered"
	MetricPurged        = "records_purged"
	MetricRoundDuration = "sync_round"
)

type timing struct {
	count   int64
	total   time.Duration
	longest time.Duration
}

// Registry holds named counters and timings.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]*atomic.Int64
	timings  map[string]*timing
	started  time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]*atomic.Int64),
		timings:  make(map[string]*timing),
		started:  time.Now(),
	}
}

// Default is the process-wide registry used by the package-level functions.
var Default = NewRegistry()

func (r *Registry) counter(name string) *atomic.Int64 {
	r.mu.RLock()
	c, ok := r.counters[name]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok = r.counters[name]; !ok {
		c = new(atomic.Int64)
		r.counters[name] = c
	}
	return c
}

// Count adds delta to the named counter.
func (r *Registry) Count(name string, delta int) {
	if r == nil {
		return
	}
	r.counter(name).Add(int64(delta))
}

// Timing records one observation of the named duration.
func (r *Registry) Timing(name string, d time.Duration) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timings[name]
	if !ok {
		t = &timing{}
		r.timings[name] = t
	}
	t.count++
	t.total += d
	if d > t.longest {
		t.longest = d
	}
}

// TimingStats summarizes a timing.
type TimingStats struct {
	Count   int64   `json:"count"`
	TotalMs float64 `json:"total_ms"`
	MaxMs   float64 `json:"max_ms"`
}

// Snapshot is a point-in-time copy of a registry.
type Snapshot struct {
	Counters      map[string]int64       `json:"counters"`
	Timings       map[string]TimingStats `json:"timings"`
	UptimeSeconds int64                  `json:"uptime_seconds"`
}

// Get returns a counter value from the snapshot.
func (s Snapshot) Get(name string) int64 {
	return s.Counters[name]
}

// Names returns the counter names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s.Counters))
	for n := range s.Counters {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot copies the current values.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := Snapshot{
		Counters:      make(map[string]int64, len(r.counters)),
		Timings:       make(map[string]TimingStats, len(r.timings)),
		UptimeSeconds: int64(time.Since(r.started).Seconds()),
	}
	for name, c := range r.counters {
		s.Counters[name] = c.Load()
	}
	for name, t := range r.timings {
		s.Timings[name] = TimingStats{
			Count:   t.count,
			TotalMs: float64(t.total) / float64(time.Millisecond),
			MaxMs:   float64(t.longest) / float64(time.Millisecond),
		}
	}
	return s
}

// RecordCount adds delta to a counter of the Default registry.
func RecordCount(name string, delta int) {
	Default.Count(name, delta)
}

// RecordTiming records a duration in the Default registry.
func RecordTiming(name string, d time.Duration) {
	Default.Timing(name, d)
}
