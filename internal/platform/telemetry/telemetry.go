// Package telemetry provides lightweight observability for the KPI sync
// service: counters and gauges for the ingestion pipeline plus a Prometheus
// text exposition endpoint, all without importing a metrics SDK.
package telemetry

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"
)

// ---------------------------------------------------------------------------
// Counter store, keyed by (metricName, label)
// ---------------------------------------------------------------------------

type counterStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newCounterStore() *counterStore {
	return &counterStore{items: make(map[string]*int64)}
}

func (s *counterStore) add(key string, delta int64) {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		atomic.AddInt64(p, delta)
		return
	}
	s.mu.Lock()
	p, ok = s.items[key]
	if !ok {
		v := delta
		s.items[key] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.AddInt64(p, delta)
}

func (s *counterStore) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *counterStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Gauge store, keyed by name
// ---------------------------------------------------------------------------

type gaugeStore struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newGaugeStore() *gaugeStore {
	return &gaugeStore{items: make(map[string]*int64)}
}

func (s *gaugeStore) set(name string, val int64) {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if ok {
		atomic.StoreInt64(p, val)
		return
	}
	s.mu.Lock()
	p, ok = s.items[name]
	if !ok {
		v := val
		s.items[name] = &v
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	atomic.StoreInt64(p, val)
}

func (s *gaugeStore) get(name string) int64 {
	s.mu.RLock()
	p, ok := s.items[name]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

func (s *gaugeStore) snapshot() map[string]int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make(map[string]int64, len(s.items))
	for k, p := range s.items {
		cp[k] = atomic.LoadInt64(p)
	}
	return cp
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder tracks sync-pipeline metrics.
type Recorder struct {
	counters *counterStore
	gauges   *gaugeStore
}

// NewRecorder creates an empty metrics recorder.
func NewRecorder() *Recorder {
	return &Recorder{
		counters: newCounterStore(),
		gauges:   newGaugeStore(),
	}
}

// SyncRunStarted increments the sync run counter.
func (r *Recorder) SyncRunStarted() {
	r.counters.add("kpi.sync.runs|started", 1)
}

// SyncRunCompleted records the outcome of a finished sync run and its duration.
func (r *Recorder) SyncRunCompleted(outcome string, d time.Duration) {
	r.counters.add("kpi.sync.runs|"+outcome, 1)
	r.gauges.set("kpi.sync.last_run_duration_ms", d.Milliseconds())
	r.gauges.set("kpi.sync.last_run_unix", time.Now().Unix())
}

// ResourcesFetched adds to the per-resource-type fetch counter.
func (r *Recorder) ResourcesFetched(resourceType string, n int) {
	r.counters.add("kpi.fhir.resources_fetched|"+resourceType, int64(n))
}

// ChunkFailed increments the failed-chunk counter for a resource type.
func (r *Recorder) ChunkFailed(resourceType string) {
	r.counters.add("kpi.fhir.chunks_failed|"+resourceType, 1)
}

// CasesDropped adds to the unjoinable/incomplete case counter.
func (r *Recorder) CasesDropped(n int) {
	r.counters.add("kpi.sync.cases_dropped|join", int64(n))
}

// SetRowCounts records the row counts written by the last sync.
func (r *Recorder) SetRowCounts(details, summaries int) {
	r.gauges.set("kpi.rows.detail", int64(details))
	r.gauges.set("kpi.rows.summary", int64(summaries))
}

// Counter returns the current value of a counter (name and label joined the
// same way the recording methods join them). Exported for tests.
func (r *Recorder) Counter(name, label string) int64 {
	return r.counters.get(name + "|" + label)
}

// Gauge returns the current value of the named gauge.
func (r *Recorder) Gauge(name string) int64 {
	return r.gauges.get(name)
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// promName converts an internal dotted metric name to Prometheus form.
func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}

// PrometheusHandler serves all recorded metrics in Prometheus text exposition
// format.
func (r *Recorder) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		counters := r.counters.snapshot()
		keys := make([]string, 0, len(counters))
		for k := range counters {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		seen := map[string]bool{}
		for _, key := range keys {
			parts := strings.SplitN(key, "|", 2)
			if len(parts) != 2 {
				continue
			}
			name, label := promName(parts[0]), parts[1]
			if !seen[name] {
				fmt.Fprintf(&b, "# TYPE %s counter\n", name)
				seen[name] = true
			}
			fmt.Fprintf(&b, "%s{label=%q} %d\n", name, label, counters[key])
		}

		gauges := r.gauges.snapshot()
		gkeys := make([]string, 0, len(gauges))
		for k := range gauges {
			gkeys = append(gkeys, k)
		}
		sort.Strings(gkeys)

		for _, key := range gkeys {
			name := promName(key)
			fmt.Fprintf(&b, "# TYPE %s gauge\n", name)
			fmt.Fprintf(&b, "%s %d\n", name, gauges[key])
		}

		return c.String(http.StatusOK, b.String())
	}
}
