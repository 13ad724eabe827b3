// Package metrics keeps an in-memory registry of counters, gauges and timers.
package metrics

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"
)

type MetricType string

const (
	Counter MetricType = "counter"
	Timer   MetricType = "timer"
	Gauge   MetricType = "gauge"
)

// maxTimerSamples bounds the window used for percentiles.
const maxTimerSamples = 1000

// minPercentileSamples is the sample count below which P95 and P99 stay zero.
const minPercentileSamples = 10

type Metric struct {
	Name        string            `json:"name"`
	Type        MetricType        `json:"type"`
	Value       float64           `json:"value"`
	Labels      map[string]string `json:"labels,omitempty"`
	Description string            `json:"description,omitempty"`
	LastUpdate  time.Time         `json:"last_update"`
}

// TimerMetric summarizes durations in milliseconds.
type TimerMetric struct {
	Name    string            `json:"name"`
	Labels  map[string]string `json:"labels,omitempty"`
	Count   int64             `json:"count"`
	Sum     float64           `json:"sum_ms"`
	Min     float64           `json:"min_ms"`
	Max     float64           `json:"max_ms"`
	Average float64           `json:"avg_ms"`
	P95     float64           `json:"p95_ms,omitempty"`
	P99     float64           `json:"p99_ms,omitempty"`
}

// timer keeps the most recent samples in a ring; percentiles are computed
// when a snapshot is taken.
type timer struct {
	TimerMetric
	ring []float64
	next int
}

func (t *timer) observe(ms float64) {
	if t.Count == 0 {
		t.Min, t.Max = ms, ms
	}
	t.Count++
	t.Sum += ms
	t.Min = min(t.Min, ms)
	t.Max = max(t.Max, ms)
	t.Average = t.Sum / float64(t.Count)

	if len(t.ring) < maxTimerSamples {
		t.ring = append(t.ring, ms)
		return
	}
	t.ring[t.next] = ms
	t.next = (t.next + 1) % maxTimerSamples
}

func (t *timer) summary() TimerMetric {
	out := t.TimerMetric
	out.Labels = maps.Clone(t.Labels)
	if len(t.ring) >= minPercentileSamples {
		out.P95 = percentile(t.ring, 0.95)
		out.P99 = percentile(t.ring, 0.99)
	}
	return out
}

type Snapshot struct {
	Counters map[string]Metric      `json:"counters"`
	Timers   map[string]TimerMetric `json:"timers"`
	Gauges   map[string]Metric      `json:"gauges"`
	UptimeMs int64                  `json:"uptime_ms"`
	Taken    time.Time              `json:"timestamp"`
}

// Registry is safe for concurrent use. Series are keyed by name and
// sorted labels, so the same labels in any map order hit one series.
type Registry struct {
	mu        sync.RWMutex
	counters  map[string]*Metric
	gauges    map[string]*Metric
	timers    map[string]*timer
	startTime time.Time
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

var globalRegistry = NewRegistry()

// GetRegistry returns the process-wide registry.
func GetRegistry() *Registry {
	return globalRegistry
}

func (r *Registry) IncrementCounter(name string, labels map[string]string, description string) {
	r.AddToCounter(name, 1, labels, description)
}

func (r *Registry) AddToCounter(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := series(r.counters, Counter, name, labels, description)
	m.Value += value
	m.LastUpdate = time.Now()
}

func (r *Registry) SetGauge(name string, value float64, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m := series(r.gauges, Gauge, name, labels, description)
	m.Value = value
	m.LastUpdate = time.Now()
}

func series(set map[string]*Metric, kind MetricType, name string, labels map[string]string, description string) *Metric {
	key := metricKey(name, labels)
	m, ok := set[key]
	if !ok {
		m = &Metric{Name: name, Type: kind, Labels: maps.Clone(labels), Description: description}
		set[key] = m
	}
	return m
}

func (r *Registry) RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := metricKey(name, labels)
	t, ok := r.timers[key]
	if !ok {
		t = &timer{TimerMetric: TimerMetric{Name: name, Labels: maps.Clone(labels)}}
		r.timers[key] = t
	}
	t.observe(float64(duration) / float64(time.Millisecond))
}

// StartTimer returns a function that records the elapsed time when called.
func (r *Registry) StartTimer(name string, labels map[string]string, description string) func() {
	start := time.Now()
	return func() { r.RecordTimer(name, time.Since(start), labels, description) }
}

// CounterValue returns the current value of a counter, or zero.
func (r *Registry) CounterValue(name string, labels map[string]string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.counters[metricKey(name, labels)]; ok {
		return c.Value
	}
	return 0
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Counters: copySeries(r.counters),
		Gauges:   copySeries(r.gauges),
		Timers:   make(map[string]TimerMetric, len(r.timers)),
		UptimeMs: time.Since(r.startTime).Milliseconds(),
		Taken:    time.Now(),
	}
	for key, t := range r.timers {
		snap.Timers[key] = t.summary()
	}
	return snap
}

func copySeries(set map[string]*Metric) map[string]Metric {
	out := make(map[string]Metric, len(set))
	for key, m := range set {
		cp := *m
		cp.Labels = maps.Clone(m.Labels)
		out[key] = cp
	}
	return out
}

// WriteText renders the snapshot one series per line, sorted by key:
// counters and gauges as "key value", timers as "key count=.. avg_ms=..".
func (s Snapshot) WriteText(w io.Writer) error {
	var b strings.Builder
	for _, set := range []map[string]Metric{s.Counters, s.Gauges} {
		for _, key := range slices.Sorted(maps.Keys(set)) {
			fmt.Fprintf(&b, "%s %g\n", key, set[key].Value)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(s.Timers)) {
		t := s.Timers[key]
		fmt.Fprintf(&b, "%s count=%d avg_ms=%.3f p95_ms=%.3f max_ms=%.3f\n", key, t.Count, t.Average, t.P95, t.Max)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters = make(map[string]*Metric)
	r.gauges = make(map[string]*Metric)
	r.timers = make(map[string]*timer)
	r.startTime = time.Now()
}

// metricKey renders name{a="1",b="2"} with labels sorted by name.
func metricKey(name string, labels map[string]string) string {
	if len(labels) == 0 {
		return name
	}
	pairs := make([]string, 0, len(labels))
	for _, k := range slices.Sorted(maps.Keys(labels)) {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return name + "{" + strings.Join(pairs, ",") + "}"
}

func percentile(samples []float64, p float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := slices.Sorted(slices.Values(samples))
	index := min(int(float64(len(sorted))*p), len(sorted)-1)
	return sorted[index]
}

func IncrementCounter(name string, labels map[string]string, description string) {
	globalRegistry.IncrementCounter(name, labels, description)
}

func AddToCounter(name string, value float64, labels map[string]string, description string) {
	globalRegistry.AddToCounter(name, value, labels, description)
}

func RecordTimer(name string, duration time.Duration, labels map[string]string, description string) {
	globalRegistry.RecordTimer(name, duration, labels, description)
}

func SetGauge(name string, value float64, labels map[string]string, description string) {
	globalRegistry.SetGauge(name, value, labels, description)
}
