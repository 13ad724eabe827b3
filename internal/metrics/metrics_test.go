package metrics

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Counters(t *testing.T) {
	r := NewRegistry()
	labels := map[string]string{"outcome": "ok"}

	r.IncrementCounter(SendsConfirmed, labels, "confirmed sends")
	r.IncrementCounter(SendsConfirmed, labels, "confirmed sends")
	r.AddToCounter(CompressionSavings, 1024, nil, "")

	assert.Equal(t, 2.0, r.CounterValue(SendsConfirmed, labels))
	assert.Equal(t, 1024.0, r.CounterValue(CompressionSavings, nil))
	assert.Equal(t, 0.0, r.CounterValue("missing", nil))

	snap := r.Snapshot()
	c := snap.Counters[metricKey(SendsConfirmed, labels)]
	assert.Equal(t, Counter, c.Type)
	assert.Equal(t, "confirmed sends", c.Description)

	// labels are copied on insert
	labels["outcome"] = "changed"
	assert.Equal(t, "ok", r.Snapshot().Counters[metricKey(SendsConfirmed, map[string]string{"outcome": "ok"})].Labels["outcome"])
}

func TestRegistry_Timers(t *testing.T) {
	r := NewRegistry()
	for i := 1; i <= 20; i++ {
		r.RecordTimer(SendLatency, time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := r.Snapshot().Timers[SendLatency]
	assert.Equal(t, int64(20), timer.Count)
	assert.InDelta(t, 1.0, timer.Min, 0.001)
	assert.InDelta(t, 20.0, timer.Max, 0.001)
	assert.InDelta(t, 10.5, timer.Average, 0.001)
	assert.InDelta(t, 20.0, timer.P95, 0.001)

	few := NewRegistry()
	few.RecordTimer(SendLatency, time.Millisecond, nil, "")
	assert.Zero(t, few.Snapshot().Timers[SendLatency].P95)

	stop := r.StartTimer("op", nil, "")
	stop()
	assert.Equal(t, int64(1), r.Snapshot().Timers["op"].Count)
}

func TestRegistry_Gauges(t *testing.T) {
	r := NewRegistry()
	r.SetGauge(RelayConnections, 3, nil, "")
	r.SetGauge(RelayConnections, 1, nil, "")
	assert.Equal(t, 1.0, r.Snapshot().Gauges[RelayConnections].Value)

	r.Reset()
	assert.Empty(t, r.Snapshot().Gauges)
}

func TestMetricKey_IsOrderIndependent(t *testing.T) {
	a := metricKey("m", map[string]string{"a": "1", "b": "2"})
	b := metricKey("m", map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, a, b)
	assert.Equal(t, `m{a="1",b="2"}`, a)
	assert.Equal(t, "m", metricKey("m", nil))
}

func TestTimer_RingKeepsRecentSamples(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxTimerSamples; i++ {
		r.RecordTimer("op", time.Second, nil, "")
	}
	for i := 0; i < maxTimerSamples; i++ {
		r.RecordTimer("op", time.Millisecond, nil, "")
	}

	timer := r.Snapshot().Timers["op"]
	assert.Equal(t, int64(2*maxTimerSamples), timer.Count)
	assert.InDelta(t, 1.0, timer.P99, 0.001)
	assert.InDelta(t, 1000.0, timer.Max, 0.001)
}

func TestSnapshot_WriteText(t *testing.T) {
	r := NewRegistry()
	r.IncrementCounter(SendsConfirmed, map[string]string{"stage": "relay"}, "")
	r.SetGauge(RelayConnections, 2, nil, "")
	r.RecordTimer(SendLatency, 5*time.Millisecond, nil, "")

	var b strings.Builder
	require.NoError(t, r.Snapshot().WriteText(&b))
	out := b.String()
	assert.Contains(t, out, SendsConfirmed+`{stage="relay"} 1`+"\n")
	assert.Contains(t, out, RelayConnections+" 2\n")
	assert.Contains(t, out, SendLatency+" count=1 avg_ms=5.000")
}

func TestPercentile(t *testing.T) {
	assert.Equal(t, 0.0, percentile(nil, 0.5))
	samples := []float64{5, 1, 4, 2, 3}
	assert.Equal(t, 3.0, percentile(samples, 0.5))
	assert.Equal(t, []float64{5, 1, 4, 2, 3}, samples)
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.IncrementCounter(EventsReconciled, nil, "")
			r.RecordTimer(SendLatency, time.Millisecond, nil, "")
		}()
	}
	wg.Wait()
	require.Equal(t, 50.0, r.CounterValue(EventsReconciled, nil))
	assert.Equal(t, int64(50), r.Snapshot().Timers[SendLatency].Count)
}

func TestGlobalRegistry(t *testing.T) {
	IncrementCounter("global_test_counter", nil, "")
	AddToCounter("global_test_counter", 2, nil, "")
	SetGauge("global_test_gauge", 7, nil, "")
	RecordTimer("global_test_timer", time.Millisecond, nil, "")

	assert.Equal(t, 3.0, GetRegistry().CounterValue("global_test_counter", nil))
	assert.Equal(t, 7.0, GetRegistry().Snapshot().Gauges["global_test_gauge"].Value)
}
