package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_IncrementCounter(t *testing.T) {
	registry := NewRegistry()

	registry.IncrementCounter(QueueMessagesEnqueued, nil, "Messages enqueued")
	labels := map[string]string{"outcome": "success"}
	registry.IncrementCounter(QueueSendAttempts, labels, "Send attempts")
	registry.IncrementCounter(QueueSendAttempts, labels, "Send attempts")

	snap := registry.GetAllMetrics()
	require.Contains(t, snap.Counters, QueueMessagesEnqueued)
	assert.Equal(t, 1.0, snap.Counters[QueueMessagesEnqueued].Value)

	labeledKey := "queue_send_attempts_outcome:success"
	require.Contains(t, snap.Counters, labeledKey)
	assert.Equal(t, 2.0, snap.Counters[labeledKey].Value)
	assert.Equal(t, Counter, snap.Counters[labeledKey].Type)
	assert.Equal(t, 2.0, registry.CounterValue(QueueSendAttempts, labels))
	assert.Zero(t, registry.CounterValue("never_touched", nil))
}

func TestRegistry_AddToCounter(t *testing.T) {
	registry := NewRegistry()

	registry.AddToCounter("bytes", 5.5, nil, "")
	registry.AddToCounter("bytes", 2.5, nil, "")

	assert.Equal(t, 8.0, registry.CounterValue("bytes", nil))
}

func TestRegistry_RecordTimer(t *testing.T) {
	registry := NewRegistry()

	registry.RecordTimer(QueueSendDuration, 10*time.Millisecond, nil, "")
	registry.RecordTimer(QueueSendDuration, 30*time.Millisecond, nil, "")
	registry.RecordTimer(QueueSendDuration, 20*time.Millisecond, nil, "")

	timer := registry.GetAllMetrics().Timers[QueueSendDuration]
	assert.Equal(t, int64(3), timer.Count)
	assert.InDelta(t, 60.0, timer.Sum, 0.001)
	assert.InDelta(t, 10.0, timer.Min, 0.001)
	assert.InDelta(t, 30.0, timer.Max, 0.001)
	assert.InDelta(t, 20.0, timer.Average, 0.001)
	assert.Zero(t, timer.P95, "percentiles need at least 10 samples")
}

func TestRegistry_PercentileCalculation(t *testing.T) {
	registry := NewRegistry()

	for i := 100; i >= 1; i-- {
		registry.RecordTimer("latency", time.Duration(i)*time.Millisecond, nil, "")
	}

	timer := registry.GetAllMetrics().Timers["latency"]
	assert.InDelta(t, 96.0, timer.P95, 0.001)
	assert.InDelta(t, 100.0, timer.P99, 0.001)
}

func TestRegistry_SetGauge(t *testing.T) {
	registry := NewRegistry()

	registry.SetGauge(QueueDepth, 3, nil, "Queue depth")
	registry.SetGauge(QueueDepth, 1, nil, "Queue depth")

	assert.Equal(t, 1.0, registry.GaugeValue(QueueDepth, nil))
	assert.Equal(t, Gauge, registry.GetAllMetrics().Gauges[QueueDepth].Type)
}

func TestMetricKey_StableLabelOrder(t *testing.T) {
	a := metricKey("requests", map[string]string{"method": "POST", "path": "/rest/v1/messages", "status": "201"})
	b := metricKey("requests", map[string]string{"status": "201", "path": "/rest/v1/messages", "method": "POST"})

	assert.Equal(t, a, b)
	assert.Equal(t, "requests_method:POST_path:/rest/v1/messages_status:201", a)
	assert.Equal(t, "requests", metricKey("requests", nil))
}

func TestSnapshot_IsACopy(t *testing.T) {
	registry := NewRegistry()
	registry.IncrementCounter("c", nil, "")

	snap := registry.GetAllMetrics()
	registry.IncrementCounter("c", nil, "")

	assert.Equal(t, 1.0, snap.Counters["c"].Value)
	assert.Equal(t, 2.0, registry.CounterValue("c", nil))
}

func TestRegistry_ConcurrentUse(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				registry.IncrementCounter("hits", nil, "")
				registry.RecordTimer("t", time.Millisecond, nil, "")
				_ = registry.GetAllMetrics()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, registry.CounterValue("hits", nil))
}

func TestGlobalRegistry(t *testing.T) {
	assert.Same(t, globalRegistry, GetRegistry())

	IncrementCounter("global_test_counter", nil, "")
	AddToCounter("global_test_counter", 2, nil, "")
	SetGauge("global_test_gauge", 7, nil, "")
	RecordTimer("global_test_timer", time.Millisecond, nil, "")

	snap := GetAllMetrics()
	assert.GreaterOrEqual(t, snap.Counters["global_test_counter"].Value, 3.0)
	assert.Equal(t, 7.0, snap.Gauges["global_test_gauge"].Value)
	assert.Contains(t, snap.Timers, "global_test_timer")
}

func TestCopyLabels(t *testing.T) {
	assert.Nil(t, copyLabels(nil))

	original := map[string]string{"a": "1"}
	copied := copyLabels(original)
	copied["a"] = "2"
	assert.Equal(t, "1", original["a"])
}
