package workflow

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusMetrics_Counter(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.IncrementCounter(MetricNodeErrors, "workflow", "etl", "node", "load")
	pm.IncrementCounter(MetricNodeErrors, "node", "load", "workflow", "etl")
	pm.IncrementCounter(MetricNodeErrors, "workflow", "etl", "node", "extract")

	vec := pm.counters[MetricNodeErrors]
	require.NotNil(t, vec)
	// Labels are sorted by key, so tag order does not matter.
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.WithLabelValues("load", "etl")))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("extract", "etl")))

	expected := `
# HELP dagflow_node_errors_total Count of node.errors events.
# TYPE dagflow_node_errors_total counter
dagflow_node_errors_total{node="extract",workflow="etl"} 1
dagflow_node_errors_total{node="load",workflow="etl"} 2
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "dagflow_node_errors_total"))
}

func TestPrometheusMetrics_DurationAndValue(t *testing.T) {
	reg := prometheus.NewRegistry()
	pm := NewPrometheusMetrics(reg)

	pm.RecordDuration(MetricWorkflowDuration, 1500*time.Millisecond, "workflow", "etl", "status", "COMPLETED")
	pm.RecordDuration(MetricWorkflowDuration, 20*time.Millisecond, "workflow", "etl", "status", "COMPLETED")
	pm.RecordValue(MetricWorkflowRetries, 3, "workflow", "etl")
	pm.RecordValue(MetricWorkflowRetries, 1, "workflow", "etl")

	assert.Equal(t, 1, testutil.CollectAndCount(pm.histograms[MetricWorkflowDuration], "dagflow_workflow_duration_seconds"))
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.gauges[MetricWorkflowRetries].WithLabelValues("etl")), "gauges keep the last value")

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
		if f.GetName() == "dagflow_workflow_duration_seconds" {
			h := f.GetMetric()[0].GetHistogram()
			assert.Equal(t, uint64(2), h.GetSampleCount())
			assert.InDelta(t, 1.52, h.GetSampleSum(), 1e-9)
		}
	}
	assert.ElementsMatch(t, []string{"dagflow_workflow_duration_seconds", "dagflow_workflow_retries"}, names)
}

func TestPrometheusMetrics_MismatchedLabelsDropped(t *testing.T) {
	pm := NewPrometheusMetrics(prometheus.NewRegistry())
	pm.IncrementCounter(MetricWorkflowStarts, "workflow", "etl")
	assert.NotPanics(t, func() {
		pm.IncrementCounter(MetricWorkflowStarts, "workflow", "etl", "extra", "x")
		pm.IncrementCounter(MetricWorkflowStarts, "dangling")
	})
	assert.Equal(t, 1.0, testutil.ToFloat64(pm.counters[MetricWorkflowStarts].WithLabelValues("etl")))
}

func TestPrometheusMetrics_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	a := NewPrometheusMetrics(reg)
	b := NewPrometheusMetrics(reg)

	a.IncrementCounter(MetricWorkflowStarts, "workflow", "etl")
	b.IncrementCounter(MetricWorkflowStarts, "workflow", "etl")

	assert.Same(t, a.counters[MetricWorkflowStarts], b.counters[MetricWorkflowStarts])
	assert.Equal(t, 2.0, testutil.ToFloat64(a.counters[MetricWorkflowStarts].WithLabelValues("etl")))
}

func TestMetricName(t *testing.T) {
	assert.Equal(t, "node_cache_hits", metricName(MetricNodeCacheHits))
	keys, values := splitTags([]string{"b", "2", "a", "1", "dangling"})
	assert.Equal(t, []string{"a", "b"}, keys)
	assert.Equal(t, []string{"1", "2"}, values)
}
