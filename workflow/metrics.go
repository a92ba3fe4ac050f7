package workflow

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metric names recorded by the engine.
const (
	MetricWorkflowStarts     = "workflow.starts"
	MetricWorkflowCompleted  = "workflow.completed"
	MetricWorkflowFailed     = "workflow.failed"
	MetricWorkflowCancelled  = "workflow.cancelled"
	MetricWorkflowTimeout    = "workflow.timeout"
	MetricWorkflowDuration   = "workflow.duration"
	MetricWorkflowNodes      = "workflow.nodes.total"
	MetricWorkflowSuccessful = "workflow.nodes.successful"
	MetricWorkflowNodeFailed = "workflow.nodes.failed"
	MetricWorkflowRetries    = "workflow.retries"

	MetricNodeStarts    = "node.starts"
	MetricNodeDuration  = "node.duration"
	MetricNodeAttempts  = "node.attempts"
	MetricNodeErrors    = "node.errors"
	MetricNodeRetries   = "node.retries"
	MetricNodeSkipped   = "node.skipped"
	MetricNodeCacheHits = "node.cache.hits"
)

// MetricsSink receives engine measurements. Tags are key/value pairs:
//
//	sink.IncrementCounter(MetricNodeErrors, "workflow", "etl", "node", "load")
//
// The engine recovers panics raised by a sink, so a broken backend never
// affects an execution.
type MetricsSink interface {
	IncrementCounter(name string, tags ...string)
	RecordDuration(name string, d time.Duration, tags ...string)
	RecordValue(name string, value float64, tags ...string)
}

// NopMetrics discards all measurements.
type NopMetrics struct{}

func (NopMetrics) IncrementCounter(string, ...string)              {}
func (NopMetrics) RecordDuration(string, time.Duration, ...string) {}
func (NopMetrics) RecordValue(string, float64, ...string)          {}

// PrometheusMetrics exposes MetricsSink measurements as Prometheus series.
//
// Collectors are created lazily the first time a name is seen, namespaced
// "dagflow" with dots replaced by underscores:
//
//	workflow.starts   -> dagflow_workflow_starts_total   (counter)
//	workflow.duration -> dagflow_workflow_duration_seconds (histogram)
//	workflow.retries  -> dagflow_workflow_retries         (gauge, via RecordValue)
//
// Tag keys become label names. A name must always be used with the same
// set of tag keys; mismatched calls are dropped.
//
//	registry := prometheus.NewRegistry()
//	engine, _ := workflow.New(reg, exec, workflow.WithMetrics(workflow.NewPrometheusMetrics(registry)))
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type PrometheusMetrics struct {
	registerer prometheus.Registerer
	buckets    []float64

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	labels     map[string][]string
}

// NewPrometheusMetrics registers collectors with registerer
// (prometheus.DefaultRegisterer when nil).
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &PrometheusMetrics{
		registerer: registerer,
		// 1ms to 5min, covering quick function nodes through long AI calls.
		buckets:    []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		labels:     make(map[string][]string),
	}
}

// IncrementCounter adds one to the counter name, labelled by tags.
func (pm *PrometheusMetrics) IncrementCounter(name string, tags ...string) {
	keys, values := splitTags(tags)
	pm.mu.Lock()
	vec, ok := pm.counters[name]
	if !ok {
		vec = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dagflow",
			Name:      metricName(name) + "_total",
			Help:      "Count of " + name + " events.",
		}, keys)
		vec = register(pm.registerer, vec)
		pm.counters[name] = vec
		pm.labels[name] = keys
	}
	match := sameLabels(pm.labels[name], keys)
	pm.mu.Unlock()
	if vec != nil && match {
		vec.WithLabelValues(values...).Inc()
	}
}

func (pm *PrometheusMetrics) RecordDuration(name string, d time.Duration, tags ...string) {
	keys, values := splitTags(tags)
	pm.mu.Lock()
	vec, ok := pm.histograms[name]
	if !ok {
		vec = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dagflow",
			Name:      metricName(name) + "_seconds",
			Help:      "Duration of " + name + " in seconds.",
			Buckets:   pm.buckets,
		}, keys)
		vec = register(pm.registerer, vec)
		pm.histograms[name] = vec
		pm.labels[name] = keys
	}
	match := sameLabels(pm.labels[name], keys)
	pm.mu.Unlock()
	if vec != nil && match {
		vec.WithLabelValues(values...).Observe(d.Seconds())
	}
}

func (pm *PrometheusMetrics) RecordValue(name string, value float64, tags ...string) {
	keys, values := splitTags(tags)
	pm.mu.Lock()
	vec, ok := pm.gauges[name]
	if !ok {
		vec = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dagflow",
			Name:      metricName(name),
			Help:      "Last recorded value of " + name + ".",
		}, keys)
		vec = register(pm.registerer, vec)
		pm.gauges[name] = vec
		pm.labels[name] = keys
	}
	match := sameLabels(pm.labels[name], keys)
	pm.mu.Unlock()
	if vec != nil && match {
		vec.WithLabelValues(values...).Set(value)
	}
}

// register returns the collector already registered under the same
// descriptor when there is one, or nil when registration fails otherwise.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		var zero C
		return zero
	}
	return c
}

func metricName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_", " ", "_").Replace(name)
}

// splitTags turns key/value pairs into sorted label names and matching
// values. A trailing key without a value is dropped.
func splitTags(tags []string) ([]string, []string) {
	n := len(tags) / 2
	pairs := make([][2]string, 0, n)
	for i := 0; i+1 < len(tags); i += 2 {
		pairs = append(pairs, [2]string{metricName(tags[i]), tags[i+1]})
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i][0] < pairs[j][0] })
	keys := make([]string, len(pairs))
	values := make([]string, len(pairs))
	for i, p := range pairs {
		keys[i], values[i] = p[0], p[1]
	}
	return keys, values
}

func sameLabels(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
