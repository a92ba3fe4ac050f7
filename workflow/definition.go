package workflow

import (
	"slices"
	"time"
)

// WorkflowConfig holds workflow-level execution settings.
type WorkflowConfig struct {
	// Timeout bounds the whole execution. Zero means no limit.
	Timeout time.Duration
	// Retry applies to every node without its own policy.
	Retry   *RetryPolicy
	Cache   CacheConfig
	Monitor MonitorConfig
}

// CacheConfig enables result caching for the workflow's cacheable nodes.
type CacheConfig struct {
	Enabled bool
	TTL     time.Duration
}

// MonitorConfig controls metrics recording. Workflow-level metrics are
// recorded when Enabled; per-node metrics additionally need DetailedMetrics.
type MonitorConfig struct {
	Enabled         bool
	DetailedMetrics bool
}

func defaultWorkflowConfig() WorkflowConfig {
	return WorkflowConfig{Monitor: MonitorConfig{Enabled: true, DetailedMetrics: true}}
}

// DefinitionOption adjusts the WorkflowConfig of a definition being built.
type DefinitionOption func(*WorkflowConfig)

// WithConfig replaces the whole workflow configuration.
func WithConfig(cfg WorkflowConfig) DefinitionOption {
	return func(c *WorkflowConfig) { *c = cfg }
}

// WithWorkflowTimeout bounds the total execution time.
func WithWorkflowTimeout(d time.Duration) DefinitionOption {
	return func(c *WorkflowConfig) { c.Timeout = d }
}

// WithWorkflowRetry sets the default retry policy of every node.
func WithWorkflowRetry(p *RetryPolicy) DefinitionOption {
	return func(c *WorkflowConfig) { c.Retry = p }
}

// WithResultCaching enables the result cache for cacheable nodes.
func WithResultCaching(ttl time.Duration) DefinitionOption {
	return func(c *WorkflowConfig) { c.Cache = CacheConfig{Enabled: true, TTL: ttl} }
}

// WithMonitoring sets which metrics are recorded for this workflow.
func WithMonitoring(enabled, detailed bool) DefinitionOption {
	return func(c *WorkflowConfig) { c.Monitor = MonitorConfig{Enabled: enabled, DetailedMetrics: detailed} }
}

// WorkflowDefinition is an immutable, validated workflow graph.
//
// Definitions are produced by Builder.Build and are safe to share between
// concurrent executions.
type WorkflowDefinition struct {
	name       string
	nodes      map[string]*Node
	order      []string
	startNodes []string
	dependents map[string][]string
	config     WorkflowConfig
}

// Name returns the registered name.
func (d *WorkflowDefinition) Name() string { return d.name }

// Node returns the named node. The returned node must not be modified.
func (d *WorkflowDefinition) Node(name string) (*Node, bool) {
	n, ok := d.nodes[name]
	return n, ok
}

// Nodes returns the nodes in insertion order.
func (d *WorkflowDefinition) Nodes() []*Node {
	out := make([]*Node, len(d.order))
	for i, name := range d.order {
		out[i] = d.nodes[name]
	}
	return out
}

// NodeNames returns node names in insertion order.
func (d *WorkflowDefinition) NodeNames() []string { return slices.Clone(d.order) }

// StartNodes returns the nodes without dependencies, in insertion order.
func (d *WorkflowDefinition) StartNodes() []string { return slices.Clone(d.startNodes) }

// Dependents returns the nodes that list name as a dependency.
func (d *WorkflowDefinition) Dependents(name string) []string {
	return slices.Clone(d.dependents[name])
}

// Len returns the number of nodes.
func (d *WorkflowDefinition) Len() int { return len(d.order) }

// Config returns a copy of the workflow configuration.
func (d *WorkflowDefinition) Config() WorkflowConfig { return d.config }

// downstream returns every node reachable from name through dependents,
// in breadth-first order.
func (d *WorkflowDefinition) downstream(name string) []string {
	seen := map[string]bool{name: true}
	queue := slices.Clone(d.dependents[name])
	var out []string
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, d.dependents[n]...)
	}
	return out
}
