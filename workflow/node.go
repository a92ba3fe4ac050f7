package workflow

import (
	"context"
	"maps"
	"reflect"
	"slices"
	"time"
)

// NodeType selects the executor strategy used for a node.
type NodeType string

const (
	// NodeTypeFunction runs the node's bound work item.
	NodeTypeFunction NodeType = "FUNCTION"
	// NodeTypeAI sends a prompt built from the node's inputs to a chat model.
	NodeTypeAI NodeType = "AI"
	// NodeTypeConditional evaluates a predicate and stores the boolean result.
	NodeTypeConditional NodeType = "CONDITIONAL"
	// NodeTypeParallel runs its branch sub-nodes concurrently on cloned state.
	NodeTypeParallel NodeType = "PARALLEL"
	// NodeTypeJoin synchronizes several dependencies; work is optional.
	NodeTypeJoin NodeType = "JOIN"
)

// Valid reports whether t is one of the known node types.
func (t NodeType) Valid() bool {
	switch t {
	case NodeTypeFunction, NodeTypeAI, NodeTypeConditional, NodeTypeParallel, NodeTypeJoin:
		return true
	}
	return false
}

// Node describes one unit of work in a workflow graph.
//
// Nodes are added to a Builder, which copies them; the copies held by a
// WorkflowDefinition must be treated as read-only.
//
// Example:
//
//	fetch := &workflow.Node{
//	    Name: "fetch",
//	    Type: workflow.NodeTypeFunction,
//	    Work: workflow.WorkFunc(func(ctx context.Context, inv *workflow.Invocation) (any, error) {
//	        return workflow.Outputs{"body": "..."}, nil
//	    }),
//	}
//	parse := &workflow.Node{
//	    Name:         "parse",
//	    Dependencies: []string{"fetch"},
//	    Inputs:       map[string]workflow.Param{"body": {Required: true}},
//	    Work:         parseWork,
//	}
type Node struct {
	// Name is unique within a definition.
	Name string

	// Type defaults to NodeTypeFunction when empty.
	Type NodeType

	// Dependencies names the nodes that must complete before this one runs.
	Dependencies []string

	Config NodeConfig

	// Inputs declares the variables resolved from state before invocation.
	Inputs map[string]Param

	// Outputs declares the variables this node is expected to produce.
	// When set, only declared keys of a returned Outputs map are written.
	Outputs map[string]Param

	// Work is the callable invoked by the function executor.
	Work Work
}

// NodeConfig holds per-node execution settings.
type NodeConfig struct {
	// Timeout bounds a single attempt. Zero falls back to the engine default.
	Timeout time.Duration

	// Retry overrides the workflow-level retry policy for this node.
	Retry *RetryPolicy

	// Async runs the work item on a separate goroutine so the attempt can
	// be abandoned on cancellation even if the work ignores its context.
	Async bool

	// SystemPrompt is the prompt prefix for AI nodes. Conditional nodes
	// without a Condition treat it as a variable expression (see VariablePredicate).
	SystemPrompt string

	// Condition is the predicate evaluated by conditional nodes.
	Condition Predicate

	// Branches are the sub-nodes of a PARALLEL node; they are not part of the graph.
	Branches []*Node

	// MaxConcurrency bounds concurrently running branches. Zero is unbounded.
	MaxConcurrency int

	// WaitForAll lets every branch finish before reporting failures. When
	// false the first branch failure cancels the rest.
	WaitForAll bool

	// ResultKey is the variable that receives a non-Outputs return value.
	// Defaults to "<name>_result".
	ResultKey string

	// Cacheable opts the node into result caching when the workflow enables it.
	Cacheable bool

	// Params are static values handed to the work item untouched.
	Params map[string]any

	// MaxTokens and Temperature tune AI node completions. Zero MaxTokens and
	// nil Temperature use the executor's call defaults.
	MaxTokens   int
	Temperature *float64
}

// Param declares a named input or output of a node.
type Param struct {
	// Type, when set, is checked against resolved values with AssignableTo.
	Type reflect.Type
	// Required inputs fail the attempt when absent from state.
	Required bool
	// Default is used for absent optional inputs when non-nil.
	Default any
}

// Work is the unit a function node invokes.
type Work interface {
	Invoke(ctx context.Context, inv *Invocation) (any, error)
}

// WorkFunc adapts an ordinary function to the Work interface.
type WorkFunc func(ctx context.Context, inv *Invocation) (any, error)

// Invoke calls f(ctx, inv).
func (f WorkFunc) Invoke(ctx context.Context, inv *Invocation) (any, error) {
	return f(ctx, inv)
}

// Outputs is a work result that writes each entry as a workflow variable.
type Outputs map[string]any

// Invocation is the explicit run context passed to a work item.
type Invocation struct {
	WorkflowName string
	ExecutionID  string
	NodeName     string
	Attempt      int

	// Inputs holds the resolved declared inputs.
	Inputs map[string]any

	// Params is the node's static configuration.
	Params map[string]any

	// State is the execution state. Work items may read and write variables
	// directly; writes land without being recorded as node outputs.
	State *WorkflowState
}

// Input returns a resolved input value.
func (inv *Invocation) Input(name string) (any, bool) {
	v, ok := inv.Inputs[name]
	return v, ok
}

// ResultKey returns the variable a non-Outputs result is stored under.
func (n *Node) ResultKey() string {
	if n.Config.ResultKey != "" {
		return n.Config.ResultKey
	}
	return n.Name + "_result"
}

// nodeType returns the effective type.
func (n *Node) nodeType() NodeType {
	if n.Type == "" {
		return NodeTypeFunction
	}
	return n.Type
}

// clone copies the node's slices and maps so callers cannot mutate a
// definition through a node they passed to a Builder.
func (n *Node) clone() *Node {
	c := *n
	c.Type = n.nodeType()
	c.Dependencies = slices.Clone(n.Dependencies)
	c.Inputs = maps.Clone(n.Inputs)
	c.Outputs = maps.Clone(n.Outputs)
	c.Config.Params = maps.Clone(n.Config.Params)
	if n.Config.Retry != nil {
		r := *n.Config.Retry
		r.RetryOn = slices.Clone(r.RetryOn)
		r.AbortOn = slices.Clone(r.AbortOn)
		c.Config.Retry = &r
	}
	if len(n.Config.Branches) > 0 {
		c.Config.Branches = make([]*Node, len(n.Config.Branches))
		for i, b := range n.Config.Branches {
			if b != nil {
				c.Config.Branches[i] = b.clone()
			}
		}
	}
	if n.Config.Temperature != nil {
		t := *n.Config.Temperature
		c.Config.Temperature = &t
	}
	return &c
}
