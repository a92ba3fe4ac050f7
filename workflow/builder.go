package workflow

import (
	"fmt"
	"slices"
)

// Builder accumulates nodes and produces validated WorkflowDefinitions.
//
// Nodes are copied on AddNode and again on Build, so neither the caller's
// nodes nor later builder changes can alter a built definition.
//
//	b := workflow.NewBuilder()
//	_ = b.AddNode(&workflow.Node{Name: "A", Work: setX})
//	_ = b.AddNode(&workflow.Node{Name: "B", Dependencies: []string{"A"}, Work: useX})
//	def, err := b.Build("example", workflow.WithWorkflowTimeout(time.Minute))
type Builder struct {
	nodes map[string]*Node
	order []string
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{nodes: make(map[string]*Node)}
}

// AddNode adds a copy of node. Empty and duplicate names are rejected.
func (b *Builder) AddNode(node *Node) error {
	if node == nil || node.Name == "" {
		return fmt.Errorf("%w: node name cannot be empty", ErrInvalidWorkflow)
	}
	if _, exists := b.nodes[node.Name]; exists {
		return fmt.Errorf("%w: duplicate node %q", ErrInvalidWorkflow, node.Name)
	}
	b.nodes[node.Name] = node.clone()
	b.order = append(b.order, node.Name)
	return nil
}

// MustAddNode is AddNode that panics on error, for static graph literals.
func (b *Builder) MustAddNode(node *Node) *Builder {
	if err := b.AddNode(node); err != nil {
		panic(err)
	}
	return b
}

// StartNodes returns the names of added nodes with no dependencies.
func (b *Builder) StartNodes() []string {
	var out []string
	for _, name := range b.order {
		if len(b.nodes[name].Dependencies) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Build validates the graph and returns an immutable definition.
//
// Validation rejects: dependencies on unknown nodes, a graph without start
// nodes, dependency cycles, unknown node types, conditional nodes without
// a predicate, parallel nodes without branches, and invalid retry policies.
func (b *Builder) Build(name string, opts ...DefinitionOption) (*WorkflowDefinition, error) {
	invalid := func(format string, args ...any) error {
		return &InvalidWorkflowError{Workflow: name, Reason: fmt.Sprintf(format, args...)}
	}
	if name == "" {
		return nil, invalid("workflow name cannot be empty")
	}
	if len(b.order) == 0 {
		return nil, invalid("workflow has no nodes")
	}

	cfg := defaultWorkflowConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Timeout < 0 {
		return nil, invalid("negative workflow timeout")
	}
	if cfg.Retry != nil {
		if err := cfg.Retry.Validate(); err != nil {
			return nil, invalid("workflow retry policy: %v", err)
		}
	}

	def := &WorkflowDefinition{
		name:       name,
		nodes:      make(map[string]*Node, len(b.order)),
		order:      slices.Clone(b.order),
		dependents: make(map[string][]string),
		config:     cfg,
	}

	for _, nodeName := range b.order {
		n := b.nodes[nodeName].clone()
		if err := validateNode(n); err != nil {
			return nil, invalid("%v", err)
		}
		seen := make(map[string]bool, len(n.Dependencies))
		for _, dep := range n.Dependencies {
			if _, ok := b.nodes[dep]; !ok {
				return nil, invalid("node %q depends on unknown node %q", nodeName, dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			def.dependents[dep] = append(def.dependents[dep], nodeName)
		}
		if len(n.Dependencies) == 0 {
			def.startNodes = append(def.startNodes, nodeName)
		}
		def.nodes[nodeName] = n
	}

	if len(def.startNodes) == 0 {
		return nil, invalid("no start nodes: every node has dependencies")
	}
	if cycle := findCycle(def); cycle != nil {
		return nil, &InvalidWorkflowError{Workflow: name, Reason: "dependency cycle", Cycle: cycle}
	}
	return def, nil
}

func validateNode(n *Node) error {
	if !n.Type.Valid() {
		return fmt.Errorf("node %q has unknown type %q", n.Name, n.Type)
	}
	if n.Config.Timeout < 0 {
		return fmt.Errorf("node %q has a negative timeout", n.Name)
	}
	if n.Config.Retry != nil {
		if err := n.Config.Retry.Validate(); err != nil {
			return fmt.Errorf("node %q retry policy: %v", n.Name, err)
		}
	}
	switch n.Type {
	case NodeTypeConditional:
		if n.Config.Condition == nil && n.Config.SystemPrompt == "" {
			return fmt.Errorf("conditional node %q has no predicate", n.Name)
		}
	case NodeTypeParallel:
		if len(n.Config.Branches) == 0 {
			return fmt.Errorf("parallel node %q has no branches", n.Name)
		}
		if n.Config.MaxConcurrency < 0 {
			return fmt.Errorf("parallel node %q has negative max concurrency", n.Name)
		}
		names := make(map[string]bool, len(n.Config.Branches))
		for _, br := range n.Config.Branches {
			if br == nil || br.Name == "" {
				return fmt.Errorf("parallel node %q has an unnamed branch", n.Name)
			}
			if names[br.Name] {
				return fmt.Errorf("parallel node %q has duplicate branch %q", n.Name, br.Name)
			}
			names[br.Name] = true
			if err := validateNode(br); err != nil {
				return err
			}
		}
	}
	return nil
}

// findCycle runs a depth-first search over dependency edges and returns the
// first cycle found as a path whose last element repeats the first.
func findCycle(def *WorkflowDefinition) []string {
	const (
		unvisited = iota
		visiting
		done
	)
	color := make(map[string]int, len(def.order))
	var stack []string

	var visit func(name string) []string
	visit = func(name string) []string {
		color[name] = visiting
		stack = append(stack, name)
		for _, dep := range def.nodes[name].Dependencies {
			switch color[dep] {
			case visiting:
				i := slices.Index(stack, dep)
				cycle := slices.Clone(stack[i:])
				return append(cycle, dep)
			case unvisited:
				if c := visit(dep); c != nil {
					return c
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = done
		return nil
	}

	for _, name := range def.order {
		if color[name] == unvisited {
			if c := visit(name); c != nil {
				return c
			}
		}
	}
	return nil
}
