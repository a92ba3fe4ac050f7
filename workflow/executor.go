package workflow

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
)

// NodeExecutor runs one node against an execution's state.
//
// An executor records the outcome of the attempt in state (completion with
// outputs, or the error) and returns the same error to the caller. When
// run.Attempt is zero the executor opens the attempt itself; the engine
// opens attempts before calling so it can enforce timeouts on them.
//
// Executors hold no per-execution state and may be shared by concurrent
// executions.
type NodeExecutor interface {
	Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error

func (f ExecutorFunc) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	return f(ctx, node, state, run)
}

// RunInfo identifies the execution and attempt a node runs under.
type RunInfo struct {
	WorkflowName string
	ExecutionID  string
	// Attempt is the history attempt number, or 0 to let the executor open one.
	Attempt    int
	Definition *WorkflowDefinition
}

// begin opens an attempt when the caller has not.
func (r RunInfo) begin(node *Node, state *WorkflowState) (RunInfo, error) {
	if r.WorkflowName == "" {
		r.WorkflowName = state.WorkflowName()
	}
	if r.ExecutionID == "" {
		r.ExecutionID = state.ExecutionID()
	}
	if r.Attempt == 0 {
		r.Attempt = state.RecordNodeStart(node.Name)
		if r.Attempt == 0 {
			return r, errStateFrozen
		}
	}
	return r, nil
}

// Resolver supplies the work item of a node and its resolved inputs.
//
// It is the seam where external node discovery plugs in; DefaultResolver
// uses Node.Work and the node's declared inputs.
type Resolver interface {
	Resolve(ctx context.Context, node *Node, state *WorkflowState) (Work, map[string]any, error)
}

// DefaultResolver resolves declared inputs from state variables.
//
// A missing input takes its Default when one is set. A missing required
// input without a default is an ErrMissingInput failure; a value not
// assignable to the declared Type is an ErrInputType failure.
type DefaultResolver struct{}

func (DefaultResolver) Resolve(_ context.Context, node *Node, state *WorkflowState) (Work, map[string]any, error) {
	inputs, err := resolveInputs(node, state)
	if err != nil {
		return nil, nil, err
	}
	return node.Work, inputs, nil
}

func resolveInputs(node *Node, state *WorkflowState) (map[string]any, error) {
	inputs := make(map[string]any, len(node.Inputs))
	for name, p := range node.Inputs {
		v, ok := state.GetVariable(name)
		if !ok {
			switch {
			case p.Default != nil:
				v = p.Default
			case p.Required:
				return nil, fmt.Errorf("%w: %q", ErrMissingInput, name)
			default:
				continue
			}
		}
		if p.Type != nil && v != nil && !reflect.TypeOf(v).AssignableTo(p.Type) {
			return nil, fmt.Errorf("%w: %q is %T, want %v", ErrInputType, name, v, p.Type)
		}
		inputs[name] = v
	}
	return inputs, nil
}

// FunctionExecutor is the default executor: it invokes the node's work item
// with its resolved inputs and stores the result.
//
// A returned Outputs map writes each entry as a variable; when the node
// declares Outputs only declared keys are written and missing required
// outputs fail the attempt. Any other non-nil result is stored under the
// node's result key. A panic in the work item fails the attempt.
type FunctionExecutor struct {
	resolver Resolver
}

// FunctionOption configures a FunctionExecutor.
type FunctionOption func(*FunctionExecutor)

// WithResolver replaces DefaultResolver.
func WithResolver(r Resolver) FunctionOption {
	return func(e *FunctionExecutor) { e.resolver = r }
}

// NewFunctionExecutor returns a FunctionExecutor.
func NewFunctionExecutor(opts ...FunctionOption) *FunctionExecutor {
	e := &FunctionExecutor{resolver: DefaultResolver{}}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements NodeExecutor.
func (e *FunctionExecutor) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	run, err := run.begin(node, state)
	if err != nil {
		return err
	}
	fail := func(err error) error {
		nerr := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: err}
		state.recordAttemptError(node.Name, run.Attempt, nerr)
		return nerr
	}

	work, inputs, err := e.resolver.Resolve(ctx, node, state)
	if err != nil {
		return fail(err)
	}
	if work == nil {
		state.commitAttempt(node.Name, run.Attempt, nil)
		return nil
	}

	inv := &Invocation{
		WorkflowName: run.WorkflowName,
		ExecutionID:  run.ExecutionID,
		NodeName:     node.Name,
		Attempt:      run.Attempt,
		Inputs:       inputs,
		Params:       node.Config.Params,
		State:        state,
	}

	var result any
	if node.Config.Async {
		result, err = invokeAsync(ctx, work, inv)
	} else {
		result, err = invoke(ctx, work, inv)
	}
	if err != nil {
		return fail(err)
	}

	outputs, err := collectOutputs(node, result)
	if err != nil {
		return fail(err)
	}
	state.commitAttempt(node.Name, run.Attempt, outputs)
	return nil
}

// invoke calls work, converting a panic into an error.
func invoke(ctx context.Context, work Work, inv *Invocation) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return work.Invoke(ctx, inv)
}

// invokeAsync runs work on its own goroutine and stops waiting when ctx ends.
func invokeAsync(ctx context.Context, work Work, inv *Invocation) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := invoke(ctx, work, inv)
		done <- outcome{r, err}
	}()
	select {
	case o := <-done:
		return o.result, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func collectOutputs(node *Node, result any) (map[string]any, error) {
	var outputs map[string]any
	switch r := result.(type) {
	case nil:
	case Outputs:
		outputs = make(map[string]any, len(r))
		for k, v := range r {
			if len(node.Outputs) > 0 {
				if _, declared := node.Outputs[k]; !declared {
					continue
				}
			}
			outputs[k] = v
		}
	default:
		outputs = map[string]any{node.ResultKey(): result}
	}
	for name, p := range node.Outputs {
		if !p.Required {
			continue
		}
		if _, ok := outputs[name]; !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingOutput, name)
		}
	}
	return outputs, nil
}
