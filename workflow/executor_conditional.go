package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Predicate decides a conditional node over a snapshot of the variables.
type Predicate func(vars map[string]any) (bool, error)

// VariablePredicate returns a predicate testing the truthiness of one
// variable. A leading "!" negates it. Missing variables, nil, false, zero
// numbers, and the strings "", "false" and "0" are false.
//
//	VariablePredicate("approved")
//	VariablePredicate("!has_errors")
func VariablePredicate(expr string) Predicate {
	expr = strings.TrimSpace(expr)
	negate := strings.HasPrefix(expr, "!")
	name := strings.TrimSpace(strings.TrimPrefix(expr, "!"))
	return func(vars map[string]any) (bool, error) {
		if name == "" {
			return false, errors.New("empty condition")
		}
		v := truthy(vars[name])
		if negate {
			return !v, nil
		}
		return v, nil
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		s := strings.ToLower(strings.TrimSpace(t))
		return s != "" && s != "false" && s != "0"
	case int:
		return t != 0
	case int64:
		return t != 0
	case float64:
		return t != 0
	default:
		return true
	}
}

// ConditionalExecutor evaluates a conditional node's predicate and stores
// the boolean under the node's result key ("<name>_result").
//
// It does not route: dependents run regardless of the result and are
// expected to read the result variable themselves.
type ConditionalExecutor struct {
	fallback NodeExecutor
}

// NewConditionalExecutor returns an executor that hands non-conditional
// nodes to fallback (a FunctionExecutor when nil).
func NewConditionalExecutor(fallback NodeExecutor) *ConditionalExecutor {
	if fallback == nil {
		fallback = NewFunctionExecutor()
	}
	return &ConditionalExecutor{fallback: fallback}
}

// Execute implements NodeExecutor.
func (e *ConditionalExecutor) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	if node.nodeType() != NodeTypeConditional {
		return e.fallback.Execute(ctx, node, state, run)
	}
	run, err := run.begin(node, state)
	if err != nil {
		return err
	}

	pred := node.Config.Condition
	if pred == nil && node.Config.SystemPrompt != "" {
		pred = VariablePredicate(node.Config.SystemPrompt)
	}
	var result bool
	if pred == nil {
		err = errors.New("no predicate configured")
	} else {
		result, err = evaluate(pred, state.Variables())
	}
	if err != nil {
		nerr := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: err}
		state.recordAttemptError(node.Name, run.Attempt, nerr)
		return nerr
	}
	state.commitAttempt(node.Name, run.Attempt, map[string]any{node.ResultKey(): result})
	return nil
}

func evaluate(pred Predicate, vars map[string]any) (result bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("predicate panic: %v", r)
		}
	}()
	return pred(vars)
}
