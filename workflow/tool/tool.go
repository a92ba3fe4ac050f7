// Package tool adapts external actions to workflow work items.
//
// A Tool takes a map of named arguments and returns a map of results. The
// Work adapter lets a function node call a tool with the node's resolved
// inputs merged over its static params, and writes the tool's results as
// workflow variables.
package tool

import (
	"context"
	"maps"

	"github.com/dshills/dagflow/workflow"
)

// Tool performs one named action.
//
// Implementations must respect ctx cancellation and return descriptive
// errors for invalid input.
type Tool interface {
	// Name is the identifier definition files refer to, such as "http_request".
	Name() string

	Call(ctx context.Context, input map[string]any) (map[string]any, error)
}

// Work returns a work item calling t.
//
// The tool input is the node's Params overlaid with its resolved Inputs.
// When prefix is non-empty each result key is written as prefix+key.
func Work(t Tool, prefix string) workflow.Work {
	return workflow.WorkFunc(func(ctx context.Context, inv *workflow.Invocation) (any, error) {
		input := make(map[string]any, len(inv.Params)+len(inv.Inputs))
		maps.Copy(input, inv.Params)
		maps.Copy(input, inv.Inputs)

		result, err := t.Call(ctx, input)
		if err != nil {
			return nil, err
		}
		out := make(workflow.Outputs, len(result))
		for k, v := range result {
			out[prefix+k] = v
		}
		return out, nil
	})
}
