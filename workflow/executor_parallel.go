package workflow

import (
	"context"
	"errors"
	"maps"
	"sync"

	"golang.org/x/sync/errgroup"
)

// ParallelExecutor runs the branches of a PARALLEL node concurrently.
//
// Each branch runs on its own clone of the state, so branches never observe
// each other's writes. A finished branch's changes are merged back as soon
// as it completes; when branches write the same variable the last one to
// finish wins. Branches run at most MaxConcurrency at a time (unbounded when
// zero). With WaitForAll every branch runs to completion and all failures
// are reported together; otherwise the first failure cancels the rest.
//
// The node's own outputs are the union of its branches' outputs.
type ParallelExecutor struct {
	branches NodeExecutor
	fallback NodeExecutor
}

// NewParallelExecutor returns an executor running branches with branches
// (a FunctionExecutor when nil) and other node types with fallback.
func NewParallelExecutor(branches, fallback NodeExecutor) *ParallelExecutor {
	if branches == nil {
		branches = NewFunctionExecutor()
	}
	if fallback == nil {
		fallback = NewFunctionExecutor()
	}
	return &ParallelExecutor{branches: branches, fallback: fallback}
}

// Execute implements NodeExecutor.
func (e *ParallelExecutor) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	if node.nodeType() != NodeTypeParallel {
		return e.fallback.Execute(ctx, node, state, run)
	}
	run, err := run.begin(node, state)
	if err != nil {
		return err
	}

	var (
		g    *errgroup.Group
		gctx = ctx
	)
	if node.Config.WaitForAll {
		g = new(errgroup.Group)
	} else {
		g, gctx = errgroup.WithContext(ctx)
	}
	if node.Config.MaxConcurrency > 0 {
		g.SetLimit(node.Config.MaxConcurrency)
	}

	var (
		mu      sync.Mutex
		errs    []error
		outputs = make(map[string]any)
	)
	for _, branch := range node.Config.Branches {
		clone := state.Clone()
		g.Go(func() error {
			bctx := gctx
			if branch.Config.Timeout > 0 {
				var cancel context.CancelFunc
				bctx, cancel = context.WithTimeout(gctx, branch.Config.Timeout)
				defer cancel()
			}
			berr := e.branches.Execute(bctx, branch, clone, RunInfo{
				WorkflowName: run.WorkflowName,
				ExecutionID:  run.ExecutionID,
				Definition:   run.Definition,
			})

			mu.Lock()
			defer mu.Unlock()
			state.mergeAttempt(node.Name, run.Attempt, clone)
			if info, ok := clone.NodeInfo(branch.Name); ok {
				maps.Copy(outputs, info.Outputs)
			}
			if berr == nil {
				return nil
			}
			if node.Config.WaitForAll {
				errs = append(errs, berr)
				return nil
			}
			if len(errs) == 0 {
				errs = append(errs, berr)
			}
			return berr
		})
	}
	_ = g.Wait()

	if len(errs) > 0 {
		nerr := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: errors.Join(errs...)}
		state.recordAttemptError(node.Name, run.Attempt, nerr)
		return nerr
	}
	if err := ctx.Err(); err != nil {
		nerr := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: err}
		state.recordAttemptError(node.Name, run.Attempt, nerr)
		return nerr
	}
	state.recordAttemptCompletion(node.Name, run.Attempt, outputs)
	return nil
}
