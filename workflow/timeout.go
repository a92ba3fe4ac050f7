package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// nodeTimeout picks the node's own timeout, then the engine default.
// Zero means unlimited.
func nodeTimeout(node *Node, defaultTimeout time.Duration) time.Duration {
	if node.Config.Timeout > 0 {
		return node.Config.Timeout
	}
	return defaultTimeout
}

// runAttempt executes one already-opened attempt, enforcing timeout.
//
// The executor runs on its own goroutine so that a work item ignoring its
// context cannot hold the scheduler past the deadline. When the deadline
// or ctx wins, the attempt is closed with the corresponding error and
// whatever the abandoned executor writes later is dropped.
func (e *Engine) runAttempt(ctx context.Context, node *Node, state *WorkflowState, run RunInfo, timeout time.Duration) error {
	var (
		actx   context.Context
		cancel context.CancelFunc
	)
	if timeout > 0 {
		actx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		actx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				err := &NodeError{Node: node.Name, Attempt: run.Attempt, Err: fmt.Errorf("executor panic: %v", r)}
				state.recordAttemptError(node.Name, run.Attempt, err)
				done <- err
			}
		}()
		done <- e.executor.Execute(actx, node, state, run)
	}()

	timedOut := func() bool {
		return timeout > 0 && errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}

	// settle reports the executor's own result, replacing its error with a
	// TimeoutError when the attempt's deadline caused it.
	settle := func(err error) error {
		if err != nil && timedOut() {
			terr := &TimeoutError{Node: node.Name, Timeout: timeout}
			state.failAttempt(node.Name, run.Attempt, terr)
			return terr
		}
		return err
	}

	select {
	case err := <-done:
		return settle(err)
	case <-actx.Done():
		var err error = &TimeoutError{Node: node.Name, Timeout: timeout}
		if !timedOut() {
			err = ctx.Err()
		}
		if state.recordAttemptError(node.Name, run.Attempt, err) || state.Status().Terminal() {
			return err
		}
		// The executor closed the attempt first; its result is on the way.
		return settle(<-done)
	}
}
