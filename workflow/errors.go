package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for the workflow error taxonomy.
//
// Every typed error in this package matches exactly one of these through
// errors.Is, so callers can branch on the kind without type assertions:
//
//	state, err := engine.Run(ctx, "etl", nil)
//	if errors.Is(err, workflow.ErrWorkflowNotFound) {
//	    // register the workflow first
//	}
var (
	// ErrWorkflowNotFound is returned when no definition is registered under a name.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrExecutionNotFound is returned for unknown or already reaped execution ids.
	ErrExecutionNotFound = errors.New("execution not found")

	// ErrInvalidWorkflow is returned when a graph fails structural validation.
	ErrInvalidWorkflow = errors.New("invalid workflow")

	// ErrNodeExecutionFailed marks a work item that failed during an attempt.
	ErrNodeExecutionFailed = errors.New("node execution failed")

	// ErrTimeout marks an attempt or execution that exceeded its deadline.
	ErrTimeout = errors.New("timeout")

	// ErrRetryExhausted marks a node whose every attempt failed.
	ErrRetryExhausted = errors.New("retry exhausted")

	// ErrWorkflowExecutionFailed wraps node failures at the workflow level.
	ErrWorkflowExecutionFailed = errors.New("workflow execution failed")

	// ErrNodeSkipped is recorded for nodes downstream of a failed node.
	ErrNodeSkipped = errors.New("skipped: upstream dependency failed")

	// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate.
	ErrInvalidRetryPolicy = errors.New("invalid retry policy")

	// ErrMissingInput is wrapped by a NodeError when a required input is absent.
	ErrMissingInput = errors.New("missing required input")

	// ErrInputType is wrapped by a NodeError when an input has the wrong type.
	ErrInputType = errors.New("input has unexpected type")

	// ErrMissingOutput is wrapped by a NodeError when a required output was not produced.
	ErrMissingOutput = errors.New("missing required output")

	// errStateFrozen is returned when an attempt is opened on a terminal state.
	errStateFrozen = errors.New("execution is no longer running")
)

// InvalidWorkflowError describes why a definition was rejected at build time.
type InvalidWorkflowError struct {
	Workflow string
	Reason   string
	// Cycle holds the node path closing a dependency cycle, first node repeated last.
	Cycle []string
}

func (e *InvalidWorkflowError) Error() string {
	if len(e.Cycle) > 0 {
		return fmt.Sprintf("invalid workflow %q: %s: %s", e.Workflow, e.Reason, strings.Join(e.Cycle, " -> "))
	}
	return fmt.Sprintf("invalid workflow %q: %s", e.Workflow, e.Reason)
}

func (e *InvalidWorkflowError) Is(target error) bool { return target == ErrInvalidWorkflow }

// NodeError reports a failure raised by a node's work item.
type NodeError struct {
	Node    string
	Attempt int
	Err     error
}

func (e *NodeError) Error() string {
	return fmt.Sprintf("node %s failed (attempt %d): %v", e.Node, e.Attempt, e.Err)
}

func (e *NodeError) Unwrap() error { return e.Err }

func (e *NodeError) Is(target error) bool { return target == ErrNodeExecutionFailed }

// TimeoutError reports an attempt that did not finish before its deadline.
type TimeoutError struct {
	Node    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	if e.Node == "" {
		return fmt.Sprintf("execution exceeded timeout of %v", e.Timeout)
	}
	return fmt.Sprintf("node %s exceeded timeout of %v", e.Node, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// RetryExhaustedError is the terminal error of a node that ran out of attempts.
type RetryExhaustedError struct {
	Node     string
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempts: %v", e.Node, e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Last }

func (e *RetryExhaustedError) Is(target error) bool { return target == ErrRetryExhausted }

// WorkflowExecutionError is handed to callers whose execution ended FAILED or TIMEOUT.
type WorkflowExecutionError struct {
	Workflow    string
	ExecutionID string
	Status      Status
	Err         error
}

func (e *WorkflowExecutionError) Error() string {
	return fmt.Sprintf("workflow %s execution %s %s: %v", e.Workflow, e.ExecutionID, strings.ToLower(string(e.Status)), e.Err)
}

func (e *WorkflowExecutionError) Unwrap() error { return e.Err }

func (e *WorkflowExecutionError) Is(target error) bool { return target == ErrWorkflowExecutionFailed }
