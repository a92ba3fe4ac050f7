package emit

import "time"

// Event kinds emitted by the engine.
const (
	WorkflowStart     = "workflow_start"
	WorkflowComplete  = "workflow_complete"
	WorkflowFailed    = "workflow_failed"
	WorkflowCancelled = "workflow_cancelled"
	WorkflowTimeout   = "workflow_timeout"

	NodeStart    = "node_start"
	NodeComplete = "node_complete"
	NodeError    = "node_error"
	NodeRetry    = "node_retry"
	NodeSkipped  = "node_skipped"
	NodeCacheHit = "node_cache_hit"
)

// Event describes one lifecycle boundary of an execution.
//
// Common Meta keys:
//   - "attempt": attempt number of a node event
//   - "duration_ms": elapsed milliseconds for complete/error events
//   - "error": error text for failure events
//   - "delay_ms": backoff before the next attempt on node_retry
//   - "status": terminal status on workflow events
type Event struct {
	WorkflowName string
	ExecutionID  string
	// NodeName is empty for workflow-level events.
	NodeName string
	// Msg is the event kind, one of the constants above.
	Msg  string
	Time time.Time
	Meta map[string]any
}

// IsWorkflowEvent reports whether the event concerns the execution as a whole.
func (e Event) IsWorkflowEvent() bool { return e.NodeName == "" }
