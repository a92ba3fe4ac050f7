package workflow

import (
	"maps"
	"sync"
	"time"

	"github.com/dshills/dagflow/workflow/store"
)

// Status is the lifecycle state of an execution.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
	StatusTimeout   Status = "TIMEOUT"
)

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool { return s != StatusRunning && s != "" }

// NodeExecutionInfo is a copy of one node's history entry.
type NodeExecutionInfo struct {
	Attempts  int
	Outputs   map[string]any
	Error     error
	Skipped   bool
	StartTime time.Time
	EndTime   time.Time
}

// Completed reports whether the latest attempt finished without error.
func (i NodeExecutionInfo) Completed() bool {
	return i.Error == nil && !i.EndTime.IsZero() && !i.Skipped
}

// Duration of the latest attempt, zero while still running.
func (i NodeExecutionInfo) Duration() time.Duration {
	if i.EndTime.IsZero() {
		return 0
	}
	return i.EndTime.Sub(i.StartTime)
}

type nodeRecord struct {
	attempts  int
	outputs   map[string]any
	err       error
	skipped   bool
	startTime time.Time
	endTime   time.Time
}

// WorkflowState is the mutable record of one execution: the shared variable
// bag, per-node execution history, and the overall status.
//
// All methods are safe for concurrent use by the node tasks of an
// execution. Once the status is terminal the state is frozen and every
// mutator becomes a no-op.
//
// Concurrent writers to the same variable resolve last-write-wins in the
// order the writes land, not the order the writers started.
type WorkflowState struct {
	mu sync.RWMutex

	executionID  string
	workflowName string
	variables    map[string]any
	history      map[string]*nodeRecord

	status       Status
	startTime    time.Time
	endTime      time.Time
	errorMessage string

	// Clones track the keys they change so Merge only writes those back.
	dirtyVars  map[string]struct{}
	dirtyNodes map[string]struct{}
}

// NewWorkflowState returns a RUNNING state seeded with a copy of inputs.
func NewWorkflowState(executionID, workflowName string, inputs map[string]any) *WorkflowState {
	vars := make(map[string]any, len(inputs))
	for k, v := range inputs {
		vars[k] = copyValue(v)
	}
	return &WorkflowState{
		executionID:  executionID,
		workflowName: workflowName,
		variables:    vars,
		history:      make(map[string]*nodeRecord),
		status:       StatusRunning,
		startTime:    time.Now(),
	}
}

// ExecutionID returns the id the engine assigned to this execution.
func (s *WorkflowState) ExecutionID() string { return s.executionID }

// WorkflowName returns the name of the executed definition.
func (s *WorkflowState) WorkflowName() string { return s.workflowName }

// SetVariable writes a variable. Ignored once the state is terminal.
func (s *WorkflowState) SetVariable(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.variables[key] = value
	s.touchVar(key)
}

// GetVariable returns the value stored under key.
func (s *WorkflowState) GetVariable(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.variables[key]
	return v, ok
}

// HasVariable reports whether key is set.
func (s *WorkflowState) HasVariable(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.variables[key]
	return ok
}

// RemoveVariable deletes key. Ignored once the state is terminal.
func (s *WorkflowState) RemoveVariable(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	delete(s.variables, key)
	s.touchVar(key)
}

// Variables returns a shallow snapshot of the variable bag.
func (s *WorkflowState) Variables() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.variables)
}

func (s *WorkflowState) touchVar(key string) {
	if s.dirtyVars != nil {
		s.dirtyVars[key] = struct{}{}
	}
}

func (s *WorkflowState) touchNode(name string) {
	if s.dirtyNodes != nil {
		s.dirtyNodes[name] = struct{}{}
	}
}

// RecordNodeStart opens a new attempt for name and returns its number.
// It returns 0 without recording when the state is terminal.
func (s *WorkflowState) RecordNodeStart(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return 0
	}
	rec, ok := s.history[name]
	if !ok {
		rec = &nodeRecord{}
		s.history[name] = rec
	}
	s.touchNode(name)
	rec.attempts++
	rec.startTime = time.Now()
	rec.endTime = time.Time{}
	rec.err = nil
	rec.outputs = nil
	return rec.attempts
}

// RecordNodeCompletion closes the latest attempt of name successfully.
func (s *WorkflowState) RecordNodeCompletion(name string, outputs map[string]any) {
	s.recordAttemptCompletion(name, 0, outputs)
}

// RecordNodeError closes the latest attempt of name with err.
func (s *WorkflowState) RecordNodeError(name string, err error) {
	s.recordAttemptError(name, 0, err)
}

// recordAttemptCompletion closes attempt of name. Attempt 0 means the
// latest; any other value only applies while that attempt is still open,
// so a result arriving after its attempt was abandoned is dropped.
func (s *WorkflowState) recordAttemptCompletion(name string, attempt int, outputs map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.openAttempt(name, attempt)
	if rec == nil {
		return false
	}
	rec.outputs = maps.Clone(outputs)
	rec.err = nil
	rec.endTime = time.Now()
	return true
}

func (s *WorkflowState) recordAttemptError(name string, attempt int, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.openAttempt(name, attempt)
	if rec == nil {
		return false
	}
	rec.err = err
	rec.endTime = time.Now()
	return true
}

// commitAttempt closes attempt of name successfully and writes outputs
// as variables in the same critical section. Nothing is written when the
// attempt is no longer open.
func (s *WorkflowState) commitAttempt(name string, attempt int, outputs map[string]any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.openAttempt(name, attempt)
	if rec == nil {
		return false
	}
	for k, v := range outputs {
		s.variables[k] = v
		s.touchVar(k)
	}
	rec.outputs = maps.Clone(outputs)
	rec.err = nil
	rec.endTime = time.Now()
	return true
}

// failAttempt sets the error of attempt of name whether or not the attempt
// is already closed. It is used to replace a work item's own error with the
// error the engine reports, such as a timeout or an exhausted retry budget.
func (s *WorkflowState) failAttempt(name string, attempt int, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	rec, ok := s.history[name]
	if !ok || rec.attempts != attempt {
		return false
	}
	rec.err = err
	rec.outputs = nil
	if rec.endTime.IsZero() {
		rec.endTime = time.Now()
	}
	s.touchNode(name)
	return true
}

// openAttempt must be called with mu held.
func (s *WorkflowState) openAttempt(name string, attempt int) *nodeRecord {
	if s.status.Terminal() {
		return nil
	}
	rec, ok := s.history[name]
	if !ok {
		if attempt != 0 {
			return nil
		}
		rec = &nodeRecord{startTime: time.Now()}
		s.history[name] = rec
		s.touchNode(name)
		return rec
	}
	if attempt != 0 && (rec.attempts != attempt || !rec.endTime.IsZero()) {
		return nil
	}
	s.touchNode(name)
	return rec
}

// markNodeSkipped records that name never ran because an upstream node failed.
func (s *WorkflowState) markNodeSkipped(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	if _, ok := s.history[name]; ok {
		return
	}
	now := time.Now()
	s.history[name] = &nodeRecord{err: ErrNodeSkipped, skipped: true, startTime: now, endTime: now}
	s.touchNode(name)
}

// IsNodeCompleted reports whether name's latest attempt completed without error.
func (s *WorkflowState) IsNodeCompleted(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.history[name]
	return ok && rec.err == nil && !rec.skipped && !rec.endTime.IsZero()
}

// NodeInfo returns a copy of name's history entry.
func (s *WorkflowState) NodeInfo(name string) (NodeExecutionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.history[name]
	if !ok {
		return NodeExecutionInfo{}, false
	}
	return rec.info(), true
}

// History returns a copy of every history entry.
func (s *WorkflowState) History() map[string]NodeExecutionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]NodeExecutionInfo, len(s.history))
	for name, rec := range s.history {
		out[name] = rec.info()
	}
	return out
}

func (r *nodeRecord) info() NodeExecutionInfo {
	return NodeExecutionInfo{
		Attempts:  r.attempts,
		Outputs:   maps.Clone(r.outputs),
		Error:     r.err,
		Skipped:   r.skipped,
		StartTime: r.startTime,
		EndTime:   r.endTime,
	}
}

// MarkAsCompleted moves a running state to COMPLETED.
func (s *WorkflowState) MarkAsCompleted() bool { return s.finish(StatusCompleted, "") }

// MarkAsFailed moves a running state to FAILED with message.
func (s *WorkflowState) MarkAsFailed(message string) bool { return s.finish(StatusFailed, message) }

// MarkAsCancelled moves a running state to CANCELLED.
func (s *WorkflowState) MarkAsCancelled() bool { return s.finish(StatusCancelled, "") }

// MarkAsTimedOut moves a running state to TIMEOUT with message.
func (s *WorkflowState) MarkAsTimedOut(message string) bool { return s.finish(StatusTimeout, message) }

// finish performs a terminal transition. Only the first one wins.
func (s *WorkflowState) finish(status Status, message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return false
	}
	s.status = status
	s.errorMessage = message
	s.endTime = time.Now()
	return true
}

// Status returns the current execution status.
func (s *WorkflowState) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// ErrorMessage returns the failure or timeout message of a terminal state.
func (s *WorkflowState) ErrorMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errorMessage
}

// StartTime returns when the state was created.
func (s *WorkflowState) StartTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startTime
}

// EndTime returns when the state became terminal, or the zero time.
func (s *WorkflowState) EndTime() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.endTime
}

// Duration is the elapsed time so far, or the total once terminal.
func (s *WorkflowState) Duration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.endTime.IsZero() {
		return time.Since(s.startTime)
	}
	return s.endTime.Sub(s.startTime)
}

// Clone returns an isolated deep copy sharing nothing mutable with s.
// The copy remembers which variables and history entries it changes.
func (s *WorkflowState) Clone() *WorkflowState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := &WorkflowState{
		executionID:  s.executionID,
		workflowName: s.workflowName,
		variables:    make(map[string]any, len(s.variables)),
		history:      make(map[string]*nodeRecord, len(s.history)),
		status:       s.status,
		startTime:    s.startTime,
		endTime:      s.endTime,
		errorMessage: s.errorMessage,
		dirtyVars:    make(map[string]struct{}),
		dirtyNodes:   make(map[string]struct{}),
	}
	for k, v := range s.variables {
		c.variables[k] = copyValue(v)
	}
	for name, rec := range s.history {
		r := *rec
		r.outputs = copyMap(rec.outputs)
		c.history[name] = &r
	}
	return c
}

// Merge writes the variables and history entries other changed since it
// was cloned back into s. Removed variables are removed; colliding keys
// take other's value. Merging a state that is not a clone copies everything.
func (s *WorkflowState) Merge(other *WorkflowState) {
	if other == s {
		return
	}
	d := other.delta()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status.Terminal() {
		return
	}
	s.apply(d)
}

// mergeAttempt merges other only while attempt of name is still open.
func (s *WorkflowState) mergeAttempt(name string, attempt int, other *WorkflowState) bool {
	d := other.delta()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.openAttempt(name, attempt) == nil {
		return false
	}
	s.apply(d)
	return true
}

type stateDelta struct {
	vars    map[string]any
	removed []string
	history map[string]nodeRecord
}

func (s *WorkflowState) delta() stateDelta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d := stateDelta{vars: make(map[string]any), history: make(map[string]nodeRecord)}
	if s.dirtyVars == nil {
		maps.Copy(d.vars, s.variables)
		for name, rec := range s.history {
			d.history[name] = *rec
		}
		return d
	}
	for k := range s.dirtyVars {
		if v, ok := s.variables[k]; ok {
			d.vars[k] = v
		} else {
			d.removed = append(d.removed, k)
		}
	}
	for name := range s.dirtyNodes {
		if rec, ok := s.history[name]; ok {
			d.history[name] = *rec
		}
	}
	return d
}

// apply must be called with mu held.
func (s *WorkflowState) apply(d stateDelta) {
	for k, v := range d.vars {
		s.variables[k] = v
		s.touchVar(k)
	}
	for _, k := range d.removed {
		delete(s.variables, k)
		s.touchVar(k)
	}
	for name, rec := range d.history {
		r := rec
		s.history[name] = &r
		s.touchNode(name)
	}
}

// ExecutionSummary aggregates an execution's history.
type ExecutionSummary struct {
	TotalNodes     int
	CompletedNodes int
	FailedNodes    int
	SkippedNodes   int
	TotalRetries   int
	Duration       time.Duration
}

// Summary computes totals over the current history.
func (s *WorkflowState) Summary() ExecutionSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := ExecutionSummary{TotalNodes: len(s.history)}
	for _, rec := range s.history {
		switch {
		case rec.skipped:
			sum.SkippedNodes++
		case rec.err != nil:
			sum.FailedNodes++
		case !rec.endTime.IsZero():
			sum.CompletedNodes++
		}
		if rec.attempts > 1 {
			sum.TotalRetries += rec.attempts - 1
		}
	}
	if s.endTime.IsZero() {
		sum.Duration = time.Since(s.startTime)
	} else {
		sum.Duration = s.endTime.Sub(s.startTime)
	}
	return sum
}

// Snapshot converts the state into an archive record.
func (s *WorkflowState) Snapshot() store.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec := store.Record{
		ExecutionID:  s.executionID,
		WorkflowName: s.workflowName,
		Status:       string(s.status),
		ErrorMessage: s.errorMessage,
		Variables:    copyMap(s.variables),
		Nodes:        make(map[string]store.NodeRecord, len(s.history)),
		StartTime:    s.startTime,
		EndTime:      s.endTime,
	}
	for name, h := range s.history {
		nr := store.NodeRecord{
			Attempts:  h.attempts,
			Outputs:   copyMap(h.outputs),
			Skipped:   h.skipped,
			StartTime: h.startTime,
			EndTime:   h.endTime,
		}
		if h.err != nil {
			nr.Error = h.err.Error()
		}
		rec.Nodes[name] = nr
	}
	return rec
}

// copyValue deep-copies the container shapes variables usually hold.
// Other values are copied as-is.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case Outputs:
		return Outputs(copyMap(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = copyValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}
