package workflow

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/dagflow/workflow/cache"
	"github.com/dshills/dagflow/workflow/emit"
	"github.com/dshills/dagflow/workflow/store"
)

// errExecutionStopped is the cancellation cause set by Engine.Stop.
var errExecutionStopped = errors.New("execution stopped")

// Engine runs registered workflow definitions.
//
// The Engine is the core runtime that:
//   - Dispatches every node whose dependencies have completed, concurrently
//   - Retries failed attempts according to the node or workflow policy
//   - Bounds each attempt and the whole execution with timeouts
//   - Skips the transitive dependents of a failed node
//   - Emits lifecycle events and records metrics
//   - Archives terminal states in an optional result store
//
// Executions are independent; one Engine may run any number of them at the
// same time. An execution is tracked as active until it reaches a terminal
// status and is then dropped from the active table.
//
// Example:
//
//	registry := workflow.NewMemoryRegistry()
//	_ = registry.Register(def)
//
//	engine, err := workflow.New(registry, workflow.NewDefaultExecutor(nil),
//	    workflow.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	state, err := engine.Run(ctx, "etl", map[string]any{"source": "s3://bucket"})
type Engine struct {
	registry Registry
	executor NodeExecutor

	logger             *zap.Logger
	emitter            emit.Emitter
	metrics            MetricsSink
	cache              cache.Cache
	results            store.Store
	defaultNodeTimeout time.Duration
	newID              func() string

	mu     sync.RWMutex
	active map[string]*Execution
}

// New creates an Engine that looks definitions up in registry and runs
// nodes with executor.
//
// Options are applied in order; the first failing option aborts
// construction. Middleware passed with WithMiddleware wraps executor.
func New(registry Registry, executor NodeExecutor, opts ...Option) (*Engine, error) {
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}
	if executor == nil {
		return nil, errors.New("executor cannot be nil")
	}
	cfg := engineConfig{
		logger:      zap.NewNop(),
		emitter:     emit.NewNullEmitter(),
		metrics:     NopMetrics{},
		idGenerator: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("engine option: %w", err)
		}
	}
	if len(cfg.middleware) > 0 {
		executor = Chain(executor, cfg.middleware...)
	}
	return &Engine{
		registry:           registry,
		executor:           executor,
		logger:             cfg.logger,
		emitter:            cfg.emitter,
		metrics:            cfg.metrics,
		cache:              cfg.cache,
		results:            cfg.results,
		defaultNodeTimeout: cfg.defaultNodeTimeout,
		newID:              cfg.idGenerator,
		active:             make(map[string]*Execution),
	}, nil
}

// Execution is a handle on one running or finished workflow execution.
type Execution struct {
	id     string
	def    *WorkflowDefinition
	state  *WorkflowState
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// ID returns the execution id.
func (x *Execution) ID() string { return x.id }

// WorkflowName returns the name of the definition being executed.
func (x *Execution) WorkflowName() string { return x.def.name }

// State returns the live state. It is frozen once the execution is terminal.
func (x *Execution) State() *WorkflowState { return x.state }

// Done is closed when the execution reaches a terminal status.
func (x *Execution) Done() <-chan struct{} { return x.done }

// Err returns the execution error once Done is closed: a
// *WorkflowExecutionError for FAILED and TIMEOUT, nil otherwise.
func (x *Execution) Err() error {
	select {
	case <-x.done:
		return x.err
	default:
		return nil
	}
}

// Wait blocks until the execution finishes or ctx is done. Giving up on a
// wait does not stop the execution.
func (x *Execution) Wait(ctx context.Context) (*WorkflowState, error) {
	select {
	case <-x.done:
		return x.state, x.err
	case <-ctx.Done():
		return x.state, ctx.Err()
	}
}

// Execute starts an execution of the named workflow and returns without
// waiting for it.
//
// Lookup failures are returned synchronously. The execution is derived
// from ctx: cancelling ctx cancels the execution.
func (e *Engine) Execute(ctx context.Context, name string, inputs map[string]any) (*Execution, error) {
	def, err := e.registry.Get(name)
	if err != nil {
		return nil, err
	}

	id := e.newID()
	ectx, cancel := context.WithCancelCause(ctx)
	runCtx, stopTimer := ectx, context.CancelFunc(func() {})
	if def.config.Timeout > 0 {
		runCtx, stopTimer = context.WithTimeoutCause(ectx, def.config.Timeout, &TimeoutError{Timeout: def.config.Timeout})
	}

	x := &Execution{
		id:     id,
		def:    def,
		state:  NewWorkflowState(id, def.name, inputs),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.active[id] = x
	e.mu.Unlock()

	e.logger.Info("workflow started",
		zap.String("workflow", def.name),
		zap.String("execution_id", id),
		zap.Int("nodes", def.Len()),
	)
	e.emit(emit.Event{WorkflowName: def.name, ExecutionID: id, Msg: emit.WorkflowStart, Time: time.Now(),
		Meta: map[string]any{"nodes": def.Len()}})
	e.record(def.config.Monitor.Enabled, func(m MetricsSink) {
		m.IncrementCounter(MetricWorkflowStarts, "workflow", def.name)
	})

	go func() {
		defer cancel(nil)
		defer stopTimer()
		e.schedule(runCtx, x)
	}()
	return x, nil
}

// Run executes the named workflow and blocks until it is terminal.
//
// The returned state is the final state for every terminal status. The
// error is non-nil for lookup failures and for FAILED or TIMEOUT
// executions; a CANCELLED execution returns a nil error.
func (e *Engine) Run(ctx context.Context, name string, inputs map[string]any) (*WorkflowState, error) {
	x, err := e.Execute(ctx, name, inputs)
	if err != nil {
		return nil, err
	}
	<-x.done
	return x.state, x.err
}

// Stop cancels an active execution. In-flight attempts are abandoned and
// the execution ends CANCELLED.
func (e *Engine) Stop(executionID string) error {
	x, ok := e.lookup(executionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	if x.state.MarkAsCancelled() {
		e.logger.Info("workflow stop requested",
			zap.String("workflow", x.def.name),
			zap.String("execution_id", executionID),
		)
	}
	x.cancel(errExecutionStopped)
	return nil
}

// ExecutionState returns the live state of an active execution.
func (e *Engine) ExecutionState(executionID string) (*WorkflowState, error) {
	x, ok := e.lookup(executionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return x.state, nil
}

// ActiveExecutions returns the ids of running executions, sorted.
func (e *Engine) ActiveExecutions() []string {
	e.mu.RLock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ArchivedExecution loads the terminal snapshot of a finished execution
// from the result store.
func (e *Engine) ArchivedExecution(ctx context.Context, executionID string) (store.Record, error) {
	if e.results == nil {
		return store.Record{}, fmt.Errorf("%w: %s (no result store)", ErrExecutionNotFound, executionID)
	}
	rec, err := e.results.Load(ctx, executionID)
	if errors.Is(err, store.ErrNotFound) {
		return store.Record{}, fmt.Errorf("%w: %s", ErrExecutionNotFound, executionID)
	}
	return rec, err
}

func (e *Engine) lookup(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.active[id]
	return x, ok
}

type nodeResult struct {
	name string
	err  error
}

// schedule drives one execution to a terminal status.
//
// Start nodes are dispatched immediately. Each finished node releases the
// dependents whose dependencies have all completed; a failed node settles
// its transitive dependents as skipped. Once ctx is done nothing new is
// dispatched or skipped and the loop drains what is in flight.
func (e *Engine) schedule(ctx context.Context, x *Execution) {
	def, state := x.def, x.state

	// Every node is dispatched at most once, so len(nodes) slots never block a sender.
	results := make(chan nodeResult, def.Len())
	dispatched := make(map[string]bool, def.Len())
	skipped := make(map[string]bool)
	inflight := 0

	dispatch := func(name string) {
		node := def.nodes[name]
		dispatched[name] = true
		inflight++
		go func() {
			results <- nodeResult{name: name, err: e.runNode(ctx, x, node)}
		}()
	}

	for _, name := range def.startNodes {
		dispatch(name)
	}

	var firstErr error
	for inflight > 0 {
		r := <-results
		inflight--

		if ctx.Err() != nil {
			// Cancelled or timed out: undispatched nodes stay absent from history.
			continue
		}
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			e.skipDownstream(x, r.name, dispatched, skipped)
			continue
		}
		for _, dep := range def.dependents[r.name] {
			if dispatched[dep] || skipped[dep] {
				continue
			}
			if e.ready(def.nodes[dep], state) {
				dispatch(dep)
			}
		}
	}

	e.finish(ctx, x, firstErr)
}

func (e *Engine) ready(node *Node, state *WorkflowState) bool {
	for _, dep := range node.Dependencies {
		if !state.IsNodeCompleted(dep) {
			return false
		}
	}
	return true
}

func (e *Engine) skipDownstream(x *Execution, failed string, dispatched, skipped map[string]bool) {
	def := x.def
	for _, name := range def.downstream(failed) {
		if dispatched[name] || skipped[name] {
			continue
		}
		skipped[name] = true
		x.state.markNodeSkipped(name)
		e.emit(emit.Event{WorkflowName: def.name, ExecutionID: x.id, NodeName: name, Msg: emit.NodeSkipped,
			Time: time.Now(), Meta: map[string]any{"upstream": failed}})
		e.record(def.config.Monitor.Enabled && def.config.Monitor.DetailedMetrics, func(m MetricsSink) {
			m.IncrementCounter(MetricNodeSkipped, "workflow", def.name, "node", name)
		})
	}
}

// finish performs the terminal transition, reports it, archives the state
// and reaps the execution.
func (e *Engine) finish(ctx context.Context, x *Execution, firstErr error) {
	def, state := x.def, x.state

	switch {
	case state.Status().Terminal():
		// Stopped.
	case ctx.Err() != nil:
		var te *TimeoutError
		if cause := context.Cause(ctx); errors.As(cause, &te) && te.Node == "" {
			state.MarkAsTimedOut(te.Error())
			x.err = &WorkflowExecutionError{Workflow: def.name, ExecutionID: x.id, Status: StatusTimeout, Err: te}
		} else {
			state.MarkAsCancelled()
		}
	case firstErr != nil:
		state.MarkAsFailed(firstErr.Error())
	default:
		state.MarkAsCompleted()
	}

	status := state.Status()
	if status == StatusFailed && x.err == nil {
		x.err = &WorkflowExecutionError{Workflow: def.name, ExecutionID: x.id, Status: status, Err: firstErr}
	}
	summary := state.Summary()

	fields := []zap.Field{
		zap.String("workflow", def.name),
		zap.String("execution_id", x.id),
		zap.String("status", string(status)),
		zap.Duration("duration", summary.Duration),
		zap.Int("completed", summary.CompletedNodes),
		zap.Int("failed", summary.FailedNodes),
		zap.Int("skipped", summary.SkippedNodes),
	}
	if x.err != nil {
		e.logger.Warn("workflow finished", append(fields, zap.Error(x.err))...)
	} else {
		e.logger.Info("workflow finished", fields...)
	}

	meta := map[string]any{
		"status":      string(status),
		"duration_ms": summary.Duration.Milliseconds(),
	}
	if msg := state.ErrorMessage(); msg != "" {
		meta["error"] = msg
	}
	e.emit(emit.Event{WorkflowName: def.name, ExecutionID: x.id, Msg: terminalEvent(status), Time: time.Now(), Meta: meta})

	e.record(def.config.Monitor.Enabled, func(m MetricsSink) {
		m.IncrementCounter(terminalMetric(status), "workflow", def.name)
		m.RecordDuration(MetricWorkflowDuration, summary.Duration, "workflow", def.name, "status", string(status))
		m.RecordValue(MetricWorkflowNodes, float64(summary.TotalNodes), "workflow", def.name)
		m.RecordValue(MetricWorkflowSuccessful, float64(summary.CompletedNodes), "workflow", def.name)
		m.RecordValue(MetricWorkflowNodeFailed, float64(summary.FailedNodes), "workflow", def.name)
		m.RecordValue(MetricWorkflowRetries, float64(summary.TotalRetries), "workflow", def.name)
	})

	if e.results != nil {
		if err := e.results.Save(context.WithoutCancel(ctx), state.Snapshot()); err != nil {
			e.logger.Error("archive execution",
				zap.String("workflow", def.name),
				zap.String("execution_id", x.id),
				zap.Error(err),
			)
		}
	}

	e.mu.Lock()
	delete(e.active, x.id)
	e.mu.Unlock()
	close(x.done)
}

func terminalEvent(s Status) string {
	switch s {
	case StatusCompleted:
		return emit.WorkflowComplete
	case StatusCancelled:
		return emit.WorkflowCancelled
	case StatusTimeout:
		return emit.WorkflowTimeout
	default:
		return emit.WorkflowFailed
	}
}

func terminalMetric(s Status) string {
	switch s {
	case StatusCompleted:
		return MetricWorkflowCompleted
	case StatusCancelled:
		return MetricWorkflowCancelled
	case StatusTimeout:
		return MetricWorkflowTimeout
	default:
		return MetricWorkflowFailed
	}
}

// runNode runs every attempt of one node and returns its terminal error.
func (e *Engine) runNode(ctx context.Context, x *Execution, node *Node) error {
	def, state := x.def, x.state
	detailed := def.config.Monitor.Enabled && def.config.Monitor.DetailedMetrics
	tags := []string{"workflow", def.name, "node", node.Name}

	key, cacheable := e.cacheKey(def, node, state)
	if cacheable {
		if outputs, hit := e.cacheGet(ctx, x, node, key); hit {
			attempt := state.RecordNodeStart(node.Name)
			if attempt == 0 || !state.commitAttempt(node.Name, attempt, outputs) {
				return errStateFrozen
			}
			e.emitNode(x, node, emit.NodeCacheHit, map[string]any{"attempt": attempt})
			e.record(detailed, func(m MetricsSink) { m.IncrementCounter(MetricNodeCacheHits, tags...) })
			return nil
		}
	}

	policy := resolveRetry(node, def)
	maxAttempts := 1
	if policy != nil {
		maxAttempts = policy.MaxAttempts
	}
	timeout := nodeTimeout(node, e.defaultNodeTimeout)

	var lastErr error
	for i := 1; i <= maxAttempts; i++ {
		attempt := state.RecordNodeStart(node.Name)
		if attempt == 0 {
			return errStateFrozen
		}
		e.emitNode(x, node, emit.NodeStart, map[string]any{"attempt": attempt})
		e.record(detailed, func(m MetricsSink) { m.IncrementCounter(MetricNodeStarts, tags...) })

		start := time.Now()
		run := RunInfo{WorkflowName: def.name, ExecutionID: x.id, Attempt: attempt, Definition: def}
		err := e.runAttempt(ctx, node, state, run, timeout)
		elapsed := time.Since(start)
		e.record(detailed, func(m MetricsSink) { m.RecordDuration(MetricNodeDuration, elapsed, tags...) })

		if err == nil {
			e.emitNode(x, node, emit.NodeComplete, map[string]any{"attempt": attempt, "duration_ms": elapsed.Milliseconds()})
			e.record(detailed, func(m MetricsSink) { m.RecordValue(MetricNodeAttempts, float64(attempt), tags...) })
			if cacheable {
				e.cachePut(ctx, x, node, key)
			}
			return nil
		}

		lastErr = err
		e.emitNode(x, node, emit.NodeError, map[string]any{
			"attempt":     attempt,
			"duration_ms": elapsed.Milliseconds(),
			"error":       err.Error(),
		})
		e.record(detailed, func(m MetricsSink) { m.IncrementCounter(MetricNodeErrors, tags...) })

		if ctx.Err() != nil {
			return err
		}
		if policy == nil || i == maxAttempts || !policy.ShouldRetry(err) {
			if i == maxAttempts && maxAttempts > 1 {
				rerr := &RetryExhaustedError{Node: node.Name, Attempts: i, Last: err}
				state.failAttempt(node.Name, attempt, rerr)
				e.record(detailed, func(m MetricsSink) { m.RecordValue(MetricNodeAttempts, float64(attempt), tags...) })
				return rerr
			}
			return err
		}

		delay := policy.Delay(i)
		e.logger.Debug("retrying node",
			zap.String("workflow", def.name),
			zap.String("execution_id", x.id),
			zap.String("node", node.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		e.emitNode(x, node, emit.NodeRetry, map[string]any{
			"attempt":  attempt,
			"delay_ms": delay.Milliseconds(),
			"error":    err.Error(),
		})
		e.record(detailed, func(m MetricsSink) { m.IncrementCounter(MetricNodeRetries, tags...) })
		if sleepContext(ctx, delay) != nil {
			return lastErr
		}
	}
	return lastErr
}

// cacheKey digests the workflow, node and the node's inputs. Nodes without
// declared inputs are keyed on every variable.
func (e *Engine) cacheKey(def *WorkflowDefinition, node *Node, state *WorkflowState) (string, bool) {
	if e.cache == nil || !def.config.Cache.Enabled || !node.Config.Cacheable {
		return "", false
	}
	vars := state.Variables()
	names := make([]string, 0, len(vars))
	if len(node.Inputs) > 0 {
		for name := range node.Inputs {
			names = append(names, name)
		}
	} else {
		for name := range vars {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if v, ok := vars[name]; ok {
			parts = append(parts, fmt.Sprintf("%s=%v", name, v))
		}
	}
	return cache.Key(def.name, node.Name, strings.Join(parts, ",")), true
}

func (e *Engine) cacheGet(ctx context.Context, x *Execution, node *Node, key string) (map[string]any, bool) {
	outputs, ok, err := e.cache.Get(ctx, key)
	if err != nil {
		e.logger.Warn("cache lookup failed",
			zap.String("workflow", x.def.name),
			zap.String("execution_id", x.id),
			zap.String("node", node.Name),
			zap.Error(err),
		)
		return nil, false
	}
	return outputs, ok
}

func (e *Engine) cachePut(ctx context.Context, x *Execution, node *Node, key string) {
	info, ok := x.state.NodeInfo(node.Name)
	if !ok {
		return
	}
	outputs := info.Outputs
	if outputs == nil {
		outputs = map[string]any{}
	}
	if err := e.cache.Put(ctx, key, outputs, x.def.config.Cache.TTL); err != nil {
		e.logger.Warn("cache store failed",
			zap.String("workflow", x.def.name),
			zap.String("execution_id", x.id),
			zap.String("node", node.Name),
			zap.Error(err),
		)
	}
}

func (e *Engine) emitNode(x *Execution, node *Node, msg string, meta map[string]any) {
	e.emit(emit.Event{
		WorkflowName: x.def.name,
		ExecutionID:  x.id,
		NodeName:     node.Name,
		Msg:          msg,
		Time:         time.Now(),
		Meta:         meta,
	})
}

// emit delivers an event, containing emitter panics.
func (e *Engine) emit(event emit.Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("emitter panicked", zap.String("event", event.Msg), zap.Any("panic", r))
		}
	}()
	e.emitter.Emit(event)
}

// record calls fn on the metrics sink when enabled, containing sink panics.
func (e *Engine) record(enabled bool, fn func(MetricsSink)) {
	if !enabled {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("metrics sink panicked", zap.Any("panic", r))
		}
	}()
	fn(e.metrics)
}
