package workflow

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dshills/dagflow/workflow/model"
)

// CompositeExecutor dispatches each node to the executor registered for
// its type, falling back to the default executor for unregistered types.
type CompositeExecutor struct {
	mu        sync.RWMutex
	executors map[NodeType]NodeExecutor
	fallback  NodeExecutor
}

// NewCompositeExecutor returns a dispatcher over fallback (a
// FunctionExecutor when nil).
func NewCompositeExecutor(fallback NodeExecutor) *CompositeExecutor {
	if fallback == nil {
		fallback = NewFunctionExecutor()
	}
	return &CompositeExecutor{executors: make(map[NodeType]NodeExecutor), fallback: fallback}
}

// Register routes nodes of type t to e.
func (c *CompositeExecutor) Register(t NodeType, e NodeExecutor) *CompositeExecutor {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.executors[t] = e
	return c
}

// Executor returns the executor that would run nodes of type t.
func (c *CompositeExecutor) Executor(t NodeType) NodeExecutor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.executors[t]; ok {
		return e
	}
	return c.fallback
}

// Execute dispatches node to the executor registered for its type.
func (c *CompositeExecutor) Execute(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
	return c.Executor(node.nodeType()).Execute(ctx, node, state, run)
}

// NewDefaultExecutor wires the standard strategies: function for FUNCTION
// and JOIN, conditional, parallel (branches dispatched through the returned
// composite) and AI. With a nil chat model AI nodes fail.
func NewDefaultExecutor(chat model.ChatModel, aiOpts ...AIOption) *CompositeExecutor {
	fn := NewFunctionExecutor()
	c := NewCompositeExecutor(fn)
	c.Register(NodeTypeFunction, fn)
	c.Register(NodeTypeJoin, fn)
	c.Register(NodeTypeConditional, NewConditionalExecutor(fn))
	c.Register(NodeTypeParallel, NewParallelExecutor(c, fn))
	c.Register(NodeTypeAI, NewAIExecutor(chat, append([]AIOption{WithAIFallback(fn)}, aiOpts...)...))
	return c
}

// Middleware decorates a NodeExecutor.
type Middleware func(NodeExecutor) NodeExecutor

// Chain applies middleware so the first one listed is outermost.
func Chain(e NodeExecutor, mws ...Middleware) NodeExecutor {
	for i := len(mws) - 1; i >= 0; i-- {
		e = mws[i](e)
	}
	return e
}

// LoggingMiddleware logs every node execution at debug level and failures
// at warn.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next NodeExecutor) NodeExecutor {
		return ExecutorFunc(func(ctx context.Context, node *Node, state *WorkflowState, run RunInfo) error {
			start := time.Now()
			err := next.Execute(ctx, node, state, run)
			fields := []zap.Field{
				zap.String("workflow", state.WorkflowName()),
				zap.String("execution_id", state.ExecutionID()),
				zap.String("node", node.Name),
				zap.String("type", string(node.nodeType())),
				zap.Int("attempt", run.Attempt),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("node execution failed", append(fields, zap.Error(err))...)
				return err
			}
			logger.Debug("node executed", fields...)
			return nil
		})
	}
}
