package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// set returns work writing fixed outputs.
func set(outputs Outputs) Work {
	return WorkFunc(func(context.Context, *Invocation) (any, error) {
		return outputs, nil
	})
}

// failWith returns work that always fails with err.
func failWith(err error) Work {
	return WorkFunc(func(context.Context, *Invocation) (any, error) {
		return nil, err
	})
}

// sleepFor returns work that waits d (or ctx) and then writes outputs.
func sleepFor(d time.Duration, outputs Outputs) Work {
	return WorkFunc(func(ctx context.Context, _ *Invocation) (any, error) {
		select {
		case <-time.After(d):
			return outputs, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
}

func mustBuild(t *testing.T, name string, nodes []*Node, opts ...DefinitionOption) *WorkflowDefinition {
	t.Helper()
	b := NewBuilder()
	for _, n := range nodes {
		require.NoError(t, b.AddNode(n))
	}
	def, err := b.Build(name, opts...)
	require.NoError(t, err)
	return def
}

// newTestEngine registers defs and returns an engine with the default executor.
func newTestEngine(t *testing.T, defs []*WorkflowDefinition, opts ...Option) *Engine {
	t.Helper()
	reg := NewMemoryRegistry()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	engine, err := New(reg, NewDefaultExecutor(nil), opts...)
	require.NoError(t, err)
	return engine
}

// callLog records the order work items start in.
type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) work(name string, outputs Outputs) Work {
	return WorkFunc(func(context.Context, *Invocation) (any, error) {
		l.mu.Lock()
		l.names = append(l.names, name)
		l.mu.Unlock()
		return outputs, nil
	})
}

func (l *callLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

func (l *callLog) index(name string) int {
	for i, n := range l.calls() {
		if n == name {
			return i
		}
	}
	return -1
}
