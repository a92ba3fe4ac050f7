package tool

import (
	"context"
	"maps"
	"sync"
)

// MockTool is a scripted Tool for tests.
//
// Responses are returned in order and the last one repeats. Err, when set,
// is returned by every call. Calls are recorded.
type MockTool struct {
	ToolName  string
	Responses []map[string]any
	Err       error

	mu    sync.Mutex
	calls []map[string]any
	next  int
}

func (m *MockTool) Name() string { return m.ToolName }

func (m *MockTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, maps.Clone(input))
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.Responses) == 0 {
		return map[string]any{}, nil
	}
	idx := min(m.next, len(m.Responses)-1)
	if m.next < len(m.Responses) {
		m.next++
	}
	return maps.Clone(m.Responses[idx]), nil
}

// Calls returns a copy of the recorded inputs.
func (m *MockTool) Calls() []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]any, len(m.calls))
	copy(out, m.calls)
	return out
}

// Reset clears recorded calls and rewinds the responses.
func (m *MockTool) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
	m.next = 0
}
