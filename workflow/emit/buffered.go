package emit

import "sync"

// BufferedEmitter keeps every event in memory, grouped by execution id.
//
// It is meant for tests and debugging; nothing is ever evicted unless
// Clear is called.
//
//	emitter := emit.NewBufferedEmitter()
//	engine, _ := workflow.New(registry, executor, workflow.WithEmitter(emitter))
//	state, _ := engine.Run(ctx, "etl", nil)
//	errs := emitter.GetHistoryWithFilter(state.ExecutionID(), emit.HistoryFilter{Msg: emit.NodeError})
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event
	order  []string
}

// HistoryFilter selects events; empty fields match everything.
type HistoryFilter struct {
	NodeName string
	Msg      string
}

// NewBufferedEmitter returns an empty BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.events[event.ExecutionID]; !ok {
		b.order = append(b.order, event.ExecutionID)
	}
	b.events[event.ExecutionID] = append(b.events[event.ExecutionID], event)
}

// GetHistory returns a copy of the events of one execution in emission order.
func (b *BufferedEmitter) GetHistory(executionID string) []Event {
	return b.GetHistoryWithFilter(executionID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of one execution matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	result := []Event{}
	for _, e := range b.events[executionID] {
		if filter.NodeName != "" && e.NodeName != filter.NodeName {
			continue
		}
		if filter.Msg != "" && e.Msg != filter.Msg {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Executions lists the execution ids seen, oldest first.
func (b *BufferedEmitter) Executions() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Clear drops the events of one execution.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.events, executionID)
	for i, id := range b.order {
		if id == executionID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

// ClearAll drops every stored event.
func (b *BufferedEmitter) ClearAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = make(map[string][]Event)
	b.order = nil
}
