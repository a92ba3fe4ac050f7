package emit

import "sync"

// Emitter receives lifecycle events from workflow executions.
//
// Emit is called from the scheduler and from concurrently running node
// tasks, so implementations must be safe for concurrent use. Delivery is
// best effort: Emit must not block the caller for long and must not panic.
// Wrap slow backends in an AsyncEmitter.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter struct {
	mu       sync.RWMutex
	emitters []Emitter
}

// NewMultiEmitter returns an emitter that forwards to every non-nil emitter.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	m := &MultiEmitter{}
	for _, e := range emitters {
		m.Add(e)
	}
	return m
}

// Add appends an emitter.
func (m *MultiEmitter) Add(e Emitter) {
	if e == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitters = append(m.emitters, e)
}

func (m *MultiEmitter) Emit(event Event) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.emitters {
		e.Emit(event)
	}
}
