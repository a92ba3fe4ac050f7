package emit

import (
	"sync"
	"testing"
	"time"
)

func TestBufferedEmitter_GroupsByExecution(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{ExecutionID: "e1", Msg: WorkflowStart})
	b.Emit(Event{ExecutionID: "e2", Msg: WorkflowStart})
	b.Emit(Event{ExecutionID: "e1", NodeName: "a", Msg: NodeStart})
	b.Emit(Event{ExecutionID: "e1", NodeName: "a", Msg: NodeComplete})
	b.Emit(Event{ExecutionID: "e1", NodeName: "b", Msg: NodeError})

	if got := len(b.GetHistory("e1")); got != 4 {
		t.Fatalf("e1 history = %d events, want 4", got)
	}
	if got := b.GetHistoryWithFilter("e1", HistoryFilter{NodeName: "a"}); len(got) != 2 {
		t.Errorf("node filter = %d events, want 2", len(got))
	}
	got := b.GetHistoryWithFilter("e1", HistoryFilter{Msg: NodeError})
	if len(got) != 1 || got[0].NodeName != "b" {
		t.Errorf("msg filter = %+v, want one node_error for b", got)
	}
	if ids := b.Executions(); len(ids) != 2 || ids[0] != "e1" || ids[1] != "e2" {
		t.Errorf("Executions() = %v, want [e1 e2]", ids)
	}

	b.Clear("e1")
	if got := b.GetHistory("e1"); len(got) != 0 {
		t.Errorf("history after Clear = %d events", len(got))
	}
	if ids := b.Executions(); len(ids) != 1 || ids[0] != "e2" {
		t.Errorf("Executions() after Clear = %v", ids)
	}

	b.ClearAll()
	if ids := b.Executions(); len(ids) != 0 {
		t.Errorf("Executions() after ClearAll = %v", ids)
	}
}

func TestBufferedEmitter_UnknownExecution(t *testing.T) {
	b := NewBufferedEmitter()
	got := b.GetHistory("missing")
	if got == nil || len(got) != 0 {
		t.Errorf("GetHistory(missing) = %#v, want empty non-nil slice", got)
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Emit(Event{ExecutionID: "e", Msg: NodeStart})
		}()
	}
	wg.Wait()
	if got := len(b.GetHistory("e")); got != 50 {
		t.Errorf("history = %d events, want 50", got)
	}
}

func TestMultiEmitter_FansOut(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	m := NewMultiEmitter(a, nil, NewNullEmitter())
	m.Add(b)
	m.Add(nil)

	m.Emit(Event{ExecutionID: "e", Msg: WorkflowStart})

	if len(a.GetHistory("e")) != 1 || len(b.GetHistory("e")) != 1 {
		t.Error("every emitter should receive the event")
	}
}

func TestEvent_IsWorkflowEvent(t *testing.T) {
	if !(Event{Msg: WorkflowStart}).IsWorkflowEvent() {
		t.Error("event without node should be a workflow event")
	}
	if (Event{NodeName: "a", Msg: NodeStart}).IsWorkflowEvent() {
		t.Error("node event reported as workflow event")
	}
}

// gateEmitter blocks each delivery until released.
type gateEmitter struct {
	entered chan struct{}
	release chan struct{}
	mu      sync.Mutex
	got     []Event
}

func (g *gateEmitter) Emit(e Event) {
	g.entered <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.got = append(g.got, e)
	g.mu.Unlock()
}

func TestAsyncEmitter_DropsWhenFull(t *testing.T) {
	gate := &gateEmitter{entered: make(chan struct{}, 10), release: make(chan struct{})}
	a := NewAsyncEmitter(gate, 1, nil)

	a.Emit(Event{Msg: "first"})
	select {
	case <-gate.entered:
	case <-time.After(time.Second):
		t.Fatal("first event never delivered")
	}
	a.Emit(Event{Msg: "second"}) // queued
	a.Emit(Event{Msg: "third"})  // buffer full

	if got := a.Dropped(); got != 1 {
		t.Errorf("Dropped() = %d, want 1", got)
	}

	close(gate.release)
	a.Close()

	if len(gate.got) != 2 || gate.got[0].Msg != "first" || gate.got[1].Msg != "second" {
		t.Errorf("delivered = %+v, want first then second", gate.got)
	}

	a.Emit(Event{Msg: "late"})
	if got := a.Dropped(); got != 2 {
		t.Errorf("emit after Close should count as dropped, got %d", got)
	}
}

type panicEmitter struct{ calls int }

func (p *panicEmitter) Emit(Event) {
	p.calls++
	panic("sink down")
}

func TestAsyncEmitter_RecoversPanics(t *testing.T) {
	p := &panicEmitter{}
	a := NewAsyncEmitter(p, 0, nil)
	a.Emit(Event{Msg: "one"})
	a.Emit(Event{Msg: "two"})
	a.Close()
	a.Close()

	if p.calls != 2 {
		t.Errorf("calls = %d, want 2 (delivery continues after a panic)", p.calls)
	}
}
