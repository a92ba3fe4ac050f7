package emit

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// AsyncEmitter decouples the scheduler from a slow or remote emitter.
//
// Emit enqueues into a bounded buffer and returns immediately. When the
// buffer is full the event is dropped and counted. A single goroutine
// delivers queued events to the wrapped emitter in order; a panic in the
// wrapped emitter is recovered and logged.
type AsyncEmitter struct {
	next    Emitter
	logger  *zap.Logger
	queue   chan Event
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
}

// NewAsyncEmitter starts the delivery goroutine. bufferSize <= 0 uses 1024.
func NewAsyncEmitter(next Emitter, bufferSize int, logger *zap.Logger) *AsyncEmitter {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &AsyncEmitter{
		next:   next,
		logger: logger,
		queue:  make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go a.run()
	return a
}

func (a *AsyncEmitter) Emit(event Event) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		a.dropped.Add(1)
		return
	}
	select {
	case a.queue <- event:
	default:
		a.dropped.Add(1)
	}
}

// Dropped returns the number of events discarded so far.
func (a *AsyncEmitter) Dropped() int64 { return a.dropped.Load() }

// Close stops accepting events and waits until the queue is delivered.
func (a *AsyncEmitter) Close() {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	<-a.done
}

func (a *AsyncEmitter) run() {
	defer close(a.done)
	for event := range a.queue {
		a.deliver(event)
	}
}

func (a *AsyncEmitter) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("event emitter panicked",
				zap.String("event", event.Msg),
				zap.Any("panic", r))
		}
	}()
	a.next.Emit(event)
}
