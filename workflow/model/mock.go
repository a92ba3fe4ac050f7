package model

import (
	"context"
	"sync"
)

// MockChatModel is a scripted ChatModel for tests.
//
//	mock := &model.MockChatModel{Responses: []model.ChatOut{{Text: "first"}, {Text: "second"}}}
//
// Each call returns the next response; once they are used up the last one
// repeats. Err, when set, is returned instead. Every call is recorded.
type MockChatModel struct {
	Responses []ChatOut
	Err       error
	// Errs, when non-empty, is consumed one per call before Responses.
	// A nil entry falls through to the next response.
	Errs  []error
	Calls []MockChatCall

	mu        sync.Mutex
	callIndex int
	errIndex  int
}

// MockChatCall records one Chat invocation.
type MockChatCall struct {
	Messages []Message
	Options  CallOptions
}

func (m *MockChatModel) Chat(ctx context.Context, messages []Message, opts CallOptions) (ChatOut, error) {
	if ctx.Err() != nil {
		return ChatOut{}, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Calls = append(m.Calls, MockChatCall{
		Messages: append([]Message(nil), messages...),
		Options:  opts,
	})

	if m.errIndex < len(m.Errs) {
		err := m.Errs[m.errIndex]
		m.errIndex++
		if err != nil {
			return ChatOut{}, err
		}
	}
	if m.Err != nil {
		return ChatOut{}, m.Err
	}
	if len(m.Responses) == 0 {
		return ChatOut{}, nil
	}

	idx := m.callIndex
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	} else {
		m.callIndex++
	}
	return m.Responses[idx], nil
}

// Reset clears recorded calls and rewinds the scripts.
func (m *MockChatModel) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = nil
	m.callIndex = 0
	m.errIndex = 0
}

// CallCount returns the number of Chat calls so far.
func (m *MockChatModel) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

// LastCall returns the most recent call, if any.
func (m *MockChatModel) LastCall() (MockChatCall, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Calls) == 0 {
		return MockChatCall{}, false
	}
	return m.Calls[len(m.Calls)-1], true
}
