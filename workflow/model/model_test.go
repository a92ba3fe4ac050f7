package model

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
)

func TestMockChatModel_Sequence(t *testing.T) {
	m := &MockChatModel{Responses: []ChatOut{{Text: "one"}, {Text: "two"}}}
	ctx := context.Background()

	for _, want := range []string{"one", "two", "two"} {
		out, err := m.Chat(ctx, []Message{{Role: RoleUser, Content: "hi"}}, CallOptions{MaxTokens: 10})
		if err != nil {
			t.Fatalf("Chat() error = %v", err)
		}
		if out.Text != want {
			t.Errorf("Chat() = %q, want %q", out.Text, want)
		}
	}
	if m.CallCount() != 3 {
		t.Errorf("CallCount() = %d, want 3", m.CallCount())
	}
	last, ok := m.LastCall()
	if !ok || last.Options.MaxTokens != 10 || last.Messages[0].Content != "hi" {
		t.Errorf("LastCall() = %+v", last)
	}

	m.Reset()
	if m.CallCount() != 0 {
		t.Error("Reset should clear calls")
	}
	if out, _ := m.Chat(ctx, nil, CallOptions{}); out.Text != "one" {
		t.Errorf("after Reset Chat() = %q, want one", out.Text)
	}
}

func TestMockChatModel_Errors(t *testing.T) {
	boom := errors.New("boom")
	m := &MockChatModel{Errs: []error{boom, nil}, Responses: []ChatOut{{Text: "ok"}}}
	ctx := context.Background()

	if _, err := m.Chat(ctx, nil, CallOptions{}); !errors.Is(err, boom) {
		t.Errorf("first call error = %v, want boom", err)
	}
	if out, err := m.Chat(ctx, nil, CallOptions{}); err != nil || out.Text != "ok" {
		t.Errorf("second call = %q, %v", out.Text, err)
	}

	m = &MockChatModel{Err: boom}
	if _, err := m.Chat(ctx, nil, CallOptions{}); !errors.Is(err, boom) {
		t.Errorf("Err not returned: %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := m.Chat(cancelled, nil, CallOptions{}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled ctx error = %v", err)
	}
}

func TestMockChatModel_Concurrent(t *testing.T) {
	m := &MockChatModel{Responses: []ChatOut{{Text: "x"}}}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Chat(context.Background(), nil, CallOptions{})
		}()
	}
	wg.Wait()
	if m.CallCount() != 20 {
		t.Errorf("CallCount() = %d, want 20", m.CallCount())
	}
}

func TestUsageTotal(t *testing.T) {
	if got := (Usage{InputTokens: 3, OutputTokens: 4}).Total(); got != 7 {
		t.Errorf("Total() = %d, want 7", got)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"no key", ErrNoAPIKey, false},
		{"deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), true},
		{"rate limited", &APIError{Provider: "openai", StatusCode: 429, Err: errors.New("slow down")}, true},
		{"server error", &APIError{Provider: "openai", StatusCode: 503, Err: errors.New("unavailable")}, true},
		{"bad request", &APIError{Provider: "openai", StatusCode: 400, Err: errors.New("timeout param invalid")}, false},
		{"network", errors.New("dial tcp: connection refused"), true},
		{"other", errors.New("invalid prompt"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestAPIError_Unwrap(t *testing.T) {
	inner := errors.New("quota")
	err := fmt.Errorf("node: %w", &APIError{Provider: "anthropic", StatusCode: 429, Err: inner})
	if !errors.Is(err, inner) {
		t.Error("APIError should unwrap to its cause")
	}
	if got := (&APIError{Provider: "google", Err: inner}).Error(); got != "google: quota" {
		t.Errorf("Error() = %q", got)
	}
}
