// Package model defines the chat model contract used by AI nodes and the
// provider adapters that implement it.
//
// Adapters live in subpackages (openai, anthropic, google) and wrap the
// official SDKs. MockChatModel is provided for tests.
package model

import (
	"context"
	"errors"
	"strings"
)

// ChatModel sends a conversation to an LLM and returns its reply.
//
// Implementations must respect ctx cancellation and be safe for concurrent
// use; several AI nodes may share one model.
type ChatModel interface {
	Chat(ctx context.Context, messages []Message, opts CallOptions) (ChatOut, error)
}

// Message is one turn of a conversation.
type Message struct {
	Role    string
	Content string
}

// Conversation roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// CallOptions tunes a single request. Zero values leave the provider default.
type CallOptions struct {
	// Model overrides the adapter's configured model name.
	Model     string
	MaxTokens int
	// Temperature is sent when non-nil, so an explicit 0 is expressible.
	Temperature *float64
}

// Float returns a pointer to v, for CallOptions.Temperature.
func Float(v float64) *float64 { return &v }

// ChatOut is the model reply.
type ChatOut struct {
	Text  string
	Usage Usage
}

// Usage reports token consumption when the provider returns it.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Total returns input plus output tokens.
func (u Usage) Total() int { return u.InputTokens + u.OutputTokens }

// ErrNoAPIKey is returned by adapters constructed without credentials.
var ErrNoAPIKey = errors.New("model: API key is required")

// APIError is a provider failure with its HTTP status, when known.
type APIError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *APIError) Error() string {
	return e.Provider + ": " + e.Err.Error()
}

func (e *APIError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: rate limits, server
// errors and network failures. It is suitable as a RetryPolicy.Retryable
// predicate for AI nodes.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, ErrNoAPIKey) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"timeout", "connection", "temporary", "rate limit", "overloaded"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}
