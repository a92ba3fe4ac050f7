package anthropic

import (
	"context"
	"errors"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/dshills/dagflow/workflow/model"
)

type mockClient struct {
	message *anthropic.Message
	err     error
	params  []anthropic.MessageNewParams
}

func (m *mockClient) create(_ context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	m.params = append(m.params, params)
	return m.message, m.err
}

func textReply(parts ...string) *anthropic.Message {
	msg := &anthropic.Message{}
	for _, p := range parts {
		msg.Content = append(msg.Content, anthropic.ContentBlockUnion{Type: "text", Text: p})
	}
	msg.Usage.InputTokens = 20
	msg.Usage.OutputTokens = 8
	return msg
}

func TestNewChatModel(t *testing.T) {
	if got := NewChatModel("key", "").ModelName(); got != DefaultModel {
		t.Errorf("default model = %q", got)
	}
	_, err := NewChatModel("", "").Chat(context.Background(), nil, model.CallOptions{})
	if !errors.Is(err, model.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestChat_SystemPromptAndText(t *testing.T) {
	client := &mockClient{message: textReply("Hello", ", world")}
	m := &ChatModel{modelName: "claude-test", client: client}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "You are terse."},
		{Role: model.RoleUser, Content: "Say hello"},
		{Role: model.RoleAssistant, Content: "Hi"},
		{Role: model.RoleUser, Content: "Again"},
	}, model.CallOptions{})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if out.Text != "Hello, world" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Usage.Total() != 28 {
		t.Errorf("Usage = %+v", out.Usage)
	}

	params := client.params[0]
	if len(params.System) != 1 || params.System[0].Text != "You are terse." {
		t.Errorf("system = %+v", params.System)
	}
	if len(params.Messages) != 3 {
		t.Fatalf("messages = %d, want 3 (system removed)", len(params.Messages))
	}
	if params.Messages[1].Role != anthropic.MessageParamRoleAssistant {
		t.Errorf("second message role = %q", params.Messages[1].Role)
	}
	if params.MaxTokens != defaultMaxTokens {
		t.Errorf("max tokens = %d, want default", params.MaxTokens)
	}
}

func TestChat_Options(t *testing.T) {
	client := &mockClient{message: textReply("ok")}
	m := &ChatModel{modelName: "claude-test", client: client}

	_, err := m.Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}},
		model.CallOptions{Model: "claude-other", MaxTokens: 256, Temperature: model.Float(0.5)})
	if err != nil {
		t.Fatal(err)
	}
	params := client.params[0]
	if string(params.Model) != "claude-other" || params.MaxTokens != 256 || params.Temperature.Value != 0.5 {
		t.Errorf("params = model %q tokens %d temp %v", params.Model, params.MaxTokens, params.Temperature.Value)
	}
	if len(params.System) != 0 {
		t.Error("no system block expected without system messages")
	}
}

func TestExtractSystemPrompt(t *testing.T) {
	system, rest := extractSystemPrompt([]model.Message{
		{Role: model.RoleSystem, Content: "a"},
		{Role: model.RoleUser, Content: "q"},
		{Role: model.RoleSystem, Content: "b"},
	})
	if system != "a\n\nb" {
		t.Errorf("system = %q", system)
	}
	if len(rest) != 1 || rest[0].Content != "q" {
		t.Errorf("rest = %+v", rest)
	}
}

func TestChat_ErrorWrapped(t *testing.T) {
	m := &ChatModel{client: &mockClient{err: errors.New("overloaded")}}
	_, err := m.Chat(context.Background(), nil, model.CallOptions{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Provider != "anthropic" {
		t.Fatalf("error = %v, want anthropic APIError", err)
	}
	if !model.IsTransient(err) {
		t.Error("overloaded should be transient")
	}
}
