package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/openai/openai-go"

	"github.com/dshills/dagflow/workflow/model"
)

type mockClient struct {
	completion *openai.ChatCompletion
	err        error
	params     []openai.ChatCompletionNewParams
}

func (m *mockClient) complete(_ context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	m.params = append(m.params, params)
	return m.completion, m.err
}

func reply(text string) *openai.ChatCompletion {
	c := &openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: text}}},
	}
	c.Usage.PromptTokens = 12
	c.Usage.CompletionTokens = 5
	return c
}

func TestNewChatModel(t *testing.T) {
	if got := NewChatModel("key", "").ModelName(); got != DefaultModel {
		t.Errorf("default model = %q, want %q", got, DefaultModel)
	}
	if got := NewChatModel("key", "gpt-4o").ModelName(); got != "gpt-4o" {
		t.Errorf("model = %q", got)
	}
}

func TestChat_MissingKey(t *testing.T) {
	_, err := NewChatModel("", "").Chat(context.Background(), nil, model.CallOptions{})
	if !errors.Is(err, model.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestChat_ReturnsTextAndUsage(t *testing.T) {
	client := &mockClient{completion: reply("Paris")}
	m := &ChatModel{modelName: "gpt-4o", client: client}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "be brief"},
		{Role: model.RoleUser, Content: "capital of France?"},
	}, model.CallOptions{MaxTokens: 100, Temperature: model.Float(0.2)})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if out.Text != "Paris" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Usage.InputTokens != 12 || out.Usage.OutputTokens != 5 {
		t.Errorf("Usage = %+v", out.Usage)
	}

	params := client.params[0]
	if string(params.Model) != "gpt-4o" {
		t.Errorf("model = %q", params.Model)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil || params.Messages[1].OfUser == nil {
		t.Errorf("messages not converted by role: %+v", params.Messages)
	}
	if params.MaxTokens.Value != 100 {
		t.Errorf("max tokens = %v", params.MaxTokens.Value)
	}
	if params.Temperature.Value != 0.2 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
}

func TestChat_ModelOverride(t *testing.T) {
	client := &mockClient{completion: reply("ok")}
	m := &ChatModel{modelName: "gpt-4o", client: client}
	if _, err := m.Chat(context.Background(), nil, model.CallOptions{Model: "gpt-4o-mini"}); err != nil {
		t.Fatal(err)
	}
	if string(client.params[0].Model) != "gpt-4o-mini" {
		t.Errorf("model = %q, want override", client.params[0].Model)
	}
}

func TestChat_Errors(t *testing.T) {
	t.Run("no choices", func(t *testing.T) {
		m := &ChatModel{client: &mockClient{completion: &openai.ChatCompletion{}}}
		_, err := m.Chat(context.Background(), nil, model.CallOptions{})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) {
			t.Errorf("error = %v, want APIError", err)
		}
	})

	t.Run("transport error is wrapped", func(t *testing.T) {
		m := &ChatModel{client: &mockClient{err: errors.New("connection reset")}}
		_, err := m.Chat(context.Background(), nil, model.CallOptions{})
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Provider != "openai" {
			t.Fatalf("error = %v, want openai APIError", err)
		}
		if !model.IsTransient(err) {
			t.Error("connection errors should be transient")
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		client := &mockClient{completion: reply("x")}
		m := &ChatModel{client: client}
		if _, err := m.Chat(ctx, nil, model.CallOptions{}); !errors.Is(err, context.Canceled) {
			t.Errorf("error = %v", err)
		}
		if len(client.params) != 0 {
			t.Error("client should not be called after cancellation")
		}
	})
}
