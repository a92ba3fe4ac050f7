// Package openai adapts the OpenAI chat completions API to model.ChatModel.
package openai

import (
	"context"
	"errors"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/dshills/dagflow/workflow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gpt-3.5-turbo"

// ChatModel implements model.ChatModel on top of the official openai-go SDK.
//
//	m := openai.NewChatModel(os.Getenv("OPENAI_API_KEY"), "gpt-4o")
//	out, err := m.Chat(ctx, []model.Message{{Role: model.RoleUser, Content: "hi"}}, model.CallOptions{})
type ChatModel struct {
	modelName string
	client    completionClient
}

// completionClient is the slice of the SDK the adapter needs; tests swap it.
type completionClient interface {
	complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error)
}

// Option configures the SDK client.
type Option = option.RequestOption

// NewChatModel returns an adapter for modelName (DefaultModel when empty).
// Extra request options, such as option.WithBaseURL, are passed to the SDK.
func NewChatModel(apiKey, modelName string, opts ...Option) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{modelName: modelName}
	if apiKey == "" {
		m.client = missingKeyClient{}
		return m
	}
	client := openai.NewClient(append([]Option{option.WithAPIKey(apiKey)}, opts...)...)
	m.client = &sdkClient{client: &client}
	return m
}

// ModelName returns the configured model.
func (m *ChatModel) ModelName() string { return m.modelName }

func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.CallOptions) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	completion, err := m.client.complete(ctx, m.params(messages, opts))
	if err != nil {
		return model.ChatOut{}, wrapError(err)
	}
	if len(completion.Choices) == 0 {
		return model.ChatOut{}, &model.APIError{Provider: "openai", Err: errors.New("response contained no choices")}
	}

	return model.ChatOut{
		Text: completion.Choices[0].Message.Content,
		Usage: model.Usage{
			InputTokens:  int(completion.Usage.PromptTokens),
			OutputTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func (m *ChatModel) params(messages []model.Message, opts model.CallOptions) openai.ChatCompletionNewParams {
	name := m.modelName
	if opts.Model != "" {
		name = opts.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(name),
		Messages: convertMessages(messages),
	}
	if opts.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(opts.MaxTokens))
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	return params
}

func convertMessages(messages []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, msg := range messages {
		switch msg.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		default:
			out = append(out, openai.UserMessage(msg.Content))
		}
	}
	return out
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrNoAPIKey) {
		return err
	}
	apiErr := &model.APIError{Provider: "openai", Err: err}
	var sdkErr *openai.Error
	if errors.As(err, &sdkErr) {
		apiErr.StatusCode = sdkErr.StatusCode
	}
	return apiErr
}

type sdkClient struct {
	client *openai.Client
}

func (c *sdkClient) complete(ctx context.Context, params openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return c.client.Chat.Completions.New(ctx, params)
}

type missingKeyClient struct{}

func (missingKeyClient) complete(context.Context, openai.ChatCompletionNewParams) (*openai.ChatCompletion, error) {
	return nil, model.ErrNoAPIKey
}
