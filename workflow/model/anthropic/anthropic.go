// Package anthropic adapts the Anthropic Messages API to model.ChatModel.
package anthropic

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dshills/dagflow/workflow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "claude-3-5-sonnet-latest"

// defaultMaxTokens is sent when the caller sets none; the API requires it.
const defaultMaxTokens = 4096

// ChatModel implements model.ChatModel with anthropic-sdk-go.
//
// System messages are lifted out of the conversation into the request's
// system parameter, the way the Messages API expects.
type ChatModel struct {
	modelName string
	client    messageClient
}

type messageClient interface {
	create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// NewChatModel returns an adapter for modelName (DefaultModel when empty).
func NewChatModel(apiKey, modelName string, opts ...option.RequestOption) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	m := &ChatModel{modelName: modelName}
	if apiKey == "" {
		m.client = missingKeyClient{}
		return m
	}
	client := anthropic.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	m.client = &sdkClient{client: &client}
	return m
}

// ModelName returns the configured model.
func (m *ChatModel) ModelName() string { return m.modelName }

func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.CallOptions) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	system, conversation := extractSystemPrompt(messages)
	name := m.modelName
	if opts.Model != "" {
		name = opts.Model
	}
	maxTokens := int64(defaultMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(name),
		MaxTokens: maxTokens,
		Messages:  convertMessages(conversation),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}

	message, err := m.client.create(ctx, params)
	if err != nil {
		return model.ChatOut{}, wrapError(err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return model.ChatOut{
		Text: text.String(),
		Usage: model.Usage{
			InputTokens:  int(message.Usage.InputTokens),
			OutputTokens: int(message.Usage.OutputTokens),
		},
	}, nil
}

// extractSystemPrompt joins all system messages and returns the rest.
func extractSystemPrompt(messages []model.Message) (string, []model.Message) {
	var system []string
	var rest []model.Message
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		rest = append(rest, msg)
	}
	return strings.Join(system, "\n\n"), rest
}

func convertMessages(messages []model.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == model.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(block))
		} else {
			out = append(out, anthropic.NewUserMessage(block))
		}
	}
	return out
}

func wrapError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrNoAPIKey) {
		return err
	}
	apiErr := &model.APIError{Provider: "anthropic", Err: err}
	var sdkErr *anthropic.Error
	if errors.As(err, &sdkErr) {
		apiErr.StatusCode = sdkErr.StatusCode
	}
	return apiErr
}

type sdkClient struct {
	client *anthropic.Client
}

func (c *sdkClient) create(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	return c.client.Messages.New(ctx, params)
}

type missingKeyClient struct{}

func (missingKeyClient) create(context.Context, anthropic.MessageNewParams) (*anthropic.Message, error) {
	return nil, model.ErrNoAPIKey
}
