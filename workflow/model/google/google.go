// Package google adapts Gemini (generative-ai-go) to model.ChatModel.
package google

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/dshills/dagflow/workflow/model"
)

// DefaultModel is used when no model name is given.
const DefaultModel = "gemini-2.5-flash"

// ChatModel implements model.ChatModel for Gemini.
//
// A genai client is opened per call and closed afterwards, so the adapter
// holds no connections between AI node executions.
type ChatModel struct {
	apiKey    string
	modelName string
	client    contentClient
}

// request is the provider-neutral form of one Gemini call.
type request struct {
	model       string
	system      string
	parts       []genai.Part
	maxTokens   int32
	temperature *float32
}

type contentClient interface {
	generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error)
}

// NewChatModel returns an adapter for modelName (DefaultModel when empty).
func NewChatModel(apiKey, modelName string) *ChatModel {
	if modelName == "" {
		modelName = DefaultModel
	}
	return &ChatModel{
		apiKey:    apiKey,
		modelName: modelName,
		client:    &sdkClient{apiKey: apiKey},
	}
}

// ModelName returns the configured model.
func (m *ChatModel) ModelName() string { return m.modelName }

func (m *ChatModel) Chat(ctx context.Context, messages []model.Message, opts model.CallOptions) (model.ChatOut, error) {
	if err := ctx.Err(); err != nil {
		return model.ChatOut{}, err
	}

	req := request{model: m.modelName, maxTokens: int32(opts.MaxTokens)}
	if opts.Temperature != nil {
		t := float32(*opts.Temperature)
		req.temperature = &t
	}
	if opts.Model != "" {
		req.model = opts.Model
	}
	var system []string
	for _, msg := range messages {
		if msg.Role == model.RoleSystem {
			system = append(system, msg.Content)
			continue
		}
		if msg.Content != "" {
			req.parts = append(req.parts, genai.Text(msg.Content))
		}
	}
	req.system = strings.Join(system, "\n\n")

	resp, err := m.client.generate(ctx, req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, model.ErrNoAPIKey) {
			return model.ChatOut{}, err
		}
		return model.ChatOut{}, &model.APIError{Provider: "google", Err: err}
	}
	return convertResponse(resp)
}

// SafetyFilterError reports a response withheld by Gemini's safety filters.
type SafetyFilterError struct {
	Reason string
}

func (e *SafetyFilterError) Error() string {
	return "content blocked by safety filter: " + e.Reason
}

func convertResponse(resp *genai.GenerateContentResponse) (model.ChatOut, error) {
	out := model.ChatOut{}
	if resp == nil {
		return out, nil
	}
	if resp.UsageMetadata != nil {
		out.Usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return out, &SafetyFilterError{Reason: resp.PromptFeedback.BlockReason.String()}
	}
	if len(resp.Candidates) == 0 {
		return out, nil
	}
	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return out, &SafetyFilterError{Reason: candidate.FinishReason.String()}
	}
	if candidate.Content == nil {
		return out, nil
	}
	var text []string
	for _, part := range candidate.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text = append(text, string(t))
		}
	}
	out.Text = strings.Join(text, "\n")
	return out, nil
}

type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generate(ctx context.Context, req request) (*genai.GenerateContentResponse, error) {
	if c.apiKey == "" {
		return nil, model.ErrNoAPIKey
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("create client: %w", err)
	}
	defer func() { _ = client.Close() }()

	gm := client.GenerativeModel(req.model)
	if req.system != "" {
		gm.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.system)}}
	}
	if req.maxTokens > 0 {
		gm.SetMaxOutputTokens(req.maxTokens)
	}
	if req.temperature != nil {
		gm.SetTemperature(*req.temperature)
	}
	return gm.GenerateContent(ctx, req.parts...)
}
