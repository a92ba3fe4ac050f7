package google

import (
	"context"
	"errors"
	"testing"

	"github.com/google/generative-ai-go/genai"

	"github.com/dshills/dagflow/workflow/model"
)

type mockClient struct {
	resp *genai.GenerateContentResponse
	err  error
	reqs []request
}

func (m *mockClient) generate(_ context.Context, req request) (*genai.GenerateContentResponse, error) {
	m.reqs = append(m.reqs, req)
	return m.resp, m.err
}

func textResponse(parts ...string) *genai.GenerateContentResponse {
	content := &genai.Content{}
	for _, p := range parts {
		content.Parts = append(content.Parts, genai.Text(p))
	}
	return &genai.GenerateContentResponse{
		Candidates:    []*genai.Candidate{{Content: content}},
		UsageMetadata: &genai.UsageMetadata{PromptTokenCount: 9, CandidatesTokenCount: 3},
	}
}

func TestNewChatModel(t *testing.T) {
	if got := NewChatModel("key", "").ModelName(); got != DefaultModel {
		t.Errorf("default model = %q", got)
	}
	_, err := NewChatModel("", "").Chat(context.Background(), []model.Message{{Role: model.RoleUser, Content: "x"}}, model.CallOptions{})
	if !errors.Is(err, model.ErrNoAPIKey) {
		t.Errorf("error = %v, want ErrNoAPIKey", err)
	}
}

func TestChat_BuildsRequest(t *testing.T) {
	client := &mockClient{resp: textResponse("line one", "line two")}
	m := &ChatModel{modelName: "gemini-test", client: client}

	out, err := m.Chat(context.Background(), []model.Message{
		{Role: model.RoleSystem, Content: "rules"},
		{Role: model.RoleUser, Content: "question"},
		{Role: model.RoleUser, Content: ""},
	}, model.CallOptions{MaxTokens: 64, Temperature: model.Float(0.3)})
	if err != nil {
		t.Fatalf("Chat() error = %v", err)
	}
	if out.Text != "line one\nline two" {
		t.Errorf("Text = %q", out.Text)
	}
	if out.Usage.InputTokens != 9 || out.Usage.OutputTokens != 3 {
		t.Errorf("Usage = %+v", out.Usage)
	}

	req := client.reqs[0]
	if req.model != "gemini-test" || req.system != "rules" {
		t.Errorf("request = %+v", req)
	}
	if len(req.parts) != 1 {
		t.Errorf("parts = %d, want 1 (empty content dropped)", len(req.parts))
	}
	if req.maxTokens != 64 {
		t.Errorf("maxTokens = %d", req.maxTokens)
	}
	if req.temperature == nil || *req.temperature != 0.3 {
		t.Errorf("temperature = %v", req.temperature)
	}
}

func TestConvertResponse_Safety(t *testing.T) {
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonSafety}},
	}
	_, err := convertResponse(resp)
	var safety *SafetyFilterError
	if !errors.As(err, &safety) {
		t.Fatalf("error = %v, want SafetyFilterError", err)
	}

	blocked := &genai.GenerateContentResponse{
		PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
	}
	if _, err := convertResponse(blocked); !errors.As(err, &safety) {
		t.Errorf("blocked prompt error = %v", err)
	}
}

func TestConvertResponse_Empty(t *testing.T) {
	out, err := convertResponse(&genai.GenerateContentResponse{})
	if err != nil || out.Text != "" {
		t.Errorf("empty response = %+v, %v", out, err)
	}
}

func TestChat_ErrorWrapped(t *testing.T) {
	m := &ChatModel{client: &mockClient{err: errors.New("quota exceeded")}}
	_, err := m.Chat(context.Background(), nil, model.CallOptions{})
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Provider != "google" {
		t.Errorf("error = %v, want google APIError", err)
	}
}
