package tool

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/dagflow/workflow"
)

func TestHTTPTool_Get(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "token", r.Header.Get("Authorization"))
		w.Header().Set("X-Test", "yes")
		_, _ = io.WriteString(w, "hello")
	}))
	defer srv.Close()

	out, err := NewHTTPTool(srv.Client()).Call(context.Background(), map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"Authorization": "token"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, out["status_code"])
	assert.Equal(t, "hello", out["body"])
	assert.Equal(t, "yes", out["headers"].(map[string]any)["X-Test"])
}

func TestHTTPTool_PostBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = w.Write(body)
	}))
	defer srv.Close()

	out, err := NewHTTPTool(nil).Call(context.Background(), map[string]any{
		"url": srv.URL, "method": "post", "body": "payload",
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", out["body"])
}

func TestHTTPTool_InvalidInput(t *testing.T) {
	h := NewHTTPTool(nil)
	_, err := h.Call(context.Background(), map[string]any{})
	assert.Error(t, err)

	_, err = h.Call(context.Background(), map[string]any{"url": "http://localhost", "method": "DELETE"})
	assert.ErrorContains(t, err, "unsupported HTTP method")
}

func TestHTTPTool_FailOnStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHTTPTool(srv.Client())
	out, err := h.Call(context.Background(), map[string]any{"url": srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, out["status_code"])

	h.FailOnStatus = true
	_, err = h.Call(context.Background(), map[string]any{"url": srv.URL})
	assert.ErrorIs(t, err, ErrHTTPStatus)
}

func TestMockTool(t *testing.T) {
	m := &MockTool{ToolName: "lookup", Responses: []map[string]any{{"n": 1}, {"n": 2}}}
	ctx := context.Background()

	for _, want := range []int{1, 2, 2} {
		out, err := m.Call(ctx, map[string]any{"q": "x"})
		require.NoError(t, err)
		assert.Equal(t, want, out["n"])
	}
	assert.Len(t, m.Calls(), 3)

	m.Reset()
	assert.Empty(t, m.Calls())

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err := m.Call(cancelled, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWork_MergesInputsOverParams(t *testing.T) {
	m := &MockTool{ToolName: "lookup", Responses: []map[string]any{{"answer": 42}}}
	inv := &workflow.Invocation{
		Params: map[string]any{"q": "default", "limit": 5},
		Inputs: map[string]any{"q": "override"},
	}

	result, err := Work(m, "lookup_").Invoke(context.Background(), inv)
	require.NoError(t, err)
	assert.Equal(t, workflow.Outputs{"lookup_answer": 42}, result)
	assert.Equal(t, map[string]any{"q": "override", "limit": 5}, m.Calls()[0])
}

func TestWork_PropagatesError(t *testing.T) {
	boom := errors.New("boom")
	_, err := Work(&MockTool{Err: boom}, "").Invoke(context.Background(), &workflow.Invocation{})
	assert.ErrorIs(t, err, boom)
}
