package tool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrHTTPStatus is wrapped by HTTPTool when FailOnStatus is set and the
// server answers with a 4xx or 5xx status.
var ErrHTTPStatus = errors.New("http error status")

// HTTPTool makes an HTTP request.
//
// Input:
//   - url: target URL (required)
//   - method: "GET" or "POST", default "GET"
//   - headers: map of header values
//   - body: request body string
//
// Output:
//   - status_code: response status
//   - headers: response headers, single values flattened
//   - body: response body
type HTTPTool struct {
	client *http.Client

	// FailOnStatus turns 4xx and 5xx responses into errors so a retry
	// policy can act on them.
	FailOnStatus bool
}

// NewHTTPTool returns an HTTPTool using client, or a client with a 30s
// timeout when nil.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPTool{client: client}
}

func (h *HTTPTool) Name() string { return "http_request" }

func (h *HTTPTool) Call(ctx context.Context, input map[string]any) (map[string]any, error) {
	urlStr, ok := input["url"].(string)
	if !ok || urlStr == "" {
		return nil, errors.New("url parameter required (string)")
	}

	method := http.MethodGet
	if m, ok := input["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != http.MethodGet && method != http.MethodPost {
		return nil, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if s, ok := input["body"].(string); ok && s != "" {
		body = bytes.NewBufferString(s)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if headers, ok := input["headers"].(map[string]any); ok {
		for key, value := range headers {
			if s, ok := value.(string); ok {
				req.Header.Set(key, s)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if h.FailOnStatus && resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%w: %s %s returned %d", ErrHTTPStatus, method, urlStr, resp.StatusCode)
	}

	respHeaders := make(map[string]any, len(resp.Header))
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}
	return map[string]any{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}, nil
}
