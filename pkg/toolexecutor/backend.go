package toolexecutor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
)

// BackendRequest is a tool call forwarded out of process
type BackendRequest struct {
	SessionID string          `json:"sessionId"`
	AgentID   string          `json:"agentId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input"`
}

// Backend executes tools that are not registered locally
type Backend interface {
	Call(ctx context.Context, req BackendRequest) ([]byte, error)
}

// BackendFunc adapts a function to Backend
type BackendFunc func(ctx context.Context, req BackendRequest) ([]byte, error)

// Call calls f
func (f BackendFunc) Call(ctx context.Context, req BackendRequest) ([]byte, error) {
	return f(ctx, req)
}

const maxBackendResponse = 1 << 20

// HTTPBackend posts tool calls as JSON to a single endpoint
type HTTPBackend struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPBackend creates a backend for url
func NewHTTPBackend(url string, timeout time.Duration, headers map[string]string) *HTTPBackend {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPBackend{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Call posts req and returns the unwrapped payload
func (b *HTTPBackend) Call(ctx context.Context, req BackendRequest) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool call: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range b.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("tool backend request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendResponse))
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool backend returned status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	return Unwrap(data)
}

// Unwrap strips the {statusCode, body} and Bedrock action-group envelopes
// that function backends put around tool output.
func Unwrap(data []byte) ([]byte, error) {
	if !gjson.ValidBytes(data) {
		return data, nil
	}

	root := gjson.ParseBytes(data)
	if code := root.Get("statusCode"); code.Exists() && root.Get("body").Exists() {
		if code.Int() >= 400 {
			return nil, fmt.Errorf("tool returned status %d: %s", code.Int(), truncate(root.Get("body").String(), 200))
		}
		return resultBytes(root.Get("body")), nil
	}
	if body := root.Get("response.responseBody.TEXT.body"); body.Exists() {
		return resultBytes(body), nil
	}
	return data, nil
}

func resultBytes(r gjson.Result) []byte {
	if r.Type == gjson.String {
		return []byte(r.Str)
	}
	return []byte(r.Raw)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
