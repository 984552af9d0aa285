package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	crewerrors "github.com/richlaw1986/content-gap-crew-sub000/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIClientCompleteSuccess(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "value", r.Header.Get("X-Custom"))

		var payload map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		assert.Equal(t, "override-model", payload["model"])
		assert.Equal(t, "auto", payload["tool_choice"])
		messages := payload["messages"].([]any)
		require.Len(t, messages, 3)
		toolMsg := messages[2].(map[string]any)
		assert.Equal(t, "call-0", toolMsg["tool_call_id"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []any{map[string]any{
				"message": map[string]any{
					"content": "hello",
					"tool_calls": []any{map[string]any{
						"id":   "call-1",
						"type": "function",
						"function": map[string]any{
							"name":      "web_fetch",
							"arguments": `{"url":"https://example.com"}`,
						},
					}},
				},
				"finish_reason": "tool_calls",
			}},
			"usage": map[string]any{"prompt_tokens": 3, "completion_tokens": 4, "total_tokens": 7},
		})
	}))
	defer server.Close()

	client := NewOpenAIClient("test-model", Config{
		BaseURL: server.URL,
		APIKey:  "test-key",
		Timeout: 5 * time.Second,
		Headers: map[string]string{"X-Custom": "value"},
	})

	resp, err := client.Complete(context.Background(), CompletionRequest{
		Model: "override-model",
		Messages: []Message{
			{Role: RoleSystem, Content: "sys"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call-0", Name: "web_fetch"}}},
			{Role: RoleTool, Content: "page", ToolCallID: "call-0"},
		},
		Tools: []ToolDefinition{{Name: "web_fetch", Description: "fetch"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.Equal(t, "tool_calls", resp.StopReason)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "web_fetch", resp.ToolCalls[0].Name)
	assert.Equal(t, "https://example.com", resp.ToolCalls[0].Arguments["url"])
}

func TestOpenAIClientClassifiesHTTPErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		retryAfter string
		transient  bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, retryAfter: "7", transient: true},
		{name: "server error", status: http.StatusBadGateway, transient: true},
		{name: "bad request", status: http.StatusBadRequest, transient: false},
		{name: "unauthorized", status: http.StatusUnauthorized, transient: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
			}))
			defer server.Close()

			client := NewOpenAIClient("m", Config{BaseURL: server.URL})
			_, err := client.Complete(context.Background(), CompletionRequest{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			require.Error(t, err)
			assert.Equal(t, tt.transient, crewerrors.IsTransient(err))
			assert.Contains(t, err.Error(), "boom")

			var transient *crewerrors.TransientError
			if tt.retryAfter != "" && errors.As(err, &transient) {
				assert.Equal(t, 7, transient.RetryAfter)
			}
		})
	}
}

func TestOpenAIClientEmptyChoicesIsTransient(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	_, err := NewOpenAIClient("m", Config{BaseURL: server.URL}).Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.True(t, crewerrors.IsTransient(err))
}

func TestRetryClientRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	mock := &MockClient{Responses: []MockResponse{
		{Err: &crewerrors.TransientError{Err: errors.New("flaky"), StatusCode: 503}},
		{Response: &CompletionResponse{Content: "ok"}},
	}}
	client := NewRetryClient(mock, crewerrors.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	resp, err := client.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Len(t, mock.Calls(), 2)
}

func TestRetryClientStopsOnPermanentFailure(t *testing.T) {
	t.Parallel()

	mock := &MockClient{Responses: []MockResponse{
		{Err: &crewerrors.PermanentError{Err: errors.New("denied"), StatusCode: 403}},
		{Response: &CompletionResponse{Content: "unreachable"}},
	}}
	client := NewRetryClient(mock, crewerrors.RetryConfig{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	_, err := client.Complete(context.Background(), CompletionRequest{})
	require.Error(t, err)
	assert.Len(t, mock.Calls(), 1)
}

func TestInstrumentedClientPassesThroughWithNilCollectors(t *testing.T) {
	t.Parallel()

	mock := NewMockClient("hi")
	client := NewInstrumentedClient(mock, nil, nil)
	resp, err := client.Complete(context.Background(), CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, "mock", client.Model())
}

func TestParseToolArgumentsRepairsNearJSON(t *testing.T) {
	t.Parallel()

	args, err := parseToolArguments(`{"url": "https://example.com",}`)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", args["url"])

	empty, err := parseToolArguments("  ")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
