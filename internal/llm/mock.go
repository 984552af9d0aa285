package llm

import (
	"context"
	"errors"
	"sync"
)

// ErrMockExhausted is returned once a MockClient has no scripted replies left.
var ErrMockExhausted = errors.New("mock client: no scripted responses left")

// MockClient replays scripted responses in order and records each request.
type MockClient struct {
	mu        sync.Mutex
	ModelName string
	Responses []MockResponse
	Requests  []CompletionRequest
}

// MockResponse is one scripted reply. Err takes precedence over Response.
type MockResponse struct {
	Response *CompletionResponse
	Err      error
}

// NewMockClient scripts plain text replies.
func NewMockClient(replies ...string) *MockClient {
	m := &MockClient{ModelName: "mock"}
	for _, reply := range replies {
		m.Responses = append(m.Responses, MockResponse{Response: &CompletionResponse{Content: reply, StopReason: "stop"}})
	}
	return m
}

func (m *MockClient) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.Responses) == 0 {
		return nil, ErrMockExhausted
	}
	next := m.Responses[0]
	m.Responses = m.Responses[1:]
	if next.Err != nil {
		return nil, next.Err
	}
	return next.Response, nil
}

func (m *MockClient) Model() string {
	if m.ModelName == "" {
		return "mock"
	}
	return m.ModelName
}

// Calls returns a copy of the recorded requests.
func (m *MockClient) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CompletionRequest(nil), m.Requests...)
}
