package provider

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/aixgo-dev/hitl/internal/conversation"
)

func init() {
	RegisterFactory("mock", func(config map[string]any) (Provider, error) {
		m := NewMockProvider()
		m.Fallback = echoLastUser
		return m, nil
	})
}

// MockProvider replays scripted responses in order and records every request.
// Once the script is exhausted it defers to Fallback, or fails with
// ErrorCodeEmptyResponse when Fallback is nil.
type MockProvider struct {
	Fallback func(CompletionRequest) *CompletionResponse

	responses []*CompletionResponse
	errors    []error
	calls     []CompletionRequest
	callIndex int
	mu        sync.Mutex
}

// NewMockProvider creates an empty mock provider
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Name returns the provider name
func (m *MockProvider) Name() string {
	return "mock"
}

// CreateCompletion returns the next scripted response.
func (m *MockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := req
	snapshot.Messages = append([]conversation.Message(nil), req.Messages...)
	m.calls = append(m.calls, snapshot)

	if m.callIndex >= len(m.responses) {
		if m.Fallback != nil {
			return m.Fallback(req), nil
		}
		return nil, NewProviderError("mock", ErrorCodeEmptyResponse, "mock script exhausted", nil)
	}

	resp, err := m.responses[m.callIndex], m.errors[m.callIndex]
	m.callIndex++
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// AddResponse queues a response (or an error) for the next call.
func (m *MockProvider) AddResponse(resp *CompletionResponse, err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	m.errors = append(m.errors, err)
	return m
}

// AddText queues a plain text reply.
func (m *MockProvider) AddText(text string) *MockProvider {
	return m.AddResponse(&CompletionResponse{Content: text, FinishReason: "stop"}, nil)
}

// AddToolCalls queues a reply that requests the given calls. Arguments are
// marshaled as JSON.
func (m *MockProvider) AddToolCalls(text string, calls ...conversation.ToolCall) *MockProvider {
	resp := &CompletionResponse{Content: text, FinishReason: "tool_calls"}
	for _, c := range calls {
		args, _ := json.Marshal(c.Arguments)
		resp.ToolCalls = append(resp.ToolCalls, ToolCall{
			ID:       c.ID,
			Type:     "function",
			Function: FunctionCall{Name: c.Name, Arguments: args},
		})
	}
	return m.AddResponse(resp, nil)
}

// Calls returns all recorded requests
func (m *MockProvider) Calls() []CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := make([]CompletionRequest, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// Remaining reports how many scripted responses have not been consumed.
func (m *MockProvider) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.responses) - m.callIndex
}

func echoLastUser(req CompletionRequest) *CompletionResponse {
	text := "(mock) no input"
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Kind == conversation.KindUser {
			text = "(mock) " + req.Messages[i].Text
			break
		}
	}
	return &CompletionResponse{Content: text, FinishReason: "stop"}
}
