package llm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/llm/provider"
)

func TestClient_Invoke_PrependsSystemPromptAndTools(t *testing.T) {
	mock := provider.NewMockProvider().AddText("hello")
	tools := []provider.Tool{{Name: "web_search"}}
	client := NewClient(mock, tools, ClientConfig{Model: "m1", Temperature: 0.2}, nil)

	history := []conversation.Message{conversation.NewUser("hi")}
	resp, err := client.Invoke(context.Background(), history)
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
	assert.Empty(t, resp.ToolCalls)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, DefaultSystemPrompt, calls[0].System)
	assert.Equal(t, "m1", calls[0].Model)
	assert.Equal(t, tools, calls[0].Tools)
	assert.Len(t, calls[0].Messages, 1)
}

func TestDefaultSystemPrompt_States_Policy(t *testing.T) {
	assert.True(t, strings.Contains(DefaultSystemPrompt, "at most 2 times"))
	assert.True(t, strings.Contains(DefaultSystemPrompt, `{"status":"ok","file_path":"..."}`))
}

func TestSystemPrompt_RendersQuota(t *testing.T) {
	p := SystemPrompt(3)
	assert.Contains(t, p, "at most 3 times")
	assert.Contains(t, p, "searched 3 times")
	assert.NotContains(t, p, "at most 2")

	assert.Contains(t, SystemPrompt(1), "at most 1 time.")
	assert.Equal(t, DefaultSystemPrompt, SystemPrompt(2))
}

func TestClient_Invoke_DecodesToolCalls(t *testing.T) {
	mock := provider.NewMockProvider().AddResponse(&provider.CompletionResponse{
		Content: "Searching.",
		ToolCalls: []provider.ToolCall{
			{ID: "a", Function: provider.FunctionCall{Name: "web_search", Arguments: json.RawMessage(`{"query":"go"}`)}},
			{ID: "", Function: provider.FunctionCall{Name: "write_file", Arguments: json.RawMessage(`"{\"file_path\":\"r.html\"}"`)}},
			{ID: "a", Function: provider.FunctionCall{Name: "web_search"}},
		},
	}, nil)
	client := NewClient(mock, nil, ClientConfig{}, nil)

	resp, err := client.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "Searching.", resp.Text)
	require.Len(t, resp.ToolCalls, 3)

	assert.Equal(t, "a", resp.ToolCalls[0].ID)
	assert.Equal(t, "go", resp.ToolCalls[0].Arg("query"))

	assert.True(t, strings.HasPrefix(resp.ToolCalls[1].ID, "call_"))
	assert.Equal(t, "r.html", resp.ToolCalls[1].Arg("file_path"))

	assert.NotEqual(t, "a", resp.ToolCalls[2].ID, "duplicate ids are replaced")
	assert.NotNil(t, resp.ToolCalls[2].Arguments)
}

func TestClient_Invoke_WrapsFailures(t *testing.T) {
	boom := errors.New("boom")
	mock := provider.NewMockProvider().
		AddResponse(nil, boom).
		AddResponse(&provider.CompletionResponse{ToolCalls: []provider.ToolCall{
			{ID: "x", Function: provider.FunctionCall{Name: "web_search", Arguments: json.RawMessage(`{not json`)}},
		}}, nil)
	client := NewClient(mock, nil, ClientConfig{}, nil)

	_, err := client.Invoke(context.Background(), nil)
	var invErr *InvocationError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, "mock", invErr.Provider)
	assert.ErrorIs(t, err, boom)

	_, err = client.Invoke(context.Background(), nil)
	require.ErrorAs(t, err, &invErr)
	assert.Contains(t, err.Error(), "undecodable arguments")
}

func TestClient_Invoke_ReplacesIDsAlreadyInHistory(t *testing.T) {
	mock := provider.NewMockProvider().AddToolCalls("",
		conversation.ToolCall{ID: "c1", Name: "web_search", Arguments: map[string]any{"query": "again"}})
	client := NewClient(mock, nil, ClientConfig{}, nil)

	history := []conversation.Message{
		conversation.NewUser("hi"),
		conversation.NewToolCall(conversation.ToolCall{ID: "c1", Name: "web_search"}),
		conversation.NewToolResult(conversation.ToolResult{CallID: "c1", Tool: "web_search", Status: conversation.StatusOK}),
	}
	resp, err := client.Invoke(context.Background(), history)
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 1)
	assert.NotEqual(t, "c1", resp.ToolCalls[0].ID)
}
