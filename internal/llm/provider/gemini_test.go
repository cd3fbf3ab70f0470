package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

func newTestGenAIProvider(t *testing.T, handler http.HandlerFunc) *GenAIProvider {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	p, err := NewGenAIProvider("gemini", &genai.ClientConfig{
		APIKey:      "test-key",
		Backend:     genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{BaseURL: server.URL},
	})
	require.NoError(t, err)
	return p
}

func TestGenAIProvider_CreateCompletion(t *testing.T) {
	var body map[string]any
	p := newTestGenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.Contains(r.URL.Path, "generateContent"), r.URL.Path)
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"candidates": [{
				"content": {"role": "model", "parts": [
					{"text": "Searching again."},
					{"functionCall": {"id": "fc1", "name": "web_search", "args": {"query": "go"}}}
				]},
				"finishReason": "STOP"
			}],
			"usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5, "totalTokenCount": 15}
		}`))
	})

	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		System:   "sys",
		Messages: sampleLog(),
		Tools:    []Tool{{Name: "web_search", Parameters: json.RawMessage(`{"type":"OBJECT"}`)}},
	})
	require.NoError(t, err)

	assert.Equal(t, "Searching again.", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "fc1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"query":"go"}`, string(resp.ToolCalls[0].Function.Arguments))
	assert.Equal(t, 15, resp.Usage.TotalTokens)

	contents, ok := body["contents"].([]any)
	require.True(t, ok)
	require.Len(t, contents, 4)
	assert.Equal(t, "model", contents[1].(map[string]any)["role"])
	assert.NotNil(t, body["systemInstruction"])
}

func TestGenAIProvider_NoCandidates(t *testing.T) {
	p := newTestGenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"candidates": []}`))
	})

	_, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: sampleLog()})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeEmptyResponse, perr.Code)
}

func TestGenAIProvider_ServerErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	p := newTestGenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`))
	})

	_, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: sampleLog()})
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeServerError, perr.Code)
	assert.Equal(t, int32(1), hits.Load())
}
