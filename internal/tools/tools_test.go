package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/llm/provider"
	"github.com/aixgo-dev/hitl/pkg/security"
)

type stubTool struct {
	name  string
	data  any
	err   error
	calls atomic.Int32
	delay time.Duration
	panic bool
}

func (s *stubTool) Spec() provider.Tool { return provider.Tool{Name: s.name} }

func (s *stubTool) Invoke(ctx context.Context, _ map[string]any) (any, error) {
	s.calls.Add(1)
	if s.panic {
		panic("kaboom")
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return s.data, s.err
}

func TestRegistry(t *testing.T) {
	a, b := &stubTool{name: "a"}, &stubTool{name: "b"}
	r, err := NewRegistry(b, a)
	require.NoError(t, err)

	specs := r.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "a", specs[0].Name)

	_, ok := r.Get("a")
	assert.True(t, ok)

	err = r.Register(&stubTool{name: "c"}, &stubTool{name: "a"})
	assert.ErrorContains(t, err, "a")
	_, ok = r.Get("c")
	assert.False(t, ok, "failed registration must not be partially applied")
}

func TestExecutor_Execute(t *testing.T) {
	ok := &stubTool{name: "ok", data: map[string]any{"k": "v"}}
	failing := &stubTool{name: "failing", err: errors.New("upstream down")}
	panicky := &stubTool{name: "panicky", panic: true}
	r, err := NewRegistry(ok, failing, panicky)
	require.NoError(t, err)
	e := NewExecutor(r)
	ctx := context.Background()

	res := e.Execute(ctx, conversation.ToolCall{ID: "1", Name: "ok"})
	assert.Equal(t, conversation.StatusOK, res.Status)
	assert.Equal(t, "1", res.CallID)
	assert.Equal(t, map[string]any{"k": "v"}, res.Payload["data"])

	res = e.Execute(ctx, conversation.ToolCall{ID: "2", Name: "failing"})
	assert.Equal(t, conversation.StatusError, res.Status)
	assert.Equal(t, "upstream down", res.Error())

	res = e.Execute(ctx, conversation.ToolCall{ID: "3", Name: "missing"})
	assert.Equal(t, conversation.StatusError, res.Status)
	assert.Contains(t, res.Error(), "unknown tool")

	res = e.Execute(ctx, conversation.ToolCall{ID: "4", Name: "panicky"})
	assert.Equal(t, conversation.StatusError, res.Status)
	assert.Contains(t, res.Error(), "kaboom")
}

func TestExecutor_ExecuteAllKeepsOrder(t *testing.T) {
	slow := &stubTool{name: "slow", data: "slow", delay: 30 * time.Millisecond}
	fast := &stubTool{name: "fast", data: "fast"}
	r, err := NewRegistry(slow, fast)
	require.NoError(t, err)

	results := NewExecutor(r, WithConcurrency(2)).ExecuteAll(context.Background(), []conversation.ToolCall{
		{ID: "1", Name: "slow"},
		{ID: "2", Name: "fast"},
		{ID: "3", Name: "slow"},
	})
	require.Len(t, results, 3)
	assert.Equal(t, []string{"1", "2", "3"}, []string{results[0].CallID, results[1].CallID, results[2].CallID})
	assert.Equal(t, "fast", results[1].Payload["data"])
	assert.Equal(t, int32(2), slow.calls.Load())
}

func TestExecutor_RateLimited(t *testing.T) {
	tool := &stubTool{name: "limited"}
	r, err := NewRegistry(tool)
	require.NoError(t, err)

	limits := security.NewToolRateLimiter()
	limits.SetToolLimit("limited", 0.001, 1)
	e := NewExecutor(r, WithRateLimits(limits))

	assert.Equal(t, conversation.StatusOK, e.Execute(context.Background(), conversation.ToolCall{ID: "1", Name: "limited"}).Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	res := e.Execute(ctx, conversation.ToolCall{ID: "2", Name: "limited"})
	assert.Equal(t, conversation.StatusError, res.Status)
	assert.Equal(t, int32(1), tool.calls.Load())
}

func TestWriteFile(t *testing.T) {
	root := filepath.Join(t.TempDir(), "report")
	wf, err := NewWriteFile(root)
	require.NoError(t, err)

	r, err := NewRegistry(wf)
	require.NoError(t, err)
	e := NewExecutor(r)

	args := map[string]any{"file_path": "out/report.html", "text": "<h1>Hi</h1>"}
	res := e.Execute(context.Background(), conversation.ToolCall{ID: "w1", Name: WriteFileName, Arguments: args})
	require.Equal(t, conversation.StatusOK, res.Status, res.Error())
	assert.Equal(t, "out/report.html", res.Payload["file_path"])

	abs, _ := res.Payload["abs_path"].(string)
	assert.True(t, filepath.IsAbs(abs))
	content, err := os.ReadFile(abs)
	require.NoError(t, err)
	assert.Equal(t, "<h1>Hi</h1>", string(content))

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(res.Content()), &env))
	assert.Equal(t, "ok", env["status"])
	assert.Equal(t, "write_file", env["tool"])

	appendArgs := map[string]any{"file_path": "out/report.html", "text": "<p/>", "append": true}
	res = e.Execute(context.Background(), conversation.ToolCall{ID: "w2", Name: WriteFileName, Arguments: appendArgs})
	require.Equal(t, conversation.StatusOK, res.Status)
	content, _ = os.ReadFile(abs)
	assert.Equal(t, "<h1>Hi</h1><p/>", string(content))
}

func TestWriteFile_RejectsEscapes(t *testing.T) {
	wf, err := NewWriteFile(t.TempDir())
	require.NoError(t, err)

	for _, p := range []string{"../evil.html", "/etc/passwd", ""} {
		_, err := wf.Invoke(context.Background(), map[string]any{"file_path": p, "text": "x"})
		assert.ErrorIs(t, err, security.ErrUnsafePath, p)
	}

	_, err = wf.Invoke(context.Background(), map[string]any{"file_path": "a.html"})
	assert.Error(t, err, "text is required")
}

func TestWriteFile_ApprovalPreview(t *testing.T) {
	wf, err := NewWriteFile(t.TempDir())
	require.NoError(t, err)

	outline, html := wf.ApprovalPreview(map[string]any{"file_path": "r.html", "text": "<p>x</p>"})
	assert.Equal(t, "* Tool\n  * write_file\n* File name\n  * r.html", outline)
	assert.Equal(t, "<p>x</p>", html)

	outline, html = wf.ApprovalPreview(map[string]any{})
	assert.Equal(t, "* Tool\n  * write_file\n* File name\n  * (unknown)", outline)
	assert.Empty(t, html)
}

func TestWebSearch(t *testing.T) {
	var got tavilyRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/search", r.URL.Path)
		assert.Equal(t, "Bearer tvly-test", r.Header.Get("Authorization"))
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"query":"go","results":[{"title":"Go","url":"https://go.dev","content":"The Go language"}]}`))
	}))
	defer server.Close()

	ws := NewWebSearch("tvly-test", WithBaseURL(server.URL))
	data, err := ws.Invoke(context.Background(), map[string]any{"query": "go"})
	require.NoError(t, err)

	assert.Equal(t, "go", got.Query)
	assert.Equal(t, 2, got.MaxResults)
	assert.Equal(t, "general", got.Topic)

	m, ok := data.(map[string]any)
	require.True(t, ok)
	assert.Len(t, m["results"], 1)
}

func TestWebSearch_BoundedOnlyByContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ws := NewWebSearch("k", WithBaseURL(server.URL))
	assert.Zero(t, ws.client.Timeout)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := ws.Invoke(ctx, map[string]any{"query": "go"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWebSearch_Errors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"bad key"}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	ws := NewWebSearch("k", WithBaseURL(server.URL))
	_, err := ws.Invoke(context.Background(), map[string]any{"query": "go"})
	assert.ErrorContains(t, err, "401")

	_, err = ws.Invoke(context.Background(), map[string]any{})
	assert.ErrorContains(t, err, "query is required")

	_, err = NewWebSearch("").Invoke(context.Background(), map[string]any{"query": "go"})
	assert.ErrorContains(t, err, "TAVILY_API_KEY")
}
