package conversation

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func call(id, name string) ToolCall {
	return ToolCall{ID: id, Name: name, Arguments: map[string]any{"query": "go"}}
}

func TestLog_AppendAndSnapshot(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.Append(NewUser("research X")))
	require.NoError(t, l.Append(
		NewToolCall(call("c1", "web_search")),
		NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusOK}),
		NewAssistant("done"),
	))

	snap := l.Snapshot()
	require.Len(t, snap, 4)
	assert.Equal(t, KindUser, snap[0].Kind)
	assert.Equal(t, "c1", snap[1].ID)
	assert.Equal(t, "c1", snap[2].CallID())
	assert.Equal(t, KindAssistant, snap[3].Kind)

	// Mutating the snapshot does not touch the log.
	snap[0].Text = "changed"
	assert.Equal(t, "research X", l.Snapshot()[0].Text)
}

func TestLog_RejectsOrphanResult(t *testing.T) {
	l := NewLog()
	err := l.Append(NewToolResult(ToolResult{CallID: "missing", Tool: "web_search", Status: StatusOK}))
	assert.ErrorIs(t, err, ErrOrphanResult)
	assert.Equal(t, 0, l.Len())
}

func TestLog_RejectsDuplicateResult(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.Append(NewToolCall(call("c1", "web_search"))))
	require.NoError(t, l.Append(NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusOK})))

	err := l.Append(NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusOK}))
	assert.ErrorIs(t, err, ErrDuplicateResult)
}

func TestLog_RejectsDuplicateCall(t *testing.T) {
	l := NewLog()
	err := l.Append(NewToolCall(call("c1", "a")), NewToolCall(call("c1", "b")))
	assert.ErrorIs(t, err, ErrDuplicateCall)
	assert.Equal(t, 0, l.Len(), "failed batch must not be partially applied")
}

func TestLog_Unanswered(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.Append(NewToolCall(call("c1", "a")), NewToolCall(call("c2", "b"))))
	require.NoError(t, l.Append(NewToolResult(ToolResult{CallID: "c2", Tool: "b", Status: StatusOK})))
	assert.Equal(t, []string{"c1"}, l.Unanswered())
}

func TestRestore_RoundTripsThroughJSON(t *testing.T) {
	l := NewLog()
	require.NoError(t, l.Append(
		NewUser("hi"),
		NewToolCall(call("c1", "web_search")),
		NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusError, Payload: map[string]any{"error": "boom"}}),
	))

	data, err := json.Marshal(l.Snapshot())
	require.NoError(t, err)

	var msgs []Message
	require.NoError(t, json.Unmarshal(data, &msgs))

	restored, err := Restore(msgs)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Len())

	err = restored.Append(NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusOK}))
	assert.ErrorIs(t, err, ErrDuplicateResult)
}

func TestToolResult_Content(t *testing.T) {
	r := ToolResult{
		CallID: "c1",
		Tool:   "write_file",
		Status: StatusOK,
		Payload: map[string]any{
			"file_path": "report.html",
			"abs_path":  "/tmp/report/report.html",
		},
	}

	var env map[string]any
	require.NoError(t, json.Unmarshal([]byte(r.Content()), &env))
	assert.Equal(t, "ok", env["status"])
	assert.Equal(t, "write_file", env["tool"])
	assert.Equal(t, "report.html", env["file_path"])
	assert.Equal(t, "/tmp/report/report.html", env["abs_path"])
}

func TestGroup(t *testing.T) {
	msgs := []Message{
		NewUser("research X"),
		NewAssistant("Let me search."),
		NewToolCall(call("c1", "web_search")),
		NewToolCall(call("c2", "web_search")),
		NewToolResult(ToolResult{CallID: "c1", Tool: "web_search", Status: StatusOK}),
		NewToolResult(ToolResult{CallID: "c2", Tool: "web_search", Status: StatusError}),
		NewAssistant("Here is the answer."),
		NewGuardNotice("stop"),
		NewUser("again"),
	}

	turns := Group(msgs)
	require.Len(t, turns, 5)

	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, RoleAssistant, turns[1].Role)
	assert.Equal(t, "Let me search.", turns[1].Text)
	assert.Len(t, turns[1].Calls, 2)
	assert.Equal(t, RoleTool, turns[2].Role)
	assert.Len(t, turns[2].Results, 2)
	assert.Equal(t, RoleAssistant, turns[3].Role)
	assert.Equal(t, RoleUser, turns[4].Role)
	assert.Equal(t, "stop\n\nagain", turns[4].Text)
}

func TestSummarize(t *testing.T) {
	saved := ToolResult{Tool: "write_file", Status: StatusOK, Payload: map[string]any{"file_path": "a.html", "abs_path": "/r/a.html"}}
	assert.Equal(t, "Report saved.\n- relative path: `a.html`\n- absolute path: `/r/a.html`", Summarize(saved))

	searched := ToolResult{Tool: "web_search", Status: StatusOK, Payload: map[string]any{"data": "x"}}
	assert.Equal(t, "tool(web_search) executed: ok", Summarize(searched))
}
