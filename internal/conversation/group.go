package conversation

import (
	"fmt"
	"strings"
)

// Role is the speaker of a grouped turn, in the vocabulary chat APIs share.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is a run of messages that a chat API expects as a single entry:
// assistant text with the tool calls it issued, or the batch of results
// answering them.
type Turn struct {
	Role    Role
	Text    string
	Calls   []ToolCall
	Results []ToolResult
}

// Group folds the log into provider-shaped turns. Consecutive user-side text
// (user input and guard notices) is joined; assistant text and the tool calls
// that follow it share a turn; consecutive tool results share a turn.
func Group(msgs []Message) []Turn {
	var turns []Turn
	last := func() *Turn {
		if len(turns) == 0 {
			return nil
		}
		return &turns[len(turns)-1]
	}

	for _, m := range msgs {
		switch m.Kind {
		case KindUser, KindSystemGuard:
			if t := last(); t != nil && t.Role == RoleUser {
				t.Text = joinText(t.Text, m.Text)
				continue
			}
			turns = append(turns, Turn{Role: RoleUser, Text: m.Text})
		case KindAssistant:
			if t := last(); t != nil && t.Role == RoleAssistant && len(t.Calls) == 0 {
				t.Text = joinText(t.Text, m.Text)
				continue
			}
			turns = append(turns, Turn{Role: RoleAssistant, Text: m.Text})
		case KindToolCall:
			if t := last(); t != nil && t.Role == RoleAssistant {
				t.Calls = append(t.Calls, *m.Call)
				continue
			}
			turns = append(turns, Turn{Role: RoleAssistant, Calls: []ToolCall{*m.Call}})
		case KindToolResult:
			if t := last(); t != nil && t.Role == RoleTool {
				t.Results = append(t.Results, *m.Result)
				continue
			}
			turns = append(turns, Turn{Role: RoleTool, Results: []ToolResult{*m.Result}})
		}
	}
	return turns
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n\n" + b
}

// Summarize renders a one-line, human-facing account of a tool result for
// the presentation layer. Successful saves show both paths.
func Summarize(r ToolResult) string {
	if r.Status == StatusOK {
		rel, _ := r.Payload["file_path"].(string)
		abs, _ := r.Payload["abs_path"].(string)
		if rel != "" || abs != "" {
			var b strings.Builder
			b.WriteString("Report saved.")
			if rel != "" {
				fmt.Fprintf(&b, "\n- relative path: `%s`", rel)
			}
			if abs != "" {
				fmt.Fprintf(&b, "\n- absolute path: `%s`", abs)
			}
			return b.String()
		}
	}
	return fmt.Sprintf("tool(%s) executed: %s", r.Tool, r.Status)
}
