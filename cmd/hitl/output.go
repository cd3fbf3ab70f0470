package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/checkpoint"
	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/orchestrator"
	"github.com/aixgo-dev/hitl/internal/preview"
)

const previewWidth = 80

// printOutcome writes what a Start or Resume produced: tool result
// summaries, then either the approval prompt or the final answer.
func printOutcome(w io.Writer, out *orchestrator.Outcome, r *preview.Renderer) {
	for _, res := range out.Results {
		fmt.Fprintln(w, conversation.Summarize(res))
	}

	switch out.State {
	case checkpoint.StateAwaitingApproval:
		if out.Approval != nil {
			printApproval(w, out.Approval, r)
		}
	case checkpoint.StateTerminated:
		if out.Answer != "" {
			fmt.Fprintln(w, out.Answer)
		}
		if out.Guard != "" {
			fmt.Fprintf(w, "(stopped by the %s guard)\n", out.Guard)
		}
	}
}

func printApproval(w io.Writer, req *approval.Request, r *preview.Renderer) {
	fmt.Fprintln(w, "Approval required:")
	fmt.Fprintln(w, strings.TrimRight(req.Args, "\n"))
	if req.HTML != "" && r != nil {
		rendered, err := r.Render(req.HTML, previewWidth)
		if err != nil {
			fmt.Fprintf(w, "(preview unavailable: %v)\n", err)
		} else {
			fmt.Fprintln(w, "Preview:")
			fmt.Fprintln(w, strings.TrimRight(rendered, "\n"))
		}
	}
	fmt.Fprintf(w, "Reply %s or %s.\n", approval.Approve, approval.Deny)
}

// printMessage renders one log entry for `hitl show`.
func printMessage(w io.Writer, m conversation.Message) {
	switch m.Kind {
	case conversation.KindToolCall:
		fmt.Fprintf(w, "[tool_call %s] %s\n", m.Call.ID, strings.ReplaceAll(strings.TrimRight(approval.Outline(*m.Call), "\n"), "\n", " "))
	case conversation.KindToolResult:
		fmt.Fprintf(w, "[tool_result %s] %s\n", m.Result.CallID, m.Result.Content())
	default:
		fmt.Fprintf(w, "[%s] %s\n", m.Kind, m.Text)
	}
}
