// Package approval renders pending tool calls for a human approver and parses
// the approver's answer. It holds no state: suspending a thread while a
// request is outstanding is the orchestrator's job.
package approval

import (
	"sort"
	"strings"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/tools"
)

// Request is the payload shown to the approver for one tool call.
type Request struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Args   string `json:"args"`
	HTML   string `json:"html,omitempty"`
}

// Previewer is implemented by tools that render their own approval outline.
// html, when non-empty, is a document the presentation layer can preview.
type Previewer interface {
	ApprovalPreview(args map[string]any) (outline, html string)
}

// Gate builds approval requests for calls against the registered tools.
type Gate struct {
	registry *tools.Registry
}

// NewGate creates a gate. A nil registry renders every call with the default outline.
func NewGate(registry *tools.Registry) *Gate {
	return &Gate{registry: registry}
}

// Present renders call for the approver.
func (g *Gate) Present(call conversation.ToolCall) Request {
	req := Request{CallID: call.ID, Name: call.Name}

	if g.registry != nil {
		if t, ok := g.registry.Get(call.Name); ok {
			if p, ok := t.(Previewer); ok {
				req.Args, req.HTML = p.ApprovalPreview(call.Arguments)
				return req
			}
		}
	}
	req.Args = Outline(call)
	return req
}

// Outline is the default rendering: the tool name followed by every
// argument, keys in sorted order.
func Outline(call conversation.ToolCall) string {
	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("* Tool\n")
	b.WriteString("  * " + call.Name + "\n")
	b.WriteString("* Arguments\n")
	for _, k := range keys {
		b.WriteString("  * " + k + "\n")
		b.WriteString("    * " + call.Arg(k) + "\n")
	}
	return b.String()
}
