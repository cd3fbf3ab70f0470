// Package conversation holds the message log that drives every model invocation.
// Messages are a closed set of kinds; the log is append-only and enforces that each
// tool result answers exactly one earlier tool call.
package conversation

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Kind identifies the variant of a Message.
type Kind string

const (
	// KindUser is text typed by the human.
	KindUser Kind = "user"
	// KindAssistant is model-authored text, either a final answer or narration
	// that accompanied tool calls.
	KindAssistant Kind = "assistant"
	// KindToolCall is a single tool invocation requested by the model.
	KindToolCall Kind = "tool_call"
	// KindToolResult is the outcome of a tool call, real or synthesized.
	KindToolResult Kind = "tool_result"
	// KindSystemGuard is a notice emitted when a hard bound stops the loop.
	KindSystemGuard Kind = "system_guard"
)

// Status is the outcome marker carried by every tool result envelope.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// ToolCall is a tool invocation requested by the model. It is immutable once
// produced by the model invoker.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Arg returns the string form of a named argument, or "" when absent.
func (c ToolCall) Arg(key string) string {
	v, ok := c.Arguments[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

// ToolResult is the normalized outcome of a tool call.
type ToolResult struct {
	CallID  string         `json:"call_id"`
	Tool    string         `json:"tool"`
	Status  Status         `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Envelope flattens the result into the wire shape the model and the
// presentation layer read: status and tool plus the payload keys.
func (r ToolResult) Envelope() map[string]any {
	env := make(map[string]any, len(r.Payload)+2)
	for k, v := range r.Payload {
		env[k] = v
	}
	env["status"] = string(r.Status)
	env["tool"] = r.Tool
	return env
}

// Content renders the envelope as JSON.
func (r ToolResult) Content() string {
	b, err := json.Marshal(r.Envelope())
	if err != nil {
		// Payloads come from json-decoded tool output; fall back to the minimum contract.
		b, _ = json.Marshal(map[string]any{"status": string(StatusError), "tool": r.Tool, "error": err.Error()})
	}
	return string(b)
}

// Error returns payload.error for failed results.
func (r ToolResult) Error() string {
	if s, ok := r.Payload["error"].(string); ok {
		return s
	}
	return ""
}

// Message is one entry of the conversation log.
type Message struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	Text      string      `json:"text,omitempty"`
	Call      *ToolCall   `json:"call,omitempty"`
	Result    *ToolResult `json:"result,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// CallID returns the correlation id for tool_call and tool_result messages.
func (m Message) CallID() string {
	switch {
	case m.Call != nil:
		return m.Call.ID
	case m.Result != nil:
		return m.Result.CallID
	}
	return ""
}

// NewUser creates a user text message.
func NewUser(text string) Message {
	return Message{ID: uuid.New().String(), Kind: KindUser, Text: text, CreatedAt: now()}
}

// NewAssistant creates an assistant text message.
func NewAssistant(text string) Message {
	return Message{ID: uuid.New().String(), Kind: KindAssistant, Text: text, CreatedAt: now()}
}

// NewToolCall wraps a tool call. The message id is the call id so the pair
// can be matched without a lookup table.
func NewToolCall(call ToolCall) Message {
	c := call
	return Message{ID: call.ID, Kind: KindToolCall, Call: &c, CreatedAt: now()}
}

// NewToolResult wraps a tool result.
func NewToolResult(result ToolResult) Message {
	r := result
	return Message{ID: uuid.New().String(), Kind: KindToolResult, Result: &r, CreatedAt: now()}
}

// NewGuardNotice creates a system guard notice.
func NewGuardNotice(text string) Message {
	return Message{ID: uuid.New().String(), Kind: KindSystemGuard, Text: text, CreatedAt: now()}
}

func now() time.Time {
	return time.Now().UTC()
}
