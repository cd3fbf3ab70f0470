// Package llm turns the conversation log into a model request and the model's
// reply into a typed Response. It is the only place that knows the system
// prompt and the only place that decodes tool-call arguments.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/llm/provider"
)

// Response is the model's reply for one invocation.
type Response struct {
	Text      string
	ToolCalls []conversation.ToolCall
}

// InvocationError reports a failed model invocation. It is fatal to the turn;
// the client never retries.
type InvocationError struct {
	Provider string
	Err      error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("model invocation via %s failed: %v", e.Provider, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// ClientConfig configures the model client
type ClientConfig struct {
	// Model overrides the provider's default model id
	Model string

	// Temperature passed to every request
	Temperature float64

	// MaxTokens limits response length (0 = provider default)
	MaxTokens int

	// SystemPrompt replaces DefaultSystemPrompt when non-empty
	SystemPrompt string
}

// Client invokes a provider with the fixed system prompt and the tool
// declarations bound at construction.
type Client struct {
	provider provider.Provider
	tools    []provider.Tool
	config   ClientConfig
	logger   *slog.Logger
}

// NewClient creates a model client bound to tools.
func NewClient(prov provider.Provider, tools []provider.Tool, config ClientConfig, logger *slog.Logger) *Client {
	if config.SystemPrompt == "" {
		config.SystemPrompt = DefaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{provider: prov, tools: tools, config: config, logger: logger}
}

// Provider returns the name of the underlying provider.
func (c *Client) Provider() string {
	return c.provider.Name()
}

// Invoke sends history to the model. Arguments of requested tool calls are
// decoded into maps; calls without an id, or reusing one already in the
// history, get "call_<uuid>".
func (c *Client) Invoke(ctx context.Context, history []conversation.Message) (*Response, error) {
	resp, err := c.provider.CreateCompletion(ctx, provider.CompletionRequest{
		System:      c.config.SystemPrompt,
		Messages:    history,
		Model:       c.config.Model,
		Temperature: c.config.Temperature,
		MaxTokens:   c.config.MaxTokens,
		Tools:       c.tools,
	})
	if err != nil {
		return nil, &InvocationError{Provider: c.provider.Name(), Err: err}
	}

	out := &Response{Text: resp.Content}
	seen := make(map[string]bool)
	for _, m := range history {
		if m.Kind == conversation.KindToolCall {
			seen[m.CallID()] = true
		}
	}
	for _, tc := range resp.ToolCalls {
		args, err := decodeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, &InvocationError{
				Provider: c.provider.Name(),
				Err:      fmt.Errorf("tool call %q has undecodable arguments: %w", tc.Function.Name, err),
			}
		}

		id := tc.ID
		if id == "" || seen[id] {
			id = "call_" + uuid.New().String()
		}
		seen[id] = true

		out.ToolCalls = append(out.ToolCalls, conversation.ToolCall{
			ID:        id,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	c.logger.Debug("model responded",
		"provider", c.provider.Name(),
		"tool_calls", len(out.ToolCalls),
		"prompt_tokens", resp.Usage.PromptTokens,
		"completion_tokens", resp.Usage.CompletionTokens)
	return out, nil
}

func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}

	// Some providers double-encode arguments as a JSON string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return args, nil
		}
		raw = json.RawMessage(s)
	}

	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
