package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aixgo-dev/hitl/internal/conversation"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-latest"
	defaultAnthropicMaxTokens = 4096
)

func init() {
	RegisterFactory("anthropic", func(config map[string]any) (Provider, error) {
		apiKey := stringOpt(config, "api_key")
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}

		opts := []option.RequestOption{option.WithAPIKey(apiKey)}
		if url := stringOpt(config, "base_url"); url != "" {
			opts = append(opts, option.WithBaseURL(url))
		}
		return NewAnthropicProvider(opts...), nil
	})
}

// AnthropicProvider implements Provider on the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider. SDK retries are
// disabled; a failed call is reported to the caller once.
func NewAnthropicProvider(opts ...option.RequestOption) *AnthropicProvider {
	opts = append(opts, option.WithMaxRetries(0))
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}
}

// Name returns the provider name
func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// CreateCompletion creates a completion
func (p *AnthropicProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultAnthropicModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  buildAnthropicMessages(req.Messages),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	for _, t := range req.Tools {
		schema := schemaMap(t.Parameters)
		input := anthropic.ToolInputSchemaParam{Properties: schema["properties"]}
		if required, ok := schema["required"].([]any); ok {
			for _, r := range required {
				if s, ok := r.(string); ok {
					input.Required = append(input.Required, s)
				}
			}
		}
		tool := &anthropic.ToolParam{
			Name:        t.Name,
			InputSchema: input,
			Type:        anthropic.ToolTypeCustom,
		}
		if t.Description != "" {
			tool.Description = anthropic.String(t.Description)
		}
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: tool})
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(err)
	}

	out := &CompletionResponse{
		FinishReason: string(msg.StopReason),
		Usage: Usage{
			PromptTokens:     int(msg.Usage.InputTokens),
			CompletionTokens: int(msg.Usage.OutputTokens),
			TotalTokens:      int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		},
	}
	var text []string
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text = append(text, block.Text)
		case "tool_use":
			args := json.RawMessage(block.Input)
			if len(args) == 0 {
				args = json.RawMessage("{}")
			}
			out.ToolCalls = append(out.ToolCalls, ToolCall{
				ID:       block.ID,
				Type:     "function",
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	out.Content = strings.Join(text, "\n")
	return out, nil
}

// buildAnthropicMessages converts the log into Messages API turns. Roles must
// alternate, so tool results and user text that follows them are merged into
// one user message.
func buildAnthropicMessages(msgs []conversation.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam
	push := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, turn := range conversation.Group(msgs) {
		switch turn.Role {
		case conversation.RoleUser:
			push(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(turn.Text))
		case conversation.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if turn.Text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Text))
			}
			for _, c := range turn.Calls {
				args := c.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(c.ID, args, c.Name))
			}
			push(anthropic.MessageParamRoleAssistant, blocks...)
		case conversation.RoleTool:
			var blocks []anthropic.ContentBlockParamUnion
			for _, r := range turn.Results {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.CallID, r.Content(), r.Status != conversation.StatusOK))
			}
			push(anthropic.MessageParamRoleUser, blocks...)
		}
	}
	return out
}

func wrapAnthropicError(err error) error {
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", ErrorCodeUnknown, err.Error(), err)
	}

	code := ErrorCodeUnknown
	switch apiErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		code = ErrorCodeAuthentication
	case http.StatusTooManyRequests:
		code = ErrorCodeRateLimit
	case http.StatusNotFound:
		code = ErrorCodeModelNotFound
	case http.StatusBadRequest:
		code = ErrorCodeInvalidRequest
	default:
		if apiErr.StatusCode >= 500 {
			code = ErrorCodeServerError
		}
	}
	return &ProviderError{
		Provider:      "anthropic",
		Code:          code,
		Message:       err.Error(),
		StatusCode:    apiErr.StatusCode,
		OriginalError: err,
	}
}
