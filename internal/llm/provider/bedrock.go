package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
)

const defaultBedrockModel = "anthropic.claude-3-5-sonnet-20240620-v1:0"

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), bedrockLoadOptions(config)...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewBedrockProvider(bedrockruntime.NewFromConfig(cfg)), nil
	})
}

// bedrockLoadOptions maps provider options onto the AWS config loader. The
// SDK retryer is limited to a single attempt so a failed call ends the turn.
func bedrockLoadOptions(config map[string]any) []func(*awsconfig.LoadOptions) error {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRetryMaxAttempts(1)}
	if region := stringOpt(config, "region"); region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	if profile := stringOpt(config, "profile"); profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	return opts
}

// BedrockClient is the slice of the bedrockruntime client the provider uses.
type BedrockClient interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements Provider on the Bedrock Converse API.
type BedrockProvider struct {
	client BedrockClient
}

// NewBedrockProvider creates a new Bedrock provider
func NewBedrockProvider(client BedrockClient) *BedrockProvider {
	return &BedrockProvider{client: client}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

// CreateCompletion creates a completion
func (p *BedrockProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultBedrockModel
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:  aws.String(model),
		Messages: buildBedrockMessages(req.Messages),
		InferenceConfig: &types.InferenceConfiguration{
			Temperature: aws.Float32(float32(req.Temperature)),
		},
	}
	if req.MaxTokens > 0 {
		input.InferenceConfig.MaxTokens = aws.Int32(int32(req.MaxTokens))
	}
	if req.System != "" {
		input.System = []types.SystemContentBlock{&types.SystemContentBlockMemberText{Value: req.System}}
	}
	if len(req.Tools) > 0 {
		tc := &types.ToolConfiguration{}
		for _, t := range req.Tools {
			tc.Tools = append(tc.Tools, &types.ToolMemberToolSpec{Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap(t.Parameters))},
			}})
		}
		input.ToolConfig = tc
	}

	out, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, wrapBedrockError(err)
	}

	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return nil, NewProviderError("bedrock", ErrorCodeEmptyResponse, "no message in response", nil)
	}

	resp := &CompletionResponse{FinishReason: string(out.StopReason)}
	if out.StopReason == types.StopReasonContentFiltered || out.StopReason == types.StopReasonGuardrailIntervened {
		return nil, NewProviderError("bedrock", ErrorCodeContentFiltered, "response blocked: "+string(out.StopReason), nil)
	}
	for _, block := range msg.Value.Content {
		switch b := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += b.Value
		case *types.ContentBlockMemberToolUse:
			args := json.RawMessage("{}")
			if b.Value.Input != nil {
				var m map[string]any
				if err := b.Value.Input.UnmarshalSmithyDocument(&m); err != nil {
					return nil, NewProviderError("bedrock", ErrorCodeInvalidRequest, "undecodable tool input", err)
				}
				args, _ = json.Marshal(m)
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:       aws.ToString(b.Value.ToolUseId),
				Type:     "function",
				Function: FunctionCall{Name: aws.ToString(b.Value.Name), Arguments: args},
			})
		}
	}
	if out.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     int(aws.ToInt32(out.Usage.InputTokens)),
			CompletionTokens: int(aws.ToInt32(out.Usage.OutputTokens)),
			TotalTokens:      int(aws.ToInt32(out.Usage.TotalTokens)),
		}
	}
	return resp, nil
}

// buildBedrockMessages converts the log into Converse messages. Converse
// requires strictly alternating roles, so a tool-results turn and any user
// text that follows it share one user message.
func buildBedrockMessages(msgs []conversation.Message) []types.Message {
	var out []types.Message
	push := func(role types.ConversationRole, blocks ...types.ContentBlock) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}

	for _, turn := range conversation.Group(msgs) {
		switch turn.Role {
		case conversation.RoleUser:
			push(types.ConversationRoleUser, &types.ContentBlockMemberText{Value: turn.Text})
		case conversation.RoleAssistant:
			var blocks []types.ContentBlock
			if turn.Text != "" {
				blocks = append(blocks, &types.ContentBlockMemberText{Value: turn.Text})
			}
			for _, c := range turn.Calls {
				args := c.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(c.ID),
					Name:      aws.String(c.Name),
					Input:     document.NewLazyDocument(args),
				}})
			}
			push(types.ConversationRoleAssistant, blocks...)
		case conversation.RoleTool:
			var blocks []types.ContentBlock
			for _, r := range turn.Results {
				status := types.ToolResultStatusSuccess
				if r.Status != conversation.StatusOK {
					status = types.ToolResultStatusError
				}
				blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(r.CallID),
					Status:    status,
					Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: r.Content()}},
				}})
			}
			push(types.ConversationRoleUser, blocks...)
		}
	}
	return out
}

func wrapBedrockError(err error) error {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return NewProviderError("bedrock", ErrorCodeUnknown, err.Error(), err)
	}

	code := ErrorCodeUnknown
	switch apiErr.ErrorCode() {
	case "AccessDeniedException", "UnrecognizedClientException":
		code = ErrorCodeAuthentication
	case "ThrottlingException", "ServiceQuotaExceededException":
		code = ErrorCodeRateLimit
	case "ValidationException":
		code = ErrorCodeInvalidRequest
	case "ResourceNotFoundException":
		code = ErrorCodeModelNotFound
	case "ModelTimeoutException":
		code = ErrorCodeTimeout
	case "InternalServerException", "ServiceUnavailableException", "ModelErrorException":
		code = ErrorCodeServerError
	}
	return &ProviderError{
		Provider:      "bedrock",
		Code:          code,
		Message:       apiErr.ErrorMessage(),
		OriginalError: err,
	}
}
