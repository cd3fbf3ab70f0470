package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBedrockClient struct {
	input *bedrockruntime.ConverseInput
	out   *bedrockruntime.ConverseOutput
	err   error
}

func (f *fakeBedrockClient) Converse(_ context.Context, in *bedrockruntime.ConverseInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error) {
	f.input = in
	return f.out, f.err
}

func TestBedrockProvider_CreateCompletion(t *testing.T) {
	client := &fakeBedrockClient{out: &bedrockruntime.ConverseOutput{
		StopReason: types.StopReasonToolUse,
		Output: &types.ConverseOutputMemberMessage{Value: types.Message{
			Role: types.ConversationRoleAssistant,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberText{Value: "Saving."},
				&types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String("tu1"),
					Name:      aws.String("write_file"),
					Input:     document.NewLazyDocument(map[string]any{"file_path": "r.html"}),
				}},
			},
		}},
		Usage: &types.TokenUsage{InputTokens: aws.Int32(7), OutputTokens: aws.Int32(3), TotalTokens: aws.Int32(10)},
	}}

	p := NewBedrockProvider(client)
	resp, err := p.CreateCompletion(context.Background(), CompletionRequest{
		System:   "sys",
		Messages: sampleLog(),
		Tools:    []Tool{{Name: "web_search", Description: "search"}},
	})
	require.NoError(t, err)

	in := client.input
	assert.Equal(t, defaultBedrockModel, aws.ToString(in.ModelId))
	require.Len(t, in.System, 1)
	require.NotNil(t, in.ToolConfig)
	assert.Len(t, in.ToolConfig.Tools, 1)

	// user, assistant(text + tool use), user(tool result + guard text)
	require.Len(t, in.Messages, 3)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, types.ConversationRoleAssistant, in.Messages[1].Role)
	assert.Len(t, in.Messages[1].Content, 2)
	assert.Equal(t, types.ConversationRoleUser, in.Messages[2].Role)
	require.Len(t, in.Messages[2].Content, 2)
	result, ok := in.Messages[2].Content[0].(*types.ContentBlockMemberToolResult)
	require.True(t, ok)
	assert.Equal(t, "c1", aws.ToString(result.Value.ToolUseId))
	assert.Equal(t, types.ToolResultStatusSuccess, result.Value.Status)

	assert.Equal(t, "Saving.", resp.Content)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "tu1", resp.ToolCalls[0].ID)
	assert.JSONEq(t, `{"file_path":"r.html"}`, string(resp.ToolCalls[0].Function.Arguments))
	assert.Equal(t, 10, resp.Usage.TotalTokens)
}

func TestBedrockProvider_Errors(t *testing.T) {
	p := NewBedrockProvider(&fakeBedrockClient{err: &smithy.GenericAPIError{Code: "ThrottlingException", Message: "slow"}})
	_, err := p.CreateCompletion(context.Background(), CompletionRequest{Messages: sampleLog()})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeRateLimit, perr.Code)
	assert.Equal(t, "slow", perr.Message)

	p = NewBedrockProvider(&fakeBedrockClient{out: &bedrockruntime.ConverseOutput{
		StopReason: types.StopReasonContentFiltered,
		Output:     &types.ConverseOutputMemberMessage{Value: types.Message{}},
	}})
	_, err = p.CreateCompletion(context.Background(), CompletionRequest{Messages: sampleLog()})
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeContentFiltered, perr.Code)
}

func TestBedrockLoadOptions_ServerErrorNotRetried(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-Errortype", "InternalServerException")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"message":"boom"}`))
	}))
	defer server.Close()

	opts := append(bedrockLoadOptions(map[string]any{"region": "us-east-1"}),
		awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", cfg.Region)
	assert.Equal(t, 1, cfg.RetryMaxAttempts)

	client := bedrockruntime.NewFromConfig(cfg, func(o *bedrockruntime.Options) {
		o.BaseEndpoint = aws.String(server.URL)
	})
	p := NewBedrockProvider(client)
	_, err = p.CreateCompletion(context.Background(), CompletionRequest{Messages: sampleLog()})

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, ErrorCodeServerError, perr.Code)
	assert.Equal(t, int32(1), hits.Load())
}
