package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"
	"time"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"google.golang.org/genai"
)

const (
	defaultGeminiModel = "gemini-2.0-flash"
	genaiClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := stringOpt(config, "api_key")
		if apiKey == "" {
			apiKey = os.Getenv("GEMINI_API_KEY")
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY not set")
		}
		return NewGenAIProvider("gemini", &genai.ClientConfig{
			APIKey:      apiKey,
			Backend:     genai.BackendGeminiAPI,
			HTTPOptions: genai.HTTPOptions{BaseURL: stringOpt(config, "base_url")},
		})
	})

	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		projectID := stringOpt(config, "project_id")
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		if projectID == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}

		location := stringOpt(config, "location")
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}

		return NewGenAIProvider("vertexai", &genai.ClientConfig{
			Project:  projectID,
			Location: location,
			Backend:  genai.BackendVertexAI,
		})
	})
}

// GenAIProvider implements Provider on the Google Gen AI SDK. The same code
// serves the Gemini API (API key) and Vertex AI (Application Default
// Credentials); only the client config differs.
type GenAIProvider struct {
	name   string
	client *genai.Client
}

// NewGenAIProvider creates a provider reporting itself as name.
func NewGenAIProvider(name string, cfg *genai.ClientConfig) (*GenAIProvider, error) {
	ctx, cancel := context.WithTimeout(context.Background(), genaiClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s client: %w", name, err)
	}
	return &GenAIProvider{name: name, client: client}, nil
}

// Name returns the provider name
func (p *GenAIProvider) Name() string {
	return p.name
}

// CreateCompletion creates a completion. Failures are returned as-is; the
// caller decides whether the turn ends.
func (p *GenAIProvider) CreateCompletion(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = defaultGeminiModel
	}

	config := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if req.MaxTokens > 0 && req.MaxTokens <= math.MaxInt32 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if len(req.Tools) > 0 {
		config.Tools = buildGenAITools(req.Tools)
	}

	contents := buildGenAIContents(req.Messages)

	resp, err := p.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return nil, p.wrapError(err)
	}

	return p.parseResponse(resp)
}

func buildGenAIContents(msgs []conversation.Message) []*genai.Content {
	var contents []*genai.Content
	for _, turn := range conversation.Group(msgs) {
		switch turn.Role {
		case conversation.RoleUser:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: turn.Text}}})
		case conversation.RoleAssistant:
			c := &genai.Content{Role: "model"}
			if turn.Text != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: turn.Text})
			}
			for _, call := range turn.Calls {
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   call.ID,
					Name: call.Name,
					Args: call.Arguments,
				}})
			}
			contents = append(contents, c)
		case conversation.RoleTool:
			c := &genai.Content{Role: "user"}
			for _, r := range turn.Results {
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       r.CallID,
					Name:     r.Tool,
					Response: r.Envelope(),
				}})
			}
			contents = append(contents, c)
		}
	}
	return contents
}

func buildGenAITools(tools []Tool) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		var params *genai.Schema
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		decls[i] = &genai.FunctionDeclaration{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		}
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func (p *GenAIProvider) parseResponse(resp *genai.GenerateContentResponse) (*CompletionResponse, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, NewProviderError(p.name, ErrorCodeEmptyResponse, "no candidates in response", nil)
	}

	candidate := resp.Candidates[0]
	out := &CompletionResponse{}
	if candidate.Content != nil {
		for _, part := range candidate.Content.Parts {
			if part.Text != "" {
				out.Content += part.Text
			}
			if part.FunctionCall != nil {
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, ToolCall{
					ID:   part.FunctionCall.ID,
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: args,
					},
				})
			}
		}
	}

	out.FinishReason = strings.ToLower(string(candidate.FinishReason))
	if out.FinishReason == "" {
		out.FinishReason = "stop"
	}
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, NewProviderError(p.name, ErrorCodeContentFiltered, "response blocked by safety filter", nil)
	}

	if resp.UsageMetadata != nil {
		out.Usage.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.Usage.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		out.Usage.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	return out, nil
}

func (p *GenAIProvider) wrapError(err error) error {
	code := ErrorCodeUnknown
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") || strings.Contains(msg, "credential"):
		code = ErrorCodeAuthentication
	case strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(msg, "404") || strings.Contains(msg, "not found"):
		code = ErrorCodeModelNotFound
	case strings.Contains(msg, "400") || strings.Contains(msg, "invalid"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(msg, "deadline") || strings.Contains(msg, "timeout"):
		code = ErrorCodeTimeout
	case strings.Contains(msg, "500") || strings.Contains(msg, "503"):
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:      p.name,
		Code:          code,
		Message:       err.Error(),
		OriginalError: err,
	}
}
