package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/hitl/internal/observability"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
)

// InstrumentedProvider wraps a Provider with a span and Prometheus metrics
// per completion.
type InstrumentedProvider struct {
	provider Provider
}

// NewInstrumentedProvider wraps a provider with observability
func NewInstrumentedProvider(provider Provider) *InstrumentedProvider {
	return &InstrumentedProvider{provider: provider}
}

// CreateCompletion creates a completion with automatic instrumentation
func (p *InstrumentedProvider) CreateCompletion(ctx context.Context, request CompletionRequest) (*CompletionResponse, error) {
	name := p.provider.Name()
	ctx, span := observability.StartSpan(ctx, fmt.Sprintf("llm.%s.completion", name),
		trace.WithAttributes(
			attribute.String("llm.provider", name),
			attribute.String("llm.model", request.Model),
			attribute.Int("llm.messages_count", len(request.Messages)),
			attribute.Int("llm.tools_count", len(request.Tools)),
		),
	)
	defer span.End()

	start := time.Now()
	response, err := p.provider.CreateCompletion(ctx, request)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.RecordModelCall(name, errorCode(err), duration, 0, 0)
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("llm.usage.prompt_tokens", response.Usage.PromptTokens),
		attribute.Int("llm.usage.completion_tokens", response.Usage.CompletionTokens),
		attribute.String("llm.finish_reason", response.FinishReason),
		attribute.Int("llm.tool_calls_count", len(response.ToolCalls)),
	)
	metrics.RecordModelCall(name, "ok", duration, response.Usage.PromptTokens, response.Usage.CompletionTokens)
	return response, nil
}

// Name returns the underlying provider name
func (p *InstrumentedProvider) Name() string {
	return p.provider.Name()
}

// WrapProvider wraps a provider with instrumentation if not already wrapped
func WrapProvider(provider Provider) Provider {
	if _, ok := provider.(*InstrumentedProvider); ok {
		return provider
	}
	return NewInstrumentedProvider(provider)
}

// UnwrapProvider returns the underlying provider if wrapped, otherwise returns the provider as-is
func UnwrapProvider(provider Provider) Provider {
	if instrumented, ok := provider.(*InstrumentedProvider); ok {
		return instrumented.provider
	}
	return provider
}

func errorCode(err error) string {
	var perr *ProviderError
	if errors.As(err, &perr) {
		return perr.Code
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorCodeTimeout
	}
	return ErrorCodeUnknown
}
