package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/observability"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
	"github.com/aixgo-dev/hitl/pkg/security"
)

// Executor runs tool calls. It never returns an error: every failure is
// folded into a status=error result.
type Executor struct {
	registry    *Registry
	limits      *security.ToolRateLimiter
	concurrency int
	logger      *slog.Logger
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithRateLimits throttles individual tools.
func WithRateLimits(l *security.ToolRateLimiter) ExecutorOption {
	return func(e *Executor) { e.limits = l }
}

// WithConcurrency bounds how many calls of one batch run at once.
func WithConcurrency(n int) ExecutorOption {
	return func(e *Executor) { e.concurrency = n }
}

// WithLogger sets the executor's logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// NewExecutor creates an executor over registry.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry:    registry,
		limits:      security.NewToolRateLimiter(),
		concurrency: 4,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs one call and returns its normalized result.
func (e *Executor) Execute(ctx context.Context, call conversation.ToolCall) conversation.ToolResult {
	ctx, span := observability.StartSpan(ctx, "tool.execute", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ID),
	))
	defer span.End()

	start := time.Now()
	result := e.execute(ctx, call)

	span.SetAttributes(attribute.String("tool.status", string(result.Status)))
	if result.Status != conversation.StatusOK {
		span.SetStatus(codes.Error, result.Error())
	}
	metrics.RecordToolCall(call.Name, string(result.Status), time.Since(start))

	e.logger.Info("tool executed",
		"tool", call.Name,
		"call_id", call.ID,
		"status", result.Status,
		"duration", time.Since(start))
	return result
}

// ExecuteAll runs calls concurrently and returns results in call order.
func (e *Executor) ExecuteAll(ctx context.Context, calls []conversation.ToolCall) []conversation.ToolResult {
	results := make([]conversation.ToolResult, len(calls))

	var g errgroup.Group
	if e.concurrency > 0 {
		g.SetLimit(e.concurrency)
	}
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.Execute(ctx, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (e *Executor) execute(ctx context.Context, call conversation.ToolCall) (result conversation.ToolResult) {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return Failure(call, fmt.Errorf("%w: %s", ErrUnknownTool, call.Name))
	}

	if err := e.limits.Wait(ctx, call.Name); err != nil {
		return Failure(call, fmt.Errorf("rate limited: %w", err))
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "call_id", call.ID, "panic", r)
			result = Failure(call, fmt.Errorf("tool panicked: %v", r))
		}
	}()

	data, err := tool.Invoke(ctx, call.Arguments)
	if err != nil {
		return Failure(call, err)
	}

	if p, ok := tool.(Persister); ok {
		filePath, absPath := p.Location(call.Arguments)
		return conversation.ToolResult{
			CallID:  call.ID,
			Tool:    call.Name,
			Status:  conversation.StatusOK,
			Payload: map[string]any{"file_path": filePath, "abs_path": absPath},
		}
	}
	return conversation.ToolResult{
		CallID:  call.ID,
		Tool:    call.Name,
		Status:  conversation.StatusOK,
		Payload: map[string]any{"data": data},
	}
}

// Failure builds a status=error result for call.
func Failure(call conversation.ToolCall, err error) conversation.ToolResult {
	return conversation.ToolResult{
		CallID:  call.ID,
		Tool:    call.Name,
		Status:  conversation.StatusError,
		Payload: map[string]any{"error": err.Error()},
	}
}
