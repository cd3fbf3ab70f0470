// Package orchestrator drives a thread through model invocations, approval
// suspensions and tool execution. Each Start or Resume runs the loop until
// the thread either parks on an approval request or terminates, persisting
// a checkpoint at that point.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/checkpoint"
	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/llm"
	"github.com/aixgo-dev/hitl/internal/observability"
	"github.com/aixgo-dev/hitl/internal/tools"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
)

const (
	// DefaultMaxLoops bounds model invocations per turn.
	DefaultMaxLoops = 8
	// DefaultSearchQuota bounds executed searches per turn.
	DefaultSearchQuota = 2
)

// Guard names reported in Outcome.Guard and metrics.
const (
	GuardLoopLimit   = "loop_limit"
	GuardSearchQuota = "search_quota"
)

var (
	// ErrInvalidState is returned when an operation does not fit the
	// thread's state: Start while an approval is pending, Resume with none,
	// or a second operation on a thread that is already busy.
	ErrInvalidState = errors.New("invalid thread state")
	// ErrModelInvocation wraps model failures. The thread keeps its last
	// durable checkpoint and the operation may be re-issued.
	ErrModelInvocation = errors.New("model invocation failed")
)

const (
	loopGuardText = "Stopped by internal guard (loop limit). Summarize a report with the information gathered so far."
	denialText    = "Tool use was denied. Stop processing this request."
)

func quotaText(quota int) string {
	return fmt.Sprintf("Search limit (%d) reached. Summarize the results so far and write your conclusion.", quota)
}

// Invoker asks the model for the next step.
type Invoker interface {
	Invoke(ctx context.Context, history []conversation.Message) (*llm.Response, error)
}

// Executor runs approved tool calls.
type Executor interface {
	ExecuteAll(ctx context.Context, calls []conversation.ToolCall) []conversation.ToolResult
}

// Presenter renders a call for the approver.
type Presenter interface {
	Present(call conversation.ToolCall) approval.Request
}

// Outcome is the result of Start or Resume.
type Outcome struct {
	ThreadID string           `json:"thread_id"`
	State    checkpoint.State `json:"state"`
	// Answer is the final assistant text, or the guard notice when a guard
	// ended the turn.
	Answer   string            `json:"answer,omitempty"`
	Guard    string            `json:"guard,omitempty"`
	Approval *approval.Request `json:"approval,omitempty"`
	// Results are the tool results appended during this operation.
	Results     []conversation.ToolResult `json:"results,omitempty"`
	LoopCount   int                       `json:"loop_count"`
	SearchCount int                       `json:"search_count"`
}

// Orchestrator runs threads. It is safe for concurrent use; operations on
// the same thread are serialized by rejecting overlap.
type Orchestrator struct {
	invoker  Invoker
	executor Executor
	gate     Presenter
	store    checkpoint.Store

	maxLoops    int
	searchQuota int
	searchTool  string
	logger      *slog.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMaxLoops sets the model invocation bound per turn.
func WithMaxLoops(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxLoops = n
		}
	}
}

// WithSearchQuota sets how many searches may execute per turn.
func WithSearchQuota(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.searchQuota = n
		}
	}
}

// WithSearchTool names the tool the quota applies to.
func WithSearchTool(name string) Option {
	return func(o *Orchestrator) { o.searchTool = name }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(invoker Invoker, executor Executor, gate Presenter, store checkpoint.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		invoker:     invoker,
		executor:    executor,
		gate:        gate,
		store:       store,
		maxLoops:    DefaultMaxLoops,
		searchQuota: DefaultSearchQuota,
		searchTool:  tools.WebSearchName,
		logger:      slog.Default(),
		inflight:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) acquire(threadID string) (func(), error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.inflight[threadID]; busy {
		return nil, fmt.Errorf("%w: thread %s has an operation in progress", ErrInvalidState, threadID)
	}
	o.inflight[threadID] = struct{}{}
	return func() {
		o.mu.Lock()
		delete(o.inflight, threadID)
		o.mu.Unlock()
	}, nil
}

// turn is the working state of one Start or Resume.
type turn struct {
	cp      *checkpoint.Checkpoint
	log     *conversation.Log
	results []conversation.ToolResult
}

// Start adds a user message to the thread and runs the loop. Counters are
// reset: each user message begins a new turn.
func (o *Orchestrator) Start(ctx context.Context, threadID, text string) (out *Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.start", trace.WithAttributes(
		attribute.String("thread.id", threadID),
	))
	defer func() { endSpan(span, out, err) }()

	if err := checkpoint.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	release, err := o.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := o.store.Load(ctx, threadID)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = &checkpoint.Checkpoint{ThreadID: threadID, State: checkpoint.StateIdle}
	case err != nil:
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	if cp.State == checkpoint.StateAwaitingApproval || cp.Pending != nil {
		return nil, fmt.Errorf("%w: thread %s is awaiting approval", ErrInvalidState, threadID)
	}

	log, err := conversation.Restore(cp.Messages)
	if err != nil {
		return nil, err
	}
	if open := log.Unanswered(); len(open) > 0 {
		return nil, fmt.Errorf("%w: thread %s has unanswered tool calls %v", ErrInvalidState, threadID, open)
	}
	if err := log.Append(conversation.NewUser(text)); err != nil {
		return nil, err
	}
	cp.LoopCount = 0
	cp.SearchCount = 0
	cp.State = checkpoint.StateIdle

	o.logger.Info("turn started", "thread_id", threadID)
	return o.run(ctx, &turn{cp: cp, log: log})
}

// Resume applies the approver's decision to the pending call and continues
// the loop.
func (o *Orchestrator) Resume(ctx context.Context, threadID string, decision approval.Decision) (out *Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "orchestrator.resume", trace.WithAttributes(
		attribute.String("thread.id", threadID),
		attribute.String("approval.decision", string(decision)),
	))
	defer func() { endSpan(span, out, err) }()

	if decision != approval.Approve && decision != approval.Deny {
		return nil, fmt.Errorf("%w: %q", approval.ErrInvalidDecision, decision)
	}
	release, err := o.acquire(threadID)
	if err != nil {
		return nil, err
	}
	defer release()

	cp, err := o.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		return nil, fmt.Errorf("%w: thread %s: %w", ErrInvalidState, threadID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	call, ok := cp.Pending.Awaiting()
	if cp.State != checkpoint.StateAwaitingApproval || !ok {
		return nil, fmt.Errorf("%w: thread %s has no pending approval", ErrInvalidState, threadID)
	}

	log, err := conversation.Restore(cp.Messages)
	if err != nil {
		return nil, err
	}

	disp := checkpoint.Disposition{Approved: decision.Approved()}
	if !disp.Approved {
		denied := tools.Failure(call, errors.New(denialText))
		disp.Result = &denied
	}
	cp.Pending.Dispositions = append(cp.Pending.Dispositions, disp)
	cp.Pending.Next++
	cp.State = checkpoint.StateIdle

	metrics.RecordApproval(call.Name, string(decision))
	o.logger.Info("approval decided",
		"thread_id", threadID,
		"tool", call.Name,
		"call_id", call.ID,
		"decision", decision)

	return o.run(ctx, &turn{cp: cp, log: log})
}

// Snapshot is a thread's checkpoint together with the approval request it
// is parked on, if any.
type Snapshot struct {
	*checkpoint.Checkpoint
	Approval *approval.Request `json:"approval,omitempty"`
}

// Thread returns the durable state of a thread.
func (o *Orchestrator) Thread(ctx context.Context, threadID string) (*Snapshot, error) {
	cp, err := o.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{Checkpoint: cp}
	if call, ok := cp.Pending.Awaiting(); ok && cp.State == checkpoint.StateAwaitingApproval {
		req := o.gate.Present(call)
		snap.Approval = &req
	}
	return snap, nil
}

// Threads lists the stored threads, most recently updated first.
func (o *Orchestrator) Threads(ctx context.Context) ([]checkpoint.Summary, error) {
	return o.store.List(ctx)
}

// run advances the thread until it suspends or terminates.
func (o *Orchestrator) run(ctx context.Context, t *turn) (*Outcome, error) {
	cp := t.cp
	for {
		if cp.Pending != nil {
			if req, suspended := o.decide(t); suspended {
				cp.State = checkpoint.StateAwaitingApproval
				if err := o.persist(ctx, t); err != nil {
					return nil, err
				}
				o.logger.Info("thread suspended",
					"thread_id", cp.ThreadID,
					"tool", req.Name,
					"call_id", req.CallID,
					"loop", cp.LoopCount)
				return o.outcome(t, func(out *Outcome) { out.Approval = req }), nil
			}
			if err := o.finishRound(ctx, t); err != nil {
				return nil, err
			}
			continue
		}

		if cp.LoopCount >= o.maxLoops {
			if err := t.log.Append(conversation.NewGuardNotice(loopGuardText)); err != nil {
				return nil, err
			}
			metrics.RecordGuard(GuardLoopLimit)
			o.logger.Warn("loop limit reached", "thread_id", cp.ThreadID, "loop", cp.LoopCount)
			return o.terminate(ctx, t, loopGuardText, GuardLoopLimit)
		}

		resp, err := o.invoker.Invoke(ctx, t.log.Snapshot())
		if err != nil {
			o.logger.Error("model invocation failed", "thread_id", cp.ThreadID, "loop", cp.LoopCount, "error", err)
			return nil, fmt.Errorf("%w: %w", ErrModelInvocation, err)
		}
		cp.LoopCount++

		if len(resp.ToolCalls) == 0 {
			if err := t.log.Append(conversation.NewAssistant(resp.Text)); err != nil {
				return nil, err
			}
			return o.terminate(ctx, t, resp.Text, "")
		}
		cp.Pending = &checkpoint.PendingRound{
			AssistantText: resp.Text,
			Calls:         resp.ToolCalls,
		}
	}
}

// decide walks the undecided calls of the pending round. Calls over the
// search quota are answered without asking; the first call that needs a
// human stops the walk.
func (o *Orchestrator) decide(t *turn) (*approval.Request, bool) {
	p := t.cp.Pending
	for p.Next < len(p.Calls) {
		call := p.Calls[p.Next]
		if call.Name == o.searchTool && t.cp.SearchCount+approvedCalls(p, o.searchTool) >= o.searchQuota {
			res := tools.Failure(call, errors.New(quotaText(o.searchQuota)))
			p.Dispositions = append(p.Dispositions, checkpoint.Disposition{Result: &res})
			p.Next++
			metrics.RecordGuard(GuardSearchQuota)
			o.logger.Info("search quota reached", "thread_id", t.cp.ThreadID, "call_id", call.ID)
			continue
		}
		req := o.gate.Present(call)
		return &req, true
	}
	return nil, false
}

func approvedCalls(p *checkpoint.PendingRound, name string) int {
	n := 0
	for i, d := range p.Dispositions {
		if d.Approved && p.Calls[i].Name == name {
			n++
		}
	}
	return n
}

// finishRound executes the approved calls and appends the round to the log:
// assistant text, every tool call, then one result per call in call order.
func (o *Orchestrator) finishRound(ctx context.Context, t *turn) error {
	p := t.cp.Pending

	var approved []conversation.ToolCall
	for i, d := range p.Dispositions {
		if d.Approved {
			approved = append(approved, p.Calls[i])
		}
	}
	executed := o.executor.ExecuteAll(ctx, approved)
	for _, call := range approved {
		if call.Name == o.searchTool {
			t.cp.SearchCount++
		}
	}

	msgs := make([]conversation.Message, 0, 2*len(p.Calls)+1)
	if p.AssistantText != "" {
		msgs = append(msgs, conversation.NewAssistant(p.AssistantText))
	}
	for _, call := range p.Calls {
		msgs = append(msgs, conversation.NewToolCall(call))
	}
	next := 0
	for i, d := range p.Dispositions {
		var res conversation.ToolResult
		switch {
		case d.Approved:
			res = executed[next]
			next++
		case d.Result != nil:
			res = *d.Result
		default:
			return fmt.Errorf("call %s has no disposition result", p.Calls[i].ID)
		}
		msgs = append(msgs, conversation.NewToolResult(res))
		t.results = append(t.results, res)
	}

	if err := t.log.Append(msgs...); err != nil {
		return fmt.Errorf("append round: %w", err)
	}
	t.cp.Pending = nil
	return nil
}

func (o *Orchestrator) terminate(ctx context.Context, t *turn, answer, guard string) (*Outcome, error) {
	t.cp.State = checkpoint.StateTerminated
	if err := o.persist(ctx, t); err != nil {
		return nil, err
	}
	o.logger.Info("turn finished",
		"thread_id", t.cp.ThreadID,
		"loop", t.cp.LoopCount,
		"searches", t.cp.SearchCount,
		"guard", guard)
	return o.outcome(t, func(out *Outcome) {
		out.Answer = answer
		out.Guard = guard
	}), nil
}

func (o *Orchestrator) persist(ctx context.Context, t *turn) error {
	t.cp.Messages = t.log.Snapshot()
	if err := o.store.Save(ctx, t.cp); err != nil {
		return fmt.Errorf("save thread %s: %w", t.cp.ThreadID, err)
	}
	return nil
}

func (o *Orchestrator) outcome(t *turn, fill func(*Outcome)) *Outcome {
	out := &Outcome{
		ThreadID:    t.cp.ThreadID,
		State:       t.cp.State,
		Results:     t.results,
		LoopCount:   t.cp.LoopCount,
		SearchCount: t.cp.SearchCount,
	}
	fill(out)
	metrics.RecordOutcome(string(out.State))
	return out
}

func endSpan(span trace.Span, out *Outcome, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if out != nil {
		span.SetAttributes(
			attribute.String("thread.state", string(out.State)),
			attribute.Int("thread.loop_count", out.LoopCount),
			attribute.Int("thread.search_count", out.SearchCount),
		)
	}
	span.End()
}
