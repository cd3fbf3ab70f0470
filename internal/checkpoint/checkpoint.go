// Package checkpoint persists conversation state per thread so a suspended
// thread can be resumed by a later process. Every store applies writes with
// a version compare-and-swap.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/aixgo-dev/hitl/internal/conversation"
)

// Common errors for storage operations.
var (
	// ErrNotFound is returned when no checkpoint exists for a thread.
	ErrNotFound = errors.New("checkpoint not found")
	// ErrVersionConflict is returned when the stored version is not the one the caller loaded.
	ErrVersionConflict = errors.New("checkpoint version conflict")
	// ErrStorageClosed is returned when operating on a closed store.
	ErrStorageClosed = errors.New("checkpoint store is closed")
	// ErrInvalidThreadID is returned for thread ids unsafe to use as keys or file names.
	ErrInvalidThreadID = errors.New("invalid thread id")
)

// State is the lifecycle state of a thread between operations.
type State string

const (
	StateIdle             State = "idle"
	StateAwaitingApproval State = "awaiting_approval"
	StateTerminated       State = "terminated"
)

// Disposition records what happened to one call of a pending round.
// Approved calls are executed when the round completes; the rest carry the
// result synthesized for them.
type Disposition struct {
	Approved bool                     `json:"approved"`
	Result   *conversation.ToolResult `json:"result,omitempty"`
}

// PendingRound is a model response whose tool calls are being decided.
// Next indexes the call awaiting approval; Dispositions covers Calls[:Next].
type PendingRound struct {
	AssistantText string                  `json:"assistant_text,omitempty"`
	Calls         []conversation.ToolCall `json:"calls"`
	Dispositions  []Disposition           `json:"dispositions"`
	Next          int                     `json:"next"`
}

// Awaiting returns the call the round is suspended on.
func (p *PendingRound) Awaiting() (conversation.ToolCall, bool) {
	if p == nil || p.Next < 0 || p.Next >= len(p.Calls) {
		return conversation.ToolCall{}, false
	}
	return p.Calls[p.Next], true
}

// Checkpoint is the durable state of one thread.
type Checkpoint struct {
	ThreadID    string                 `json:"thread_id"`
	Messages    []conversation.Message `json:"messages"`
	LoopCount   int                    `json:"loop_count"`
	SearchCount int                    `json:"search_count"`
	Pending     *PendingRound          `json:"pending,omitempty"`
	State       State                  `json:"state"`
	// Version is the stored revision. Save expects the value the caller
	// loaded (0 for a new thread) and advances it on success.
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary describes a checkpoint without its log.
type Summary struct {
	ThreadID     string    `json:"thread_id"`
	State        State     `json:"state"`
	LoopCount    int       `json:"loop_count"`
	SearchCount  int       `json:"search_count"`
	MessageCount int       `json:"message_count"`
	Version      int64     `json:"version"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summarize returns the summary of cp.
func (cp *Checkpoint) Summarize() Summary {
	return Summary{
		ThreadID:     cp.ThreadID,
		State:        cp.State,
		LoopCount:    cp.LoopCount,
		SearchCount:  cp.SearchCount,
		MessageCount: len(cp.Messages),
		Version:      cp.Version,
		UpdatedAt:    cp.UpdatedAt,
	}
}

// Store persists checkpoints keyed by thread id.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns the checkpoint of a thread, or ErrNotFound.
	Load(ctx context.Context, threadID string) (*Checkpoint, error)

	// Save writes cp if the stored version equals cp.Version, then sets
	// cp.Version to the new revision. Otherwise it returns ErrVersionConflict
	// and leaves both the store and cp untouched.
	Save(ctx context.Context, cp *Checkpoint) error

	// List returns summaries of all checkpoints, most recently updated first.
	List(ctx context.Context) ([]Summary, error)

	// Close releases any resources held by the store.
	Close() error
}

// safeIDPattern defines the allowed characters for thread ids.
var safeIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateThreadID checks that id is usable as a storage key in every backend.
func ValidateThreadID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty", ErrInvalidThreadID)
	}
	if len(id) > 256 {
		return fmt.Errorf("%w: too long (max 256 characters)", ErrInvalidThreadID)
	}
	if !safeIDPattern.MatchString(id) {
		return fmt.Errorf("%w: only alphanumeric, hyphens, and underscores allowed", ErrInvalidThreadID)
	}
	return nil
}

// prepare validates cp and returns the encoded form of its next revision.
func prepare(cp *Checkpoint, now time.Time) (*Checkpoint, []byte, error) {
	if err := ValidateThreadID(cp.ThreadID); err != nil {
		return nil, nil, err
	}
	next := *cp
	next.Version = cp.Version + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	data, err := json.Marshal(&next)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return &next, data, nil
}

// commit copies the bookkeeping fields of a successful write back to cp.
func commit(cp, next *Checkpoint) {
	cp.Version = next.Version
	cp.CreatedAt = next.CreatedAt
	cp.UpdatedAt = next.UpdatedAt
}

func decode(data []byte) (*Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	return &cp, nil
}

func now() time.Time {
	return time.Now().UTC()
}

func sortSummaries(s []Summary) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].UpdatedAt.Equal(s[j].UpdatedAt) {
			return s[i].ThreadID < s[j].ThreadID
		}
		return s[i].UpdatedAt.After(s[j].UpdatedAt)
	})
}
