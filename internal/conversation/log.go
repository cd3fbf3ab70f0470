package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrOrphanResult is returned when a tool result names a call that is not in the log.
	ErrOrphanResult = errors.New("tool result does not match any prior tool call")
	// ErrDuplicateResult is returned when a call already has a result.
	ErrDuplicateResult = errors.New("tool call already has a result")
	// ErrDuplicateCall is returned when a tool call id is reused.
	ErrDuplicateCall = errors.New("duplicate tool call id")
	// ErrInvalidMessage is returned for messages whose kind and body disagree.
	ErrInvalidMessage = errors.New("invalid message")
)

// Log is the append-only conversation history of one thread.
// It is not safe for concurrent use; the orchestrator owns one log per thread
// and serializes access to it.
type Log struct {
	messages []Message
	calls    map[string]bool // call id -> answered
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{calls: make(map[string]bool)}
}

// Restore rebuilds a log from persisted messages, re-checking the correlation invariant.
func Restore(msgs []Message) (*Log, error) {
	l := NewLog()
	if err := l.Append(msgs...); err != nil {
		return nil, fmt.Errorf("restore log: %w", err)
	}
	return l, nil
}

// Append adds messages in order. Either all messages are appended or none are.
func (l *Log) Append(msgs ...Message) error {
	pending := make(map[string]bool, len(msgs))
	lookup := func(id string) (answered, ok bool) {
		if a, ok := pending[id]; ok {
			return a, true
		}
		a, ok := l.calls[id]
		return a, ok
	}

	for i, m := range msgs {
		switch m.Kind {
		case KindUser, KindAssistant, KindSystemGuard:
		case KindToolCall:
			if m.Call == nil || m.Call.ID == "" {
				return fmt.Errorf("message %d: %w: tool_call without call", i, ErrInvalidMessage)
			}
			if _, ok := lookup(m.Call.ID); ok {
				return fmt.Errorf("message %d (%s): %w", i, m.Call.ID, ErrDuplicateCall)
			}
			pending[m.Call.ID] = false
		case KindToolResult:
			if m.Result == nil {
				return fmt.Errorf("message %d: %w: tool_result without result", i, ErrInvalidMessage)
			}
			answered, ok := lookup(m.Result.CallID)
			if !ok {
				return fmt.Errorf("message %d (%s): %w", i, m.Result.CallID, ErrOrphanResult)
			}
			if answered {
				return fmt.Errorf("message %d (%s): %w", i, m.Result.CallID, ErrDuplicateResult)
			}
			pending[m.Result.CallID] = true
		default:
			return fmt.Errorf("message %d: %w: unknown kind %q", i, ErrInvalidMessage, m.Kind)
		}
	}

	for id, answered := range pending {
		l.calls[id] = answered
	}
	l.messages = append(l.messages, msgs...)
	return nil
}

// Snapshot returns a copy of the ordered history.
func (l *Log) Snapshot() []Message {
	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Len returns the number of messages.
func (l *Log) Len() int {
	return len(l.messages)
}

// Unanswered returns the ids of tool calls that have no result yet.
func (l *Log) Unanswered() []string {
	var ids []string
	for _, m := range l.messages {
		if m.Kind == KindToolCall && !l.calls[m.Call.ID] {
			ids = append(ids, m.Call.ID)
		}
	}
	return ids
}
