package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/aixgo-dev/hitl"
	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/checkpoint"
	"github.com/aixgo-dev/hitl/internal/orchestrator"
	"github.com/aixgo-dev/hitl/internal/preview"
)

// prompter reads one line of input. *liner.State implements it.
type prompter interface {
	Prompt(prompt string) (string, error)
	AppendHistory(item string)
	Close() error
}

func newLiner() (prompter, error) {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	return line, nil
}

func newChatCmd(a *app) *cobra.Command {
	var (
		threadID string
		style    string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive session in the terminal",
		Long: `Start an interactive session. Type a request; when the model wants to use a
tool you are asked to answer APPROVE or DENY. Proposed HTML reports are shown
as rendered markdown before you decide.

Commands: /new starts a new thread, /thread prints the current thread id,
/quit leaves (a waiting approval stays stored and can be answered later).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(rt *hitl.Runtime) error {
				open := a.prompter
				if open == nil {
					open = newLiner
				}
				p, err := open()
				if err != nil {
					return err
				}
				defer func() { _ = p.Close() }()

				s := &chatSession{
					rt:       rt,
					in:       p,
					out:      cmd.OutOrStdout(),
					renderer: preview.NewRenderer(style),
					threadID: threadID,
				}
				return s.run(cmd.Context())
			})
		},
	}
	cmd.Flags().StringVar(&threadID, "thread", "", "Continue an existing thread instead of starting a new one")
	cmd.Flags().StringVar(&style, "style", "", "Preview style (dark, light, notty; default picks from the terminal)")
	return cmd
}

type chatSession struct {
	rt       *hitl.Runtime
	in       prompter
	out      io.Writer
	renderer *preview.Renderer
	threadID string
	awaiting bool
}

func (s *chatSession) run(ctx context.Context) error {
	if s.threadID == "" {
		s.newThread()
	} else if err := s.attach(ctx); err != nil {
		return err
	}

	for {
		prompt := "you> "
		if s.awaiting {
			prompt = fmt.Sprintf("decision [%s/%s]> ", approval.Approve, approval.Deny)
		}
		input, err := s.in.Prompt(prompt)
		if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		s.in.AppendHistory(input)

		switch input {
		case "/quit", "/exit":
			return nil
		case "/new":
			s.newThread()
			continue
		case "/thread":
			fmt.Fprintln(s.out, s.threadID)
			continue
		}

		out, err := s.step(ctx, input)
		if err != nil {
			fmt.Fprintf(s.out, "error: %v\n", err)
			continue
		}
		printOutcome(s.out, out, s.renderer)
		s.awaiting = out.State == checkpoint.StateAwaitingApproval
	}
}

func (s *chatSession) step(ctx context.Context, input string) (*orchestrator.Outcome, error) {
	if !s.awaiting {
		return s.rt.Orchestrator.Start(ctx, s.threadID, input)
	}
	d, err := approval.ParseDecision(input)
	if err != nil {
		return nil, fmt.Errorf("answer %s or %s", approval.Approve, approval.Deny)
	}
	return s.rt.Orchestrator.Resume(ctx, s.threadID, d)
}

func (s *chatSession) newThread() {
	s.threadID = uuid.New().String()
	s.awaiting = false
	fmt.Fprintf(s.out, "thread %s\n", s.threadID)
}

// attach picks up a stored thread, repeating its pending approval if any.
func (s *chatSession) attach(ctx context.Context) error {
	snap, err := s.rt.Orchestrator.Thread(ctx, s.threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		fmt.Fprintf(s.out, "thread %s (new)\n", s.threadID)
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "thread %s (%s, %d messages)\n", s.threadID, snap.State, len(snap.Messages))
	if snap.Approval != nil {
		printApproval(s.out, snap.Approval, s.renderer)
		s.awaiting = true
	}
	return nil
}
