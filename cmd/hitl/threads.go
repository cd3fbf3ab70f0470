package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/hitl"
	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/preview"
)

func newResumeCmd(a *app) *cobra.Command {
	var style string
	cmd := &cobra.Command{
		Use:   "resume <thread> <APPROVE|DENY>",
		Short: "Answer the pending approval of a thread",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision, err := approval.ParseDecision(args[1])
			if err != nil {
				return err
			}
			return a.withRuntime(cmd, func(rt *hitl.Runtime) error {
				out, err := rt.Orchestrator.Resume(cmd.Context(), args[0], decision)
				if err != nil {
					return err
				}
				printOutcome(cmd.OutOrStdout(), out, preview.NewRenderer(style))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&style, "style", "", "Preview style (dark, light, notty)")
	return cmd
}

func newShowCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <thread>",
		Short: "Print the stored state and log of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(rt *hitl.Runtime) error {
				snap, err := rt.Orchestrator.Thread(cmd.Context(), args[0])
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if asJSON {
					enc := json.NewEncoder(w)
					enc.SetIndent("", "  ")
					return enc.Encode(snap)
				}

				fmt.Fprintf(w, "thread:   %s\n", snap.ThreadID)
				fmt.Fprintf(w, "state:    %s\n", snap.State)
				fmt.Fprintf(w, "loops:    %d\n", snap.LoopCount)
				fmt.Fprintf(w, "searches: %d\n", snap.SearchCount)
				fmt.Fprintf(w, "updated:  %s\n\n", snap.UpdatedAt.Format(time.RFC3339))
				for _, m := range snap.Messages {
					printMessage(w, m)
				}
				if snap.Approval != nil {
					fmt.Fprintln(w)
					printApproval(w, snap.Approval, nil)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the checkpoint as JSON")
	return cmd
}

func newThreadsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "threads",
		Short: "List stored threads, most recently updated first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withRuntime(cmd, func(rt *hitl.Runtime) error {
				list, err := rt.Orchestrator.Threads(cmd.Context())
				if err != nil {
					return err
				}

				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "THREAD\tSTATE\tMESSAGES\tLOOPS\tSEARCHES\tUPDATED")
				for _, s := range list {
					fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
						s.ThreadID, s.State, s.MessageCount, s.LoopCount, s.SearchCount,
						s.UpdatedAt.Format(time.RFC3339))
				}
				return tw.Flush()
			})
		},
	}
}
