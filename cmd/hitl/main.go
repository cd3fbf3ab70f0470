// Command hitl runs the human-in-the-loop research agent: an interactive chat
// in the terminal, an HTTP API, and maintenance commands over stored threads.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/hitl"
	"github.com/aixgo-dev/hitl/pkg/config"
)

// app carries the global flags and the hooks tests use to swap out the
// model provider and the terminal.
type app struct {
	configPath string
	logLevel   string

	opts     []hitl.Option
	prompter func() (prompter, error)
}

func main() {
	if err := newRootCmd(&app{}).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "hitl",
		Short: "Research agent that asks before it uses a tool",
		Long: `hitl answers research requests with a language model that may search the
web and save HTML reports. Every tool call waits for an explicit APPROVE or
DENY, and a waiting thread survives restarts.

Use 'hitl chat' for an interactive session or 'hitl serve' for the HTTP API.`,
		Version:      hitl.Version,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", envOr("HITL_CONFIG", ""), "Configuration file (YAML)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(a),
		newChatCmd(a),
		newResumeCmd(a),
		newShowCmd(a),
		newThreadsCmd(a),
		newModelsCmd(a),
	)
	return root
}

// logger builds a slog logger writing to w. format is "json" or "text".
func (a *app) logger(w io.Writer, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", a.logLevel)
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// runtime loads the configuration and builds the process runtime.
func (a *app) runtime(cmd *cobra.Command, logger *slog.Logger) (*hitl.Runtime, error) {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return nil, err
	}
	opts := append([]hitl.Option{hitl.WithLogger(logger)}, a.opts...)
	return hitl.New(cmd.Context(), cfg, opts...)
}

// withRuntime runs fn against a runtime logging as text to stderr, closing
// the runtime afterwards.
func (a *app) withRuntime(cmd *cobra.Command, fn func(*hitl.Runtime) error) error {
	logger, err := a.logger(cmd.ErrOrStderr(), "text")
	if err != nil {
		return err
	}
	rt, err := a.runtime(cmd, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("close runtime", "error", err)
		}
	}()
	return fn(rt)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
