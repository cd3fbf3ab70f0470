package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrock"
	"github.com/aws/aws-sdk-go-v2/service/bedrock/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aixgo-dev/hitl"
	"github.com/aixgo-dev/hitl/internal/conversation"
	"github.com/aixgo-dev/hitl/internal/llm/provider"
	"github.com/aixgo-dev/hitl/internal/tools"
	"github.com/aixgo-dev/hitl/pkg/config"
)

type scriptedPrompter struct {
	lines   []string
	prompts []string
}

func (s *scriptedPrompter) Prompt(prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	if len(s.lines) == 0 {
		return "", io.EOF
	}
	line := s.lines[0]
	s.lines = s.lines[1:]
	return line, nil
}

func (s *scriptedPrompter) AppendHistory(string) {}

func (s *scriptedPrompter) Close() error { return nil }

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfg := "model:\n  provider: mock\n" +
		"tools:\n  working_dir: " + filepath.Join(dir, "report") + "\n" +
		"checkpoint:\n  store: file\n  dir: " + filepath.Join(dir, "checkpoints") + "\n"
	path := filepath.Join(dir, "hitl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0o600))
	return path
}

func run(t *testing.T, a *app, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	return out.String()
}

func TestCLI_ChatThenResume(t *testing.T) {
	cfgPath := writeConfig(t)
	mock := provider.NewMockProvider()
	mock.AddToolCalls("Saving the report.", conversation.ToolCall{
		ID:        "w1",
		Name:      tools.WriteFileName,
		Arguments: map[string]any{"file_path": "go.html", "text": "<h1>Go</h1><p>A language.</p>"},
	})
	mock.AddText("The report was saved to go.html.")

	in := &scriptedPrompter{lines: []string{"write a report about Go"}}
	a := &app{
		opts:     []hitl.Option{hitl.WithProvider(mock)},
		prompter: func() (prompter, error) { return in, nil },
	}

	out := run(t, a, "--config", cfgPath, "chat", "--thread", "t1", "--style", "notty")
	assert.Contains(t, out, "thread t1 (new)")
	assert.Contains(t, out, "* File name\n  * go.html")
	assert.Contains(t, out, "Preview:")
	assert.Contains(t, out, "Reply APPROVE or DENY.")
	require.Len(t, in.prompts, 2)
	assert.Equal(t, "decision [APPROVE/DENY]> ", in.prompts[1])

	out = run(t, a, "--config", cfgPath, "threads")
	assert.Contains(t, out, "t1")
	assert.Contains(t, out, "awaiting_approval")

	out = run(t, a, "--config", cfgPath, "resume", "t1", "approve")
	assert.Contains(t, out, "Report saved.")
	assert.Contains(t, out, "The report was saved to go.html.")

	out = run(t, a, "--config", cfgPath, "show", "t1")
	assert.Contains(t, out, "state:    terminated")
	assert.Contains(t, out, "[user] write a report about Go")
	assert.Contains(t, out, "[tool_call w1]")

	out = run(t, a, "--config", cfgPath, "show", "t1", "--json")
	var snap map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "terminated", snap["state"])
	assert.Equal(t, "t1", snap["thread_id"])
}

func TestCLI_ChatCommands(t *testing.T) {
	cfgPath := writeConfig(t)
	mock := provider.NewMockProvider()
	mock.AddText("hi there")

	in := &scriptedPrompter{lines: []string{"hello", "/thread", "/new", "/quit", "never read"}}
	a := &app{
		opts:     []hitl.Option{hitl.WithProvider(mock)},
		prompter: func() (prompter, error) { return in, nil },
	}

	out := run(t, a, "--config", cfgPath, "chat", "--thread", "t2")
	assert.Contains(t, out, "hi there")
	assert.Contains(t, out, "t2\n")
	assert.Len(t, in.lines, 1)
}

func TestCLI_ResumeRejectsBadDecision(t *testing.T) {
	cmd := newRootCmd(&app{})
	cmd.SetArgs([]string{"--config", writeConfig(t), "resume", "t1", "maybe"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	assert.ErrorContains(t, cmd.Execute(), "invalid decision")
}

func TestApp_Logger(t *testing.T) {
	_, err := (&app{logLevel: "loud"}).logger(io.Discard, "json")
	assert.Error(t, err)

	l, err := (&app{logLevel: "debug"}).logger(io.Discard, "text")
	require.NoError(t, err)
	assert.True(t, l.Enabled(context.Background(), -4))
}

type fakeLister struct {
	input *bedrock.ListFoundationModelsInput
}

func (f *fakeLister) ListFoundationModels(_ context.Context, in *bedrock.ListFoundationModelsInput, _ ...func(*bedrock.Options)) (*bedrock.ListFoundationModelsOutput, error) {
	f.input = in
	return &bedrock.ListFoundationModelsOutput{
		ModelSummaries: []types.FoundationModelSummary{
			{ModelId: aws.String("z.model"), ProviderName: aws.String("Z"), ModelName: aws.String("Zed")},
			{ModelId: aws.String("a.model"), ProviderName: aws.String("A"), ModelName: aws.String("Ay")},
		},
	}, nil
}

func TestListModels(t *testing.T) {
	var buf bytes.Buffer
	f := &fakeLister{}
	require.NoError(t, listModels(context.Background(), f, "anthropic", &buf))

	assert.Equal(t, "anthropic", aws.ToString(f.input.ByProvider))
	assert.Equal(t, types.ModelModalityText, f.input.ByOutputModality)

	out := buf.String()
	assert.Less(t, bytes.Index([]byte(out), []byte("a.model")), bytes.Index([]byte(out), []byte("z.model")))
}

func TestTracingConfig(t *testing.T) {
	t.Setenv("OTEL_TRACES_EXPORTER", "stdout")

	tc := tracingConfig(config.ObservabilityConfig{Exporter: "none"})
	assert.Equal(t, "stdout", tc.ExporterType)

	tc = tracingConfig(config.ObservabilityConfig{Exporter: "otlp", OTLPEndpoint: "collector:4318", Insecure: true})
	assert.Equal(t, "otlp", tc.ExporterType)
	assert.Equal(t, "collector:4318", tc.OTLPEndpoint)
	assert.True(t, tc.Insecure)
}
