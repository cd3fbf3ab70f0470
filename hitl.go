// Package hitl wires the human-in-the-loop research agent together: the tool
// registry, the checkpoint store, the model client and the orchestrator that
// drives threads through approval suspensions.
package hitl

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aixgo-dev/hitl/internal/approval"
	"github.com/aixgo-dev/hitl/internal/checkpoint"
	"github.com/aixgo-dev/hitl/internal/llm"
	"github.com/aixgo-dev/hitl/internal/llm/provider"
	"github.com/aixgo-dev/hitl/internal/orchestrator"
	"github.com/aixgo-dev/hitl/internal/tools"
	"github.com/aixgo-dev/hitl/pkg/config"
	metrics "github.com/aixgo-dev/hitl/pkg/observability"
	"github.com/aixgo-dev/hitl/pkg/security"
)

// Version is the release version, overridden at build time via -ldflags.
var Version = "dev"

// healthProbeID is looked up by the store health check. It never exists.
const healthProbeID = "healthcheck"

// Runtime owns everything a process needs to run threads. Build one per
// process and share it between the CLI, the HTTP API and the census job.
type Runtime struct {
	Config       *config.Config
	Registry     *tools.Registry
	Store        checkpoint.Store
	Client       *llm.Client
	Executor     *tools.Executor
	Gate         *approval.Gate
	Orchestrator *orchestrator.Orchestrator
	Health       *metrics.HealthChecker

	logger *slog.Logger
}

type options struct {
	provider provider.Provider
	store    checkpoint.Store
	tools    []tools.Tool
	logger   *slog.Logger
}

// Option customizes New.
type Option func(*options)

// WithProvider uses p instead of the provider named in the config.
func WithProvider(p provider.Provider) Option {
	return func(o *options) { o.provider = p }
}

// WithStore uses s instead of opening the configured store. The runtime
// takes ownership and closes it in Close.
func WithStore(s checkpoint.Store) Option {
	return func(o *options) { o.store = s }
}

// WithTools registers additional tools next to web_search and write_file.
func WithTools(t ...tools.Tool) Option {
	return func(o *options) { o.tools = append(o.tools, t...) }
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// New validates cfg and builds a Runtime.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	registry, err := newRegistry(cfg.Tools, o.tools)
	if err != nil {
		return nil, err
	}

	prov := o.provider
	if prov == nil {
		prov, err = provider.Create(cfg.Model.Provider, cfg.ProviderOptions())
		if err != nil {
			return nil, fmt.Errorf("create model provider: %w", err)
		}
	}
	prov = provider.WrapProvider(prov)
	if cfg.Model.RequestsPerSecond > 0 {
		prov = provider.NewThrottledProvider(prov, cfg.Model.RequestsPerSecond, cfg.Model.Burst)
	}

	store := o.store
	if store == nil {
		store, err = checkpoint.Open(ctx, cfg.Checkpoint)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint store: %w", err)
		}
	}

	systemPrompt := cfg.Model.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = llm.SystemPrompt(cfg.Orchestrator.SearchQuota)
	}
	client := llm.NewClient(prov, registry.Specs(), llm.ClientConfig{
		Model:        cfg.Model.Model,
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		SystemPrompt: systemPrompt,
	}, o.logger)

	limits := security.NewToolRateLimiter()
	for name, l := range cfg.Tools.RateLimits {
		limits.SetToolLimit(name, l.RequestsPerSecond, l.Burst)
	}
	executor := tools.NewExecutor(registry,
		tools.WithRateLimits(limits),
		tools.WithConcurrency(cfg.Tools.Concurrency),
		tools.WithLogger(o.logger))

	gate := approval.NewGate(registry)
	orch := orchestrator.New(client, executor, gate, store,
		orchestrator.WithMaxLoops(cfg.Orchestrator.MaxLoops),
		orchestrator.WithSearchQuota(cfg.Orchestrator.SearchQuota),
		orchestrator.WithLogger(o.logger))

	rt := &Runtime{
		Config:       cfg,
		Registry:     registry,
		Store:        store,
		Client:       client,
		Executor:     executor,
		Gate:         gate,
		Orchestrator: orch,
		logger:       o.logger,
	}
	rt.Health = metrics.NewHealthChecker(Version,
		metrics.StoreCheck(rt.probeStore),
		metrics.WorkdirCheck(cfg.Tools.WorkingDir))

	o.logger.Info("runtime ready",
		"provider", prov.Name(),
		"store", cfg.Checkpoint.Store,
		"tools", len(registry.Specs()),
		"max_loops", cfg.Orchestrator.MaxLoops,
		"search_quota", cfg.Orchestrator.SearchQuota)
	return rt, nil
}

func newRegistry(cfg config.ToolsConfig, extra []tools.Tool) (*tools.Registry, error) {
	files, err := tools.NewWriteFile(cfg.WorkingDir)
	if err != nil {
		return nil, err
	}
	search := tools.NewWebSearch(cfg.SearchAPIKey,
		tools.WithBaseURL(cfg.SearchBaseURL),
		tools.WithMaxResults(cfg.MaxResults))

	registry, err := tools.NewRegistry(append([]tools.Tool{search, files}, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("register tools: %w", err)
	}
	return registry, nil
}

func (rt *Runtime) probeStore(ctx context.Context) error {
	_, err := rt.Store.Load(ctx, healthProbeID)
	if err == nil || errors.Is(err, checkpoint.ErrNotFound) {
		return nil
	}
	return err
}

// Close releases the checkpoint store.
func (rt *Runtime) Close() error {
	if err := rt.Store.Close(); err != nil {
		return fmt.Errorf("close checkpoint store: %w", err)
	}
	return nil
}
