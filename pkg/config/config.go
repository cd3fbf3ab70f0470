// Package config loads the hitl configuration from YAML, with environment
// fallbacks for credentials and a .env file for local development.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aixgo-dev/hitl/internal/checkpoint"
)

// maxConfigSize caps the config file read.
const maxConfigSize = 1 << 20

// Providers lists the model providers the binary ships.
var Providers = []string{"anthropic", "bedrock", "gemini", "mock", "openai", "vertexai"}

// providerKeyEnv maps providers to the variable holding their API key.
var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
}

// Config represents the application configuration
type Config struct {
	Model         ModelConfig         `yaml:"model"`
	Tools         ToolsConfig         `yaml:"tools"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Checkpoint    checkpoint.Config   `yaml:"checkpoint"`
	Server        ServerConfig        `yaml:"server"`
	Observability ObservabilityConfig `yaml:"observability"`
	Census        CensusConfig        `yaml:"census"`
}

// ModelConfig selects and tunes the model provider.
type ModelConfig struct {
	Provider    string  `yaml:"provider"`
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Region      string  `yaml:"region"`
	Profile     string  `yaml:"profile"`
	ProjectID   string  `yaml:"project_id"`
	Location    string  `yaml:"location"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	// RequestsPerSecond throttles model calls process-wide (0 = unlimited).
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
	SystemPrompt      string  `yaml:"system_prompt"`
}

// ToolsConfig configures the built-in tools.
type ToolsConfig struct {
	// WorkingDir is where write_file puts reports.
	WorkingDir    string `yaml:"working_dir"`
	SearchAPIKey  string `yaml:"search_api_key"`
	SearchBaseURL string `yaml:"search_base_url"`
	MaxResults    int    `yaml:"max_results"`
	// Concurrency bounds parallel execution of approved calls.
	Concurrency int                  `yaml:"concurrency"`
	RateLimits  map[string]RateLimit `yaml:"rate_limits,omitempty"`
}

// RateLimit is a token bucket.
type RateLimit struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// OrchestratorConfig holds the hard bounds of a turn.
type OrchestratorConfig struct {
	MaxLoops    int `yaml:"max_loops"`
	SearchQuota int `yaml:"search_quota"`
}

// ServerConfig configures `hitl serve`.
type ServerConfig struct {
	Port int `yaml:"port"`
	// RateLimit applies per client address.
	RateLimit RateLimit `yaml:"rate_limit"`
}

// ObservabilityConfig configures tracing.
type ObservabilityConfig struct {
	// Exporter is "otlp", "stdout" or "none".
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	Insecure     bool   `yaml:"insecure"`
}

// CensusConfig schedules the parked-thread census.
type CensusConfig struct {
	// Schedule is a cron spec; empty disables the job.
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider:  "bedrock",
			MaxTokens: 4096,
		},
		Tools: ToolsConfig{
			WorkingDir:  "report",
			MaxResults:  2,
			Concurrency: 4,
		},
		Orchestrator: OrchestratorConfig{
			MaxLoops:    8,
			SearchQuota: 2,
		},
		Checkpoint: checkpoint.DefaultConfig(),
		Server: ServerConfig{
			Port:      8080,
			RateLimit: RateLimit{RequestsPerSecond: 5, Burst: 10},
		},
		Observability: ObservabilityConfig{
			Exporter:     "none",
			OTLPEndpoint: "localhost:4318",
		},
		Census: CensusConfig{Schedule: "@every 1m"},
	}
}

// Load reads the YAML file at path over the defaults. An empty path yields
// the defaults. Variables from ./.env are loaded first without overriding
// the environment, then used as fallbacks for unset credentials.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		f, err := os.Open(path) // #nosec G304 - operator-supplied config path
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()

		data, err := io.ReadAll(io.LimitReader(f, maxConfigSize+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > maxConfigSize {
			return nil, fmt.Errorf("config file too large (max %d bytes)", maxConfigSize)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Model.APIKey == "" {
		if name, ok := providerKeyEnv[c.Model.Provider]; ok {
			c.Model.APIKey = os.Getenv(name)
		}
	}
	if c.Model.Region == "" {
		c.Model.Region = os.Getenv("AWS_REGION")
	}
	if c.Model.ProjectID == "" {
		c.Model.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if c.Checkpoint.Firestore.ProjectID == "" {
		c.Checkpoint.Firestore.ProjectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
	}
	if c.Tools.SearchAPIKey == "" {
		c.Tools.SearchAPIKey = os.Getenv("TAVILY_API_KEY")
	}
}

// Save writes cfg as YAML.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ProviderOptions returns the settings handed to the provider factory.
func (c *Config) ProviderOptions() map[string]any {
	opts := map[string]any{}
	for k, v := range map[string]string{
		"api_key":    c.Model.APIKey,
		"base_url":   c.Model.BaseURL,
		"region":     c.Model.Region,
		"profile":    c.Model.Profile,
		"project_id": c.Model.ProjectID,
		"location":   c.Model.Location,
	} {
		if v != "" {
			opts[k] = v
		}
	}
	return opts
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []string

	if !slices.Contains(Providers, c.Model.Provider) {
		errs = append(errs, fmt.Sprintf("model.provider %q is not one of %s", c.Model.Provider, strings.Join(Providers, ", ")))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, "model.temperature must be between 0 and 2")
	}
	if c.Model.MaxTokens < 0 {
		errs = append(errs, "model.max_tokens must not be negative")
	}
	if c.Model.RequestsPerSecond < 0 {
		errs = append(errs, "model.requests_per_second must not be negative")
	}
	if c.Orchestrator.MaxLoops <= 0 {
		errs = append(errs, "orchestrator.max_loops must be positive")
	}
	if c.Orchestrator.SearchQuota <= 0 {
		errs = append(errs, "orchestrator.search_quota must be positive")
	}
	if c.Tools.WorkingDir == "" {
		errs = append(errs, "tools.working_dir is required")
	}
	if c.Tools.MaxResults <= 0 {
		errs = append(errs, "tools.max_results must be positive")
	}
	if !slices.Contains(checkpoint.Stores, c.Checkpoint.Store) {
		errs = append(errs, fmt.Sprintf("checkpoint.store %q is not one of %s", c.Checkpoint.Store, strings.Join(checkpoint.Stores, ", ")))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return nil
}
