package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all alphagate configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Generative-AI provider
	LLM LLMConfig `yaml:"llm"`

	// Request admission
	Scheduler SchedulerConfig `yaml:"scheduler"`

	// Retry policy of the invocation layer
	Retry RetryConfig `yaml:"retry"`

	// Gate pipeline thresholds and fallbacks
	Vetting VettingConfig `yaml:"vetting"`

	// Signal persistence
	Store StoreConfig `yaml:"store"`

	Publisher PublisherConfig `yaml:"publisher"`

	Logging LoggingConfig `yaml:"logging"`
}

// StoreConfig configures the signal store.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite (pure Go) or sqlite3 (cgo)
	Path   string `yaml:"path"`
}

// PublisherConfig configures asynchronous signal publication.
type PublisherConfig struct {
	Enabled   bool `yaml:"enabled"`
	QueueSize int  `yaml:"queue_size"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "alphagate",
		Version: "0.4.0",

		LLM: LLMConfig{
			Provider:         "gemini",
			Model:            DefaultModel,
			DeprecatedModels: []string{"gemini-pro", "gemini-1.0-pro", "gemini-1.5-pro", "gemini-1.5-flash", "gemini-2.0-flash-exp"},
			Timeout:          "120s",
			MaxOutputTokens:  8192,
		},

		Scheduler: SchedulerConfig{
			MaxConcurrentAPICalls: 3,
			RequestsPerSecond:     0,
			Burst:                 1,
		},

		Retry: RetryConfig{
			MaxRetries:   3,
			InitialDelay: "1s",
		},

		Vetting: VettingConfig{
			ReliabilityThreshold: 15,
			FallbackTargetPct:    5,
			FallbackStopPct:      3,
			ScanConcurrency:      4,
		},

		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".alphagate/signals.db",
		},

		Publisher: PublisherConfig{
			Enabled:   true,
			QueueSize: 64,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// DefaultConfigPath returns the config path inside a workspace.
func DefaultConfigPath(workspace string) string {
	return filepath.Join(workspace, ".alphagate", "config.yaml")
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
		if c.LLM.Provider == "" {
			c.LLM.Provider = "gemini"
		}
	}
	if model := os.Getenv("ALPHAGATE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("ALPHAGATE_DB"); path != "" {
		c.Store.Path = path
	}
	if v := os.Getenv("ALPHAGATE_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Scheduler.MaxConcurrentAPICalls = n
		}
	}
}

// GetLLMTimeout returns the per-call HTTP timeout.
func (c *Config) GetLLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (or set GEMINI_API_KEY)")
	}
	if c.LLM.Provider != "gemini" {
		return fmt.Errorf("unsupported llm.provider %q", c.LLM.Provider)
	}
	if err := c.LLM.Validate(); err != nil {
		return err
	}
	if err := c.ValidateScheduler(); err != nil {
		return err
	}
	if err := c.Vetting.Validate(); err != nil {
		return err
	}
	switch c.Store.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("unsupported store.driver %q", c.Store.Driver)
	}
	return nil
}
