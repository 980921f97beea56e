package config

import (
	"fmt"
	"strings"
	"time"
)

// DefaultModel is substituted whenever a caller does not pin a model or pins a
// deprecated one.
const DefaultModel = "gemini-2.5-flash"

// LLMConfig configures the generative-AI provider.
type LLMConfig struct {
	Provider         string   `yaml:"provider"` // gemini
	APIKey           string   `yaml:"api_key"`
	Model            string   `yaml:"model"`
	DeprecatedModels []string `yaml:"deprecated_models"`
	Timeout          string   `yaml:"timeout"`
	MaxOutputTokens  int      `yaml:"max_output_tokens"`
}

// IsDeprecated reports whether model is on the deprecated list.
func (l LLMConfig) IsDeprecated(model string) bool {
	m := strings.ToLower(strings.TrimSpace(model))
	for _, d := range l.DeprecatedModels {
		if strings.ToLower(d) == m {
			return true
		}
	}
	return false
}

// Validate rejects a default model that is empty or itself deprecated, since
// substitution would otherwise resolve to a model it is meant to avoid.
func (l LLMConfig) Validate() error {
	if strings.TrimSpace(l.Model) == "" {
		return fmt.Errorf("llm.model is required")
	}
	if l.IsDeprecated(l.Model) {
		return fmt.Errorf("llm.model %q is on llm.deprecated_models", l.Model)
	}
	return nil
}

// RetryConfig configures classified retries in the invocation layer.
type RetryConfig struct {
	MaxRetries   int    `yaml:"max_retries"`
	InitialDelay string `yaml:"initial_delay"`
}

// GetInitialDelay returns the first backoff delay.
func (r RetryConfig) GetInitialDelay() time.Duration {
	d, err := time.ParseDuration(r.InitialDelay)
	if err != nil || d <= 0 {
		return time.Second
	}
	return d
}
