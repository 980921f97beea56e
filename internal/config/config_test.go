package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Name != "alphagate" {
		t.Errorf("expected Name=alphagate, got %s", cfg.Name)
	}
	if cfg.LLM.Provider != "gemini" {
		t.Errorf("expected Provider=gemini, got %s", cfg.LLM.Provider)
	}
	if cfg.Scheduler.MaxConcurrentAPICalls != 3 {
		t.Errorf("expected MaxConcurrentAPICalls=3, got %d", cfg.Scheduler.MaxConcurrentAPICalls)
	}
	if cfg.Vetting.ReliabilityThreshold != 15 {
		t.Errorf("expected ReliabilityThreshold=15, got %v", cfg.Vetting.ReliabilityThreshold)
	}
	if got := cfg.Retry.GetInitialDelay(); got != time.Second {
		t.Errorf("expected initial delay 1s, got %v", got)
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("ALPHAGATE_MODEL", "")
	t.Setenv("ALPHAGATE_DB", "")
	t.Setenv("ALPHAGATE_MAX_CONCURRENT", "")

	path := filepath.Join(t.TempDir(), "config.yaml")

	cfg := DefaultConfig()
	cfg.LLM.APIKey = "key-test"
	cfg.Scheduler.MaxConcurrentAPICalls = 7
	cfg.Retry.InitialDelay = "250ms"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.LLM.APIKey != "key-test" {
		t.Errorf("expected APIKey=key-test, got %s", loaded.LLM.APIKey)
	}
	if loaded.Scheduler.MaxConcurrentAPICalls != 7 {
		t.Errorf("expected MaxConcurrentAPICalls=7, got %d", loaded.Scheduler.MaxConcurrentAPICalls)
	}
	if got := loaded.Retry.GetInitialDelay(); got != 250*time.Millisecond {
		t.Errorf("expected 250ms, got %v", got)
	}
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LLM.Model != DefaultModel {
		t.Errorf("expected default model, got %s", cfg.LLM.Model)
	}
}

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err == nil {
		t.Error("expected validation error for missing API key")
	}

	cfg.LLM.APIKey = "k"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}

	cfg.Scheduler.MaxConcurrentAPICalls = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero concurrency ceiling")
	}

	cfg = DefaultConfig()
	cfg.LLM.APIKey = "k"
	cfg.Vetting.ReliabilityThreshold = 31
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for threshold outside 0-30")
	}

	cfg = DefaultConfig()
	cfg.LLM.APIKey = "k"
	cfg.Store.Driver = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown driver")
	}
}

func TestConfig_ValidateDefaultModel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "k"

	cfg.LLM.Model = ""
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for empty llm.model")
	}

	cfg.LLM.Model = "Gemini-1.5-Flash"
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for deprecated llm.model")
	}

	cfg.LLM.Model = "gemini-2.5-pro"
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected valid config, got %v", err)
	}
}

func TestLLMConfig_IsDeprecated(t *testing.T) {
	cfg := DefaultConfig()
	if !cfg.LLM.IsDeprecated(" Gemini-1.5-Pro ") {
		t.Error("gemini-1.5-pro should be deprecated")
	}
	if cfg.LLM.IsDeprecated(DefaultModel) {
		t.Error("default model must not be deprecated")
	}
}

func TestLoggingConfig_IsCategoryEnabled(t *testing.T) {
	c := LoggingConfig{}
	if c.IsCategoryEnabled("api") {
		t.Error("categories are disabled outside debug mode")
	}
	c.DebugMode = true
	if !c.IsCategoryEnabled("api") {
		t.Error("unlisted categories default to enabled")
	}
	c.Categories = map[string]bool{"api": false}
	if c.IsCategoryEnabled("api") {
		t.Error("explicitly disabled category reported enabled")
	}
}
