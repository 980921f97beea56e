package perception

import (
	"context"
	"testing"

	"google.golang.org/genai"
)

func TestBuildGenerateConfig_SchemaMode(t *testing.T) {
	schema := &genai.Schema{Type: genai.TypeObject}
	cfg := buildGenerateConfig(Request{
		Prompt:         "p",
		SystemPrompt:   "be terse",
		Temperature:    0.2,
		ResponseSchema: schema,
	}, 8192)

	if cfg.ResponseMIMEType != "application/json" {
		t.Errorf("ResponseMIMEType = %q", cfg.ResponseMIMEType)
	}
	if cfg.ResponseSchema != schema {
		t.Error("schema not attached")
	}
	if len(cfg.Tools) != 0 {
		t.Error("schema mode must not attach tools")
	}
	if cfg.MaxOutputTokens != 8192 {
		t.Errorf("MaxOutputTokens = %d", cfg.MaxOutputTokens)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.2 {
		t.Errorf("Temperature = %v", cfg.Temperature)
	}
	if cfg.SystemInstruction == nil {
		t.Error("system instruction missing")
	}
}

func TestBuildGenerateConfig_WebSearchMode(t *testing.T) {
	cfg := buildGenerateConfig(Request{Prompt: "p", WebSearch: true, MaxOutputTokens: 512}, 8192)

	if cfg.ResponseMIMEType != "" || cfg.ResponseSchema != nil {
		t.Error("web search mode must not set a schema")
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].GoogleSearch == nil {
		t.Fatalf("expected one GoogleSearch tool, got %+v", cfg.Tools)
	}
	if cfg.MaxOutputTokens != 512 {
		t.Errorf("request token limit not honoured: %d", cfg.MaxOutputTokens)
	}
	if cfg.SystemInstruction != nil {
		t.Error("unexpected system instruction")
	}
}

func TestGeminiClient_RejectsConflictingModes(t *testing.T) {
	c := &GeminiClient{}
	_, err := c.Generate(context.Background(), Request{
		Prompt:         "p",
		WebSearch:      true,
		ResponseSchema: &genai.Schema{Type: genai.TypeObject},
	})
	if err != ErrConflictingModes {
		t.Fatalf("expected ErrConflictingModes, got %v", err)
	}
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), GeminiConfig{}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
