package perception

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"

	"alphagate/internal/logging"
)

// =============================================================================
// GEMINI CLIENT (google.golang.org/genai)
// =============================================================================

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey          string
	Timeout         time.Duration
	MaxOutputTokens int32
}

// GeminiClient implements Client on the Gemini API. One Generate call is one
// GenerateContent request.
type GeminiClient struct {
	client          *genai.Client
	maxOutputTokens int32
}

// NewGeminiClient creates a Gemini client.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, maxOutputTokens: cfg.MaxOutputTokens}, nil
}

// Generate performs one GenerateContent call.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (Result, error) {
	if err := req.Validate(); err != nil {
		return Result{}, err
	}

	cfg := buildGenerateConfig(req, c.maxOutputTokens)

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.Prompt), cfg)
	if err != nil {
		logging.APIWarn("gemini %s failed after %v: %v", req.Model, time.Since(start), err)
		return Result{}, fmt.Errorf("gemini generate: %w", err)
	}

	res := Result{Text: resp.Text(), Model: req.Model}
	if resp.UsageMetadata != nil {
		res.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	logging.APIDebug("gemini %s: %d chars in %v (schema=%t search=%t)",
		req.Model, len(res.Text), time.Since(start), req.ResponseSchema != nil, req.WebSearch)
	return res, nil
}

// buildGenerateConfig maps a Request onto the SDK config. Schema mode and
// web search are mutually exclusive; Validate has already checked that.
func buildGenerateConfig(req Request, defaultMaxTokens int32) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(req.Temperature),
	}

	maxTokens := req.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	if maxTokens > 0 {
		cfg.MaxOutputTokens = maxTokens
	}

	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}

	switch {
	case req.ResponseSchema != nil:
		cfg.ResponseMIMEType = "application/json"
		cfg.ResponseSchema = req.ResponseSchema
	case req.WebSearch:
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return cfg
}
