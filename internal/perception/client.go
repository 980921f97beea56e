package perception

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/genai"
)

// Priority orders requests waiting for an API slot.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// String returns the lowercase tier name.
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ParsePriority maps a tier name to a Priority. Unknown names map to normal.
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// ErrConflictingModes is returned when a request asks for a response schema and
// the web search tool at the same time. The provider rejects that combination.
var ErrConflictingModes = errors.New("response schema and web search cannot be combined")

// Request is one text-generation call.
type Request struct {
	Prompt          string
	SystemPrompt    string
	Model           string
	Temperature     float32
	MaxOutputTokens int32

	// ResponseSchema switches the call into structured mode (application/json).
	ResponseSchema *genai.Schema
	// WebSearch attaches the Google Search grounding tool.
	WebSearch bool

	Priority Priority
	// Operation names the caller for usage aggregation, e.g. a gate name.
	Operation string
}

// Validate checks the request before any provider call is made.
func (r Request) Validate() error {
	if r.ResponseSchema != nil && r.WebSearch {
		return ErrConflictingModes
	}
	if strings.TrimSpace(r.Prompt) == "" {
		return errors.New("empty prompt")
	}
	return nil
}

// Usage is the token accounting of one successful call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Result is the output of one successful call.
type Result struct {
	Text  string
	Model string
	Usage Usage
}

// Client performs exactly one provider call. Retries live in the Invoker.
type Client interface {
	Generate(ctx context.Context, req Request) (Result, error)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, req Request) (Result, error)

// Generate calls f.
func (f ClientFunc) Generate(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// UsageRecord is handed to the UsageReporter after a successful call.
type UsageRecord struct {
	Model        string
	Provider     string
	Operation    string
	InputTokens  int
	OutputTokens int
}

// UsageReporter receives token usage. Implementations must not block for long;
// errors and panics are logged by the caller and otherwise ignored.
type UsageReporter interface {
	ReportUsage(ctx context.Context, rec UsageRecord) error
}
