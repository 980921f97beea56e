// Package articulation recovers structured payloads from free-text model output.
//
// Generated text is not guaranteed to be clean JSON: it may be wrapped in prose,
// fenced as markdown, truncated, or followed by commentary. Normalize applies a
// fixed sequence of recovery strategies and returns either a parsed value or a
// *ParseError, never a partially decoded object.
package articulation

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"alphagate/internal/logging"
)

// Strategy identifies which recovery step produced a payload.
type Strategy int

const (
	StrategyDirect Strategy = iota + 1
	StrategyFenced
	StrategyBalanced
	StrategyGreedy
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategyFenced:
		return "fenced"
	case StrategyBalanced:
		return "balanced"
	case StrategyGreedy:
		return "greedy"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ErrNoStructuredData is wrapped by every ParseError.
var ErrNoStructuredData = errors.New("no structured data found")

// StrategyFailure records why one strategy did not yield a value.
type StrategyFailure struct {
	Strategy Strategy
	Err      error
}

// ParseError is returned when every recovery strategy is exhausted.
type ParseError struct {
	Failures []StrategyFailure
	Snippet  string
}

func (e *ParseError) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("%s: %v", f.Strategy, f.Err))
	}
	return fmt.Sprintf("%v in %q (%s)", ErrNoStructuredData, e.Snippet, strings.Join(parts, "; "))
}

func (e *ParseError) Unwrap() error { return ErrNoStructuredData }

// Result is a recovered payload.
type Result struct {
	Value    any      // decoded JSON value (map[string]any, []any, float64, ...)
	Raw      string   // the exact JSON text that was parsed
	Strategy Strategy // the strategy that produced it
}

var errNotFound = errors.New("no candidate")

// Normalize extracts a JSON value from text.
func Normalize(text string) (Result, error) {
	raw, v, strategy, err := extract(text)
	if err != nil {
		return Result{}, err
	}
	return Result{Value: v, Raw: raw, Strategy: strategy}, nil
}

// Decode recovers a JSON payload from text and decodes it into a T.
// On failure the zero T is returned together with a *ParseError.
func Decode[T any](text string) (T, Strategy, error) {
	return DecodeShape[T](text)
}

// DecodeShape is Decode for payloads that must be a JSON object carrying at
// least one of keys. A payload that parses but has none of them (or only
// nulls) is a *ParseError, the same as text with no JSON at all.
func DecodeShape[T any](text string, keys ...string) (T, Strategy, error) {
	var zero T
	raw, v, strategy, err := extract(text)
	if err != nil {
		return zero, 0, err
	}
	if len(keys) > 0 && !hasAnyKey(v, keys) {
		return zero, 0, &ParseError{
			Failures: []StrategyFailure{{Strategy: strategy, Err: fmt.Errorf("shape mismatch: none of %v present", keys)}},
			Snippet:  snippet(raw),
		}
	}
	var out T
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return zero, 0, &ParseError{
			Failures: []StrategyFailure{{Strategy: strategy, Err: fmt.Errorf("shape mismatch: %w", err)}},
			Snippet:  snippet(raw),
		}
	}
	return out, strategy, nil
}

func hasAnyKey(v any, keys []string) bool {
	obj, ok := v.(map[string]any)
	if !ok {
		return false
	}
	for _, k := range keys {
		if val, ok := obj[k]; ok && val != nil {
			return true
		}
	}
	return false
}

// extract returns the first candidate that parses, together with its decoded value.
func extract(text string) (string, any, Strategy, error) {
	trimmed := strings.TrimSpace(text)
	perr := &ParseError{Snippet: snippet(trimmed)}

	if trimmed == "" {
		perr.Failures = append(perr.Failures, StrategyFailure{StrategyDirect, errors.New("empty response")})
		return "", nil, 0, perr
	}

	try := func(s Strategy, candidates []string) (string, any, bool) {
		if len(candidates) == 0 {
			perr.Failures = append(perr.Failures, StrategyFailure{s, errNotFound})
			return "", nil, false
		}
		var lastErr error
		for _, c := range candidates {
			var v any
			if err := json.Unmarshal([]byte(c), &v); err != nil {
				lastErr = err
				continue
			}
			logging.ArticulationDebug("normalizer: recovered payload via %s (%d bytes)", s, len(c))
			return c, v, true
		}
		perr.Failures = append(perr.Failures, StrategyFailure{s, lastErr})
		return "", nil, false
	}

	if raw, v, ok := try(StrategyDirect, []string{trimmed}); ok {
		return raw, v, StrategyDirect, nil
	}
	if raw, v, ok := try(StrategyFenced, fencedBlocks(trimmed)); ok {
		return raw, v, StrategyFenced, nil
	}
	var balanced []string
	if span, ok := firstBalancedSpan(trimmed); ok {
		balanced = append(balanced, span)
	}
	if raw, v, ok := try(StrategyBalanced, balanced); ok {
		return raw, v, StrategyBalanced, nil
	}
	if raw, v, ok := try(StrategyGreedy, greedySpans(trimmed)); ok {
		return raw, v, StrategyGreedy, nil
	}

	logging.ArticulationDebug("normalizer: all strategies failed: %v", perr)
	return "", nil, 0, perr
}

func snippet(s string) string {
	const max = 80
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
