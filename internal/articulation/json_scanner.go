package articulation

import "strings"

// firstBalancedSpan returns the first fully balanced JSON object or array in s.
// The span starts at whichever of '{' or '[' occurs first. Delimiters inside
// string literals are ignored, escapes included. A mismatched closer or
// input that ends before the span closes yields ok=false.
//
// It is safe to iterate bytes for ASCII delimiters because UTF-8 guarantees
// that ASCII bytes never appear inside a multi-byte sequence.
func firstBalancedSpan(s string) (span string, ok bool) {
	start := strings.IndexAny(s, "{[")
	if start == -1 {
		return "", false
	}

	var stack []byte
	inString := false
	escape := false

	for i := start; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) == 0 || stack[len(stack)-1] != b {
				return "", false
			}
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// greedySpans returns the largest {...} and [...] spans of s, larger first.
// Each span runs from the first opener to the last matching closer.
func greedySpans(s string) []string {
	var spans []string
	if obj, ok := outerSpan(s, '{', '}'); ok {
		spans = append(spans, obj)
	}
	if arr, ok := outerSpan(s, '[', ']'); ok {
		if len(spans) == 1 && len(arr) > len(spans[0]) {
			spans = []string{arr, spans[0]}
		} else {
			spans = append(spans, arr)
		}
	}
	return spans
}

func outerSpan(s string, open, close byte) (string, bool) {
	start := strings.IndexByte(s, open)
	end := strings.LastIndexByte(s, close)
	if start == -1 || end <= start {
		return "", false
	}
	return s[start : end+1], true
}

// fencedBlocks returns the inner content of every complete ``` fenced block
// in s, in order. The language tag on the opening fence line is dropped.
func fencedBlocks(s string) []string {
	var blocks []string
	rest := s
	for {
		open := strings.Index(rest, "```")
		if open == -1 {
			return blocks
		}
		body := rest[open+3:]
		closeIdx := strings.Index(body, "```")
		if closeIdx == -1 {
			return blocks
		}
		content := body[:closeIdx]
		if nl := strings.IndexByte(content, '\n'); nl != -1 {
			tag := strings.TrimSpace(content[:nl])
			if tag == "" || isFenceTag(tag) {
				content = content[nl+1:]
			}
		} else if tag := strings.TrimSpace(content); isFenceTag(tag) {
			content = ""
		}
		blocks = append(blocks, strings.TrimSpace(content))
		rest = body[closeIdx+3:]
	}
}

func isFenceTag(s string) bool {
	if s == "" || len(s) > 16 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_') {
			return false
		}
	}
	return true
}
