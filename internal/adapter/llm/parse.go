// Package llm implements the planner, acceptance validator, and risk
// analyzer collaborators on top of the model provider port. Prompts are
// deliberately small; all structure lives in the JSON contracts.
package llm

import "strings"

// extractJSON returns the most plausible JSON document embedded in a model
// response: the text as-is when it already starts with a bracket, the body
// of the first fenced code block otherwise, or the outermost bracket span
// as a last resort. Returns "" when nothing bracket-like is present.
func extractJSON(text string) string {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") || strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	if block := fencedBlock(trimmed); block != "" {
		return block
	}

	return bracketSpan(trimmed)
}

// fencedBlock returns the body of the first ``` fence, tolerating a
// language tag on the opening line.
func fencedBlock(text string) string {
	start := strings.Index(text, "```")
	if start == -1 {
		return ""
	}
	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		// Drop the language tag line ("json", "JSON", or empty).
		firstLine := strings.TrimSpace(rest[:nl])
		if len(firstLine) <= 8 {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(rest[:end])
}

// bracketSpan returns the span from the first opening bracket to the
// matching last closing bracket of the same shape.
func bracketSpan(text string) string {
	for _, pair := range [][2]byte{{'[', ']'}, {'{', '}'}} {
		open := strings.IndexByte(text, pair[0])
		if open == -1 {
			continue
		}
		close := strings.LastIndexByte(text, pair[1])
		if close > open {
			return strings.TrimSpace(text[open : close+1])
		}
	}
	return ""
}
