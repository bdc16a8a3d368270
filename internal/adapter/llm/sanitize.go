package llm

import (
	"strings"
	"unicode"
)

// promptInputLimit caps any single embedded field so one oversized goal or
// output dump cannot flood the model context.
const promptInputLimit = 10000

// roleMarkers are line prefixes that could make a model treat embedded data
// as instructions.
var roleMarkers = []string{
	"system:", "assistant:", "user:", "[system]", "[assistant]",
	"<|system|>", "<|assistant|>", "<|im_start|>",
	"### system", "### assistant", "### instruction",
}

// sanitizeInput strips control characters and neutralizes role-override
// markers in untrusted text before it is embedded in a prompt. Goals come
// from API callers and execution output from generated code; neither may be
// allowed to impersonate the system message.
func sanitizeInput(s string) string {
	// Strip non-printable control characters (keep newlines, tabs, CR).
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)

	lines := strings.Split(s, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(strings.ToLower(line))
		for _, marker := range roleMarkers {
			if strings.HasPrefix(trimmed, marker) {
				lines[i] = "[sanitized] " + line
				break
			}
		}
	}
	s = strings.Join(lines, "\n")

	if len(s) > promptInputLimit {
		s = s[:promptInputLimit] + "\n[truncated]"
	}
	return s
}
