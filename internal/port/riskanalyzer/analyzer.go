// Package riskanalyzer defines the semantic command-assessment port used by
// the third security stage.
package riskanalyzer

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/security"
)

// Assessment is one semantic risk judgement. Result is allow, deny, or
// uncertain; the security service maps uncertain per the configured level.
type Assessment struct {
	Result    security.SemanticResult
	Rationale string
}

// Analyzer assesses whether a command is safe to run. taskType carries the
// command's declared classification (e.g. "dependency_install") as context.
// An unreadable or malformed judgement must surface as uncertain, never as
// allow.
type Analyzer interface {
	Assess(ctx context.Context, command, taskType string) (Assessment, error)
}
