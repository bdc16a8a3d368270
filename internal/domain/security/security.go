// Package security defines the command-vetting verdict produced by the
// three-stage validation pipeline.
package security

import "time"

// Level selects how inconclusive semantic results are resolved.
type Level string

const (
	// LevelStrict maps an uncertain semantic result to deny (fail-closed).
	LevelStrict Level = "strict"
	// LevelPermissive maps uncertain to allow. This is an explicit,
	// loudly-flagged override and never the default.
	LevelPermissive Level = "permissive"
)

// Valid reports whether l is a recognized level.
func (l Level) Valid() bool {
	return l == LevelStrict || l == LevelPermissive
}

// Decision is the final outcome of command vetting.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// SemanticResult is the third-stage risk assessment outcome.
type SemanticResult string

const (
	SemanticAllow     SemanticResult = "allow"
	SemanticDeny      SemanticResult = "deny"
	SemanticUncertain SemanticResult = "uncertain"
	// SemanticSkipped records that an earlier stage already denied and the
	// semantic stage never ran.
	SemanticSkipped SemanticResult = "skipped"
)

// Verdict records the full outcome of vetting one command. It is produced
// before any execution; a deny verdict feeds the engine as a normal task
// failure, never a silent skip.
type Verdict struct {
	Command            string         `json:"command"`
	WhitelistMatch     bool           `json:"whitelist_match"`
	BlacklistPattern   string         `json:"blacklist_pattern,omitempty"`
	Semantic           SemanticResult `json:"semantic"`
	Final              Decision       `json:"final"`
	Rationale          string         `json:"rationale"`
	PermissiveOverride bool           `json:"permissive_override,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// Allowed reports whether the command may be executed.
func (v Verdict) Allowed() bool {
	return v.Final == DecisionAllow
}
