// Package project defines the Project aggregate: one engine run over a goal,
// its task lists, artifact state, metrics, and engine configuration.
package project

import (
	"time"

	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Status represents the lifecycle state of a project run.
type Status string

const (
	StatusPlanned   Status = "planned"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed_successfully"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether s is a terminal status. Terminal projects keep
// all task and artifact state inspectable.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Metrics accumulates per-run accounting. Cost and token counts come from
// the model provider's usage reports.
type Metrics struct {
	Iterations       int     `json:"iterations"`
	ErrorCount       int     `json:"error_count"`
	CostUSD          float64 `json:"cost_usd"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
}

// EngineConfig is the immutable per-run engine configuration, captured at
// project creation so resumed runs behave identically.
type EngineConfig struct {
	MaxProjectIterations int `json:"max_project_iterations"`
	MaxIterationsPerTask int `json:"max_iterations_per_task"`
	TimeoutSeconds       int `json:"timeout_seconds"`
	MaxParallelTasks     int `json:"max_parallel_tasks"`
}

// Project is the persistence aggregate for one engine run. Task IDs move
// between the pending/completed/failed lists; tasks themselves are never
// deleted.
type Project struct {
	ID             string                     `json:"id"`
	Goal           string                     `json:"goal"`
	Status         Status                     `json:"status"`
	Pending        []string                   `json:"pending"`
	Completed      []string                   `json:"completed"`
	Failed         []string                   `json:"failed"`
	ArtifactsState map[string]artifact.Record `json:"artifacts_state"`
	Metrics        Metrics                    `json:"metrics"`
	EngineConfig   EngineConfig               `json:"engine_config"`
	FailureReason  string                     `json:"failure_reason,omitempty"`
	Version        int                        `json:"version"`
	CreatedAt      time.Time                  `json:"created_at"`
	UpdatedAt      time.Time                  `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a project. Zero-value
// engine fields fall back to configured defaults.
type CreateRequest struct {
	Goal                 string `json:"goal"`
	MaxProjectIterations int    `json:"max_project_iterations,omitempty"`
	MaxIterationsPerTask int    `json:"max_iterations_per_task,omitempty"`
	TimeoutSeconds       int    `json:"timeout_seconds,omitempty"`
	MaxParallelTasks     int    `json:"max_parallel_tasks,omitempty"`
}

// Snapshot is a read-only point-in-time view of a project and its tasks,
// served to observers without blocking the engine.
type Snapshot struct {
	Project Project     `json:"project"`
	Tasks   []task.Task `json:"tasks"`
	TakenAt time.Time   `json:"taken_at"`
}
