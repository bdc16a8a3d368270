// Package task defines the Task domain entity: the smallest orchestrated
// unit of work, with dependencies, a retry budget, and full attempt history.
package task

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// allowedTransitions defines the legal task status transitions.
// in_progress→pending is the retry path.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusInProgress: {},
		StatusFailed:     {}, // deadlock / project abort terminalizes pending tasks
	},
	StatusInProgress: {
		StatusCompleted: {},
		StatusPending:   {},
		StatusFailed:    {},
	},
}

// ValidateTransition returns an error when moving from→to is not permitted.
func ValidateTransition(from, to Status) error {
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	return nil
}

// IsTerminal reports whether s is a terminal status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Attempt outcome values recorded in the execution history.
const (
	OutcomeGenerated        = "generated"         // file content produced by the model
	OutcomeExecuted         = "executed"          // command ran in the sandbox
	OutcomeSecurityDenied   = "security_denied"   // rejected before execution
	OutcomeValidationFailed = "validation_failed" // acceptance validator rejected the result
	OutcomeCommitFailed     = "commit_failed"     // artifact conflict or write failure
	OutcomeInfraError       = "infra_error"       // substrate failure, not a task fault
	OutcomeInterrupted      = "interrupted"       // process died mid-attempt; does not consume a retry
)

// Attempt is one execution-history record. Together with the validation
// history it reconstructs what happened to a task without log correlation.
type Attempt struct {
	Number       int       `json:"number"`
	Outcome      string    `json:"outcome"`
	Detail       string    `json:"detail,omitempty"`
	ArtifactHash string    `json:"artifact_hash,omitempty"`
	ExitCode     int       `json:"exit_code,omitempty"`
	TimedOut     bool      `json:"timed_out,omitempty"`
	DurationMS   int64     `json:"duration_ms,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
}

// Verdict is one acceptance-validation record.
type Verdict struct {
	Pass      bool      `json:"pass"`
	Rationale string    `json:"rationale"`
	CreatedAt time.Time `json:"created_at"`
}

// Task is a unit of work created by the planner and mutated only by the
// engine. Tasks are never deleted; terminal tasks move to the project's
// completed/failed lists for audit.
type Task struct {
	ID                 string    `json:"id"`
	ProjectID          string    `json:"project_id"`
	Description        string    `json:"description"`
	Kind               Kind      `json:"-"`
	DependsOn          []string  `json:"depends_on"`
	Status             Status    `json:"status"`
	AcceptanceCriteria string    `json:"acceptance_criteria"`
	Retries            int       `json:"retries"`
	MaxRetries         int       `json:"max_retries"`
	Escalated          bool      `json:"escalated"`               // a corrective task was generated for this task
	Corrective         bool      `json:"corrective"`              // this task was produced by escalation
	CorrectiveOf       string    `json:"corrective_of,omitempty"` // id of the failed task this corrects
	Seq                int64     `json:"seq"`                     // insertion order, FIFO tie-break
	ExecutionHistory   []Attempt `json:"execution_history"`
	ValidationHistory  []Verdict `json:"validation_history"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Spec is a planner-produced task specification. Refs are planner-local
// names; the engine resolves them to task IDs when materializing.
type Spec struct {
	Ref                string   `json:"ref"`
	Description        string   `json:"description"`
	Kind               Kind     `json:"-"`
	DependsOn          []string `json:"depends_on"` // refs, not IDs
	AcceptanceCriteria string   `json:"acceptance_criteria"`
}

// New materializes a Task from a Spec. Dependencies must already be
// resolved to task IDs by the caller.
func New(projectID string, seq int64, spec Spec, dependsOn []string, maxRetries int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:                 uuid.New().String(),
		ProjectID:          projectID,
		Description:        spec.Description,
		Kind:               spec.Kind,
		DependsOn:          dependsOn,
		Status:             StatusPending,
		AcceptanceCriteria: spec.AcceptanceCriteria,
		MaxRetries:         maxRetries,
		Seq:                seq,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
}

// CanRetry reports whether the task has retry budget left.
func (t *Task) CanRetry() bool {
	return t.Retries < t.MaxRetries
}

// TargetPath returns the artifact path a task writes, or "" for tasks
// without a declared file target. Used for per-path writer serialization.
func (t *Task) TargetPath() string {
	if cf, ok := t.Kind.(CreateFile); ok {
		return cf.Path
	}
	return ""
}
