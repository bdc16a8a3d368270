package messagequeue

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProjectEventPayload is published on projects.* subjects.
type ProjectEventPayload struct {
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Reason    string `json:"reason,omitempty"`
	Iteration int    `json:"iteration,omitempty"`
}

// TaskEventPayload is published on tasks.* lifecycle subjects.
type TaskEventPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Status    string `json:"status"`
	Retries   int    `json:"retries,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SecurityDeniedPayload is published on tasks.security.denied.
type SecurityDeniedPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Command   string `json:"command"`
	Rationale string `json:"rationale"`
}

// TaskOutputPayload carries sandbox output chunks on tasks.output.
type TaskOutputPayload struct {
	TaskID    string `json:"task_id"`
	ProjectID string `json:"project_id"`
	Stream    string `json:"stream"` // stdout | stderr
	Chunk     string `json:"chunk"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Validate checks that data is a well-formed payload for the subject.
// Known subjects must decode into their typed payload with required IDs
// present; unknown subjects under the stream prefixes need only valid JSON.
func Validate(subject string, data []byte) error {
	switch subject {
	case SubjectProjectCreated, SubjectProjectStarted, SubjectProjectResumed,
		SubjectProjectCompleted, SubjectProjectFailed:
		var p ProjectEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid project event payload: %w", err)
		}
		if p.ProjectID == "" {
			return fmt.Errorf("project event payload missing project_id")
		}
	case SubjectTaskEnqueued, SubjectTaskStarted, SubjectTaskCompleted,
		SubjectTaskRetried, SubjectTaskFailed, SubjectTaskEscalated:
		var p TaskEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid task event payload: %w", err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("task event payload missing task_id")
		}
	case SubjectTaskDenied:
		var p SecurityDeniedPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid security denied payload: %w", err)
		}
		if p.TaskID == "" || p.Command == "" {
			return fmt.Errorf("security denied payload missing task_id or command")
		}
	case SubjectTaskOutput:
		var p TaskOutputPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("invalid task output payload: %w", err)
		}
		if p.TaskID == "" {
			return fmt.Errorf("task output payload missing task_id")
		}
	default:
		if !json.Valid(data) {
			return fmt.Errorf("subject %s: payload is not valid JSON", subject)
		}
	}
	return nil
}

// IsStreamSubject reports whether subject falls under a stream prefix
// captured by the FABRICA stream.
func IsStreamSubject(subject string) bool {
	return strings.HasPrefix(subject, "projects.") || strings.HasPrefix(subject, "tasks.")
}
