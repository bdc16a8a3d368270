// Package acceptance defines the port for validating task results against
// their acceptance criteria.
package acceptance

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/execution"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Request carries the task and whichever result its kind produced:
// Content for generated files, Execution for sandboxed commands.
type Request struct {
	Task      task.Task
	Content   string
	Execution *execution.Result
}

// Verdict is the validation outcome.
type Verdict struct {
	Pass      bool   `json:"pass"`
	Rationale string `json:"rationale"`
}

// Validator judges a produced result against the task's acceptance
// criteria. A failed validation is a normal task failure; a returned error
// is a capability failure (transient or fatal per the model provider).
type Validator interface {
	Validate(ctx context.Context, req Request) (*Verdict, error)
}
