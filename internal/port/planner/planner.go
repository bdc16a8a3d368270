// Package planner defines the port for the task-planning collaborator.
package planner

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// CorrectiveRequest carries the failure context for escalation planning.
type CorrectiveRequest struct {
	Goal              string
	Failed            task.Task
	ExecutionHistory  []task.Attempt
	ValidationHistory []task.Verdict
}

// Planner produces task specifications. It is an external collaborator:
// the engine consumes its output but never depends on how plans are made.
type Planner interface {
	// PlanProject turns a goal into an ordered list of task specs whose
	// DependsOn entries reference Refs within the same list.
	PlanProject(ctx context.Context, goal string) ([]task.Spec, error)

	// PlanCorrective produces exactly one corrective task spec for a
	// terminally failed task. The spec carries no dependencies.
	PlanCorrective(ctx context.Context, req CorrectiveRequest) (*task.Spec, error)
}
