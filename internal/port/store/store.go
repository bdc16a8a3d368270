// Package store defines the persistence port for projects and tasks.
package store

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Store is the durable persistence port. Every engine mutation flows
// through it before the loop proceeds — each call is a checkpoint
// boundary, so a restarted process can resume from the last write.
//
// Update methods use optimistic versioning: they fail with
// domain.ErrConflict when the stored version differs from the caller's.
type Store interface {
	// CreateProject persists a new project aggregate.
	CreateProject(ctx context.Context, p *project.Project) error

	// GetProject returns the project or domain.ErrNotFound.
	GetProject(ctx context.Context, id string) (*project.Project, error)

	// ListProjects returns all projects ordered by creation time.
	ListProjects(ctx context.Context) ([]project.Project, error)

	// UpdateProject persists project mutations with a version guard.
	// On success the in-memory Version is incremented.
	UpdateProject(ctx context.Context, p *project.Project) error

	// CreateTask persists a new task.
	CreateTask(ctx context.Context, t *task.Task) error

	// GetTask returns the task with histories loaded, or domain.ErrNotFound.
	GetTask(ctx context.Context, id string) (*task.Task, error)

	// ListTasks returns all tasks of a project ordered by insertion (Seq),
	// with histories loaded.
	ListTasks(ctx context.Context, projectID string) ([]task.Task, error)

	// UpdateTask persists task scalar mutations (status, retries, flags).
	UpdateTask(ctx context.Context, t *task.Task) error

	// AppendAttempt appends one execution-history record.
	AppendAttempt(ctx context.Context, taskID string, a task.Attempt) error

	// AppendVerdict appends one acceptance-validation record.
	AppendVerdict(ctx context.Context, taskID string, v task.Verdict) error

	// AppendSecurityVerdict appends one command-vetting record for audit.
	AppendSecurityVerdict(ctx context.Context, taskID string, v security.Verdict) error

	// ListSecurityVerdicts returns the ordered vetting history of a task.
	ListSecurityVerdicts(ctx context.Context, taskID string) ([]security.Verdict, error)
}
