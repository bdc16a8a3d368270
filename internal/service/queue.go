package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/port/store"
)

// TaskQueue mediates task-list mutations: enqueueing, status moves, and
// retry requeues. Every mutation is persisted before it is acted on, so a
// restarted process resumes from the last completed move. Readiness
// selection itself is pure (ReadyBatch) and operates on a loaded task list.
type TaskQueue struct {
	store store.Store
}

// NewTaskQueue creates a TaskQueue over the given store.
func NewTaskQueue(st store.Store) *TaskQueue {
	return &TaskQueue{store: st}
}

// Enqueue persists the task and adds it to the project's pending list.
// Dependency cycles are not rejected here; they surface at scheduling time
// as a dependency deadlock.
func (q *TaskQueue) Enqueue(ctx context.Context, p *project.Project, t *task.Task) error {
	if err := q.store.CreateTask(ctx, t); err != nil {
		return fmt.Errorf("enqueue task: %w", err)
	}
	p.Pending = append(p.Pending, t.ID)
	if err := q.store.UpdateProject(ctx, p); err != nil {
		return fmt.Errorf("enqueue task: update project: %w", err)
	}
	return nil
}

// Mark validates and persists a status transition, moving the task id to
// the project's completed or failed list when the status is terminal.
// Detail is recorded in the log line only; per-attempt detail lives in the
// execution history.
func (q *TaskQueue) Mark(ctx context.Context, p *project.Project, t *task.Task, to task.Status, detail string) error {
	if err := task.ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("mark task %s: %w", t.ID, err)
	}

	from := t.Status
	t.Status = to
	if err := q.store.UpdateTask(ctx, t); err != nil {
		t.Status = from
		return fmt.Errorf("mark task %s: %w", t.ID, err)
	}

	switch to {
	case task.StatusCompleted:
		p.Pending = removeID(p.Pending, t.ID)
		p.Completed = append(p.Completed, t.ID)
	case task.StatusFailed:
		p.Pending = removeID(p.Pending, t.ID)
		p.Failed = append(p.Failed, t.ID)
	default:
		// pending and in_progress stay on the pending list
	}
	if err := q.store.UpdateProject(ctx, p); err != nil {
		return fmt.Errorf("mark task %s: update project: %w", t.ID, err)
	}

	slog.Debug("task marked",
		"task_id", t.ID,
		"project_id", p.ID,
		"from", from,
		"to", to,
		"detail", detail,
	)
	return nil
}

// RequeueForRetry appends the failed attempt, consumes one retry, and
// resets the task to pending. The id and dependencies are untouched, so
// the task re-enters readiness selection at its original queue position.
func (q *TaskQueue) RequeueForRetry(ctx context.Context, p *project.Project, t *task.Task, attempt task.Attempt) error {
	if err := q.store.AppendAttempt(ctx, t.ID, attempt); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	t.ExecutionHistory = append(t.ExecutionHistory, attempt)

	if err := task.ValidateTransition(t.Status, task.StatusPending); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}
	t.Retries++
	t.Status = task.StatusPending
	if err := q.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("requeue task %s: %w", t.ID, err)
	}

	slog.Info("task requeued for retry",
		"task_id", t.ID,
		"project_id", p.ID,
		"retries", t.Retries,
		"max_retries", t.MaxRetries,
	)
	return nil
}

// ReadyBatch selects up to limit ready tasks in insertion order: pending
// tasks whose dependencies are all satisfied. Tasks targeting an artifact
// path already claimed by an earlier selection (or an in-progress task)
// are skipped, preserving the per-path single-writer rule under parallel
// dispatch. limit < 1 means no limit.
func ReadyBatch(tasks []task.Task, limit int) []task.Task {
	satisfied := satisfiedSet(tasks)
	busyPaths := make(map[string]struct{})
	for i := range tasks {
		if tasks[i].Status == task.StatusInProgress {
			if path := tasks[i].TargetPath(); path != "" {
				busyPaths[path] = struct{}{}
			}
		}
	}

	var batch []task.Task
	for i := range tasks {
		if limit > 0 && len(batch) >= limit {
			break
		}
		t := tasks[i]
		if t.Status != task.StatusPending {
			continue
		}
		if !depsSatisfied(t, satisfied) {
			continue
		}
		if path := t.TargetPath(); path != "" {
			if _, busy := busyPaths[path]; busy {
				continue
			}
			busyPaths[path] = struct{}{}
		}
		batch = append(batch, t)
	}
	return batch
}

// NextReady returns the oldest-inserted ready task, or nil.
func NextReady(tasks []task.Task) *task.Task {
	batch := ReadyBatch(tasks, 1)
	if len(batch) == 0 {
		return nil
	}
	return &batch[0]
}

// Deadlocked reports whether pending tasks remain but none is ready and
// none is in progress — the state from which the queue can never advance.
func Deadlocked(tasks []task.Task) bool {
	pending, inProgress := 0, 0
	for i := range tasks {
		switch tasks[i].Status {
		case task.StatusPending:
			pending++
		case task.StatusInProgress:
			inProgress++
		}
	}
	if pending == 0 || inProgress > 0 {
		return false
	}
	return len(ReadyBatch(tasks, 1)) == 0
}

// satisfiedSet returns the ids a dependency edge may treat as done:
// completed tasks, plus failed originals whose corrective task completed.
// The corrective stands in for the original, so downstream work is not
// stranded behind an already-repaired failure.
func satisfiedSet(tasks []task.Task) map[string]struct{} {
	satisfied := make(map[string]struct{})
	for i := range tasks {
		if tasks[i].Status != task.StatusCompleted {
			continue
		}
		satisfied[tasks[i].ID] = struct{}{}
		if tasks[i].CorrectiveOf != "" {
			satisfied[tasks[i].CorrectiveOf] = struct{}{}
		}
	}
	return satisfied
}

func depsSatisfied(t task.Task, satisfied map[string]struct{}) bool {
	for _, dep := range t.DependsOn {
		if _, ok := satisfied[dep]; !ok {
			return false
		}
	}
	return true
}

func removeID(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}
