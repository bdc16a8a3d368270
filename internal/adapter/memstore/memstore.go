// Package memstore implements the store port in process memory. It backs
// unit tests and single-binary runs without PostgreSQL; semantics mirror
// the postgres adapter, including optimistic version guards.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Store keeps all state behind a single mutex. Reads return deep copies so
// callers can never observe later mutations.
type Store struct {
	mu       sync.RWMutex
	projects map[string]*project.Project
	tasks    map[string]*task.Task
	verdicts map[string][]security.Verdict // taskID -> vetting history
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		projects: make(map[string]*project.Project),
		tasks:    make(map[string]*task.Task),
		verdicts: make(map[string][]security.Verdict),
	}
}

// CreateProject persists a new project aggregate.
func (s *Store) CreateProject(_ context.Context, p *project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.projects[p.ID]; exists {
		return fmt.Errorf("create project %s: %w", p.ID, domain.ErrConflict)
	}
	p.Version = 1
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	cp := copyProject(p)
	s.projects[p.ID] = &cp
	return nil
}

// GetProject returns the project or domain.ErrNotFound.
func (s *Store) GetProject(_ context.Context, id string) (*project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.projects[id]
	if !ok {
		return nil, fmt.Errorf("get project %s: %w", id, domain.ErrNotFound)
	}
	cp := copyProject(p)
	return &cp, nil
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects(_ context.Context) ([]project.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]project.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, copyProject(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// UpdateProject persists project mutations with a version guard.
func (s *Store) UpdateProject(_ context.Context, p *project.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.projects[p.ID]
	if !ok {
		return fmt.Errorf("update project %s: %w", p.ID, domain.ErrNotFound)
	}
	if cur.Version != p.Version {
		return fmt.Errorf("update project %s: %w", p.ID, domain.ErrConflict)
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	cp := copyProject(p)
	s.projects[p.ID] = &cp
	return nil
}

// CreateTask persists a new task.
func (s *Store) CreateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.ID]; exists {
		return fmt.Errorf("create task %s: %w", t.ID, domain.ErrConflict)
	}
	cp := copyTask(t)
	s.tasks[t.ID] = &cp
	return nil
}

// GetTask returns the task with histories loaded, or domain.ErrNotFound.
func (s *Store) GetTask(_ context.Context, id string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get task %s: %w", id, domain.ErrNotFound)
	}
	cp := copyTask(t)
	return &cp, nil
}

// ListTasks returns all tasks of a project ordered by insertion sequence.
func (s *Store) ListTasks(_ context.Context, projectID string) ([]task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []task.Task
	for _, t := range s.tasks {
		if t.ProjectID == projectID {
			out = append(out, copyTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// UpdateTask persists task scalar mutations. Histories are append-only and
// written through AppendAttempt/AppendVerdict.
func (s *Store) UpdateTask(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("update task %s: %w", t.ID, domain.ErrNotFound)
	}
	cur.Status = t.Status
	cur.Retries = t.Retries
	cur.Escalated = t.Escalated
	cur.UpdatedAt = time.Now().UTC()
	t.UpdatedAt = cur.UpdatedAt
	return nil
}

// AppendAttempt appends one execution-history record.
func (s *Store) AppendAttempt(_ context.Context, taskID string, a task.Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("append attempt for %s: %w", taskID, domain.ErrNotFound)
	}
	t.ExecutionHistory = append(t.ExecutionHistory, a)
	return nil
}

// AppendVerdict appends one acceptance-validation record.
func (s *Store) AppendVerdict(_ context.Context, taskID string, v task.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return fmt.Errorf("append verdict for %s: %w", taskID, domain.ErrNotFound)
	}
	t.ValidationHistory = append(t.ValidationHistory, v)
	return nil
}

// AppendSecurityVerdict appends one command-vetting record for audit.
func (s *Store) AppendSecurityVerdict(_ context.Context, taskID string, v security.Verdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[taskID]; !ok {
		return fmt.Errorf("append security verdict for %s: %w", taskID, domain.ErrNotFound)
	}
	s.verdicts[taskID] = append(s.verdicts[taskID], v)
	return nil
}

// ListSecurityVerdicts returns the ordered vetting history of a task.
func (s *Store) ListSecurityVerdicts(_ context.Context, taskID string) ([]security.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]security.Verdict, len(s.verdicts[taskID]))
	copy(out, s.verdicts[taskID])
	return out, nil
}

func copyProject(p *project.Project) project.Project {
	cp := *p
	cp.Pending = append([]string(nil), p.Pending...)
	cp.Completed = append([]string(nil), p.Completed...)
	cp.Failed = append([]string(nil), p.Failed...)
	cp.ArtifactsState = make(map[string]artifact.Record, len(p.ArtifactsState))
	for k, v := range p.ArtifactsState {
		cp.ArtifactsState[k] = v
	}
	return cp
}

func copyTask(t *task.Task) task.Task {
	cp := *t
	cp.DependsOn = append([]string(nil), t.DependsOn...)
	cp.ExecutionHistory = append([]task.Attempt(nil), t.ExecutionHistory...)
	cp.ValidationHistory = append([]task.Verdict(nil), t.ValidationHistory...)
	return cp
}
