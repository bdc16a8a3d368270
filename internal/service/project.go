// Package service implements business logic on top of ports.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/port/cache"
	"github.com/fabrica-dev/fabrica/internal/port/messagequeue"
	"github.com/fabrica-dev/fabrica/internal/port/store"
)

// EngineStarter launches engine runs in the background. Implemented by the
// engine supervisor wired in at startup.
type EngineStarter interface {
	StartProject(projectID string)
}

// ProjectService handles project lifecycle: creation, queries, snapshots,
// and resuming interrupted runs.
type ProjectService struct {
	store    store.Store
	events   messagequeue.Queue
	defaults project.EngineConfig

	engine      EngineStarter
	snapshots   cache.Cache
	snapshotTTL time.Duration
}

// NewProjectService creates a ProjectService. defaults supplies the engine
// configuration for create requests that leave fields zero.
func NewProjectService(st store.Store, events messagequeue.Queue, defaults project.EngineConfig) *ProjectService {
	return &ProjectService{store: st, events: events, defaults: defaults}
}

// SetEngine wires the engine starter. When set, created and resumed
// projects start running immediately; otherwise they stay queryable until
// Resume is called on a process that has one.
func (s *ProjectService) SetEngine(e EngineStarter) {
	s.engine = e
}

// SetSnapshotCache enables short-TTL caching of snapshot reads, shielding
// the store from dashboard polling.
func (s *ProjectService) SetSnapshotCache(c cache.Cache, ttl time.Duration) {
	s.snapshots = c
	s.snapshotTTL = ttl
}

// Create validates the request, persists a new planned project, and
// launches it when an engine is wired.
func (s *ProjectService) Create(ctx context.Context, req *project.CreateRequest) (*project.Project, error) {
	goal := strings.TrimSpace(req.Goal)
	if goal == "" {
		return nil, fmt.Errorf("goal is required: %w", domain.ErrValidation)
	}
	if req.MaxProjectIterations < 0 || req.MaxIterationsPerTask < 0 ||
		req.TimeoutSeconds < 0 || req.MaxParallelTasks < 0 {
		return nil, fmt.Errorf("engine limits must not be negative: %w", domain.ErrValidation)
	}

	cfg := s.defaults
	if req.MaxProjectIterations > 0 {
		cfg.MaxProjectIterations = req.MaxProjectIterations
	}
	if req.MaxIterationsPerTask > 0 {
		cfg.MaxIterationsPerTask = req.MaxIterationsPerTask
	}
	if req.TimeoutSeconds > 0 {
		cfg.TimeoutSeconds = req.TimeoutSeconds
	}
	if req.MaxParallelTasks > 0 {
		cfg.MaxParallelTasks = req.MaxParallelTasks
	}

	p := &project.Project{
		ID:             uuid.NewString(),
		Goal:           goal,
		Status:         project.StatusPlanned,
		ArtifactsState: make(map[string]artifact.Record),
		EngineConfig:   cfg,
	}
	if err := s.store.CreateProject(ctx, p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}

	s.publish(ctx, messagequeue.SubjectProjectCreated, messagequeue.ProjectEventPayload{
		ProjectID: p.ID,
		Status:    string(p.Status),
	})
	slog.Info("project created", "project_id", p.ID, "goal", truncateGoal(goal))

	if s.engine != nil {
		s.engine.StartProject(p.ID)
	}
	return p, nil
}

// List returns all projects.
func (s *ProjectService) List(ctx context.Context) ([]project.Project, error) {
	return s.store.ListProjects(ctx)
}

// Get returns a project by ID.
func (s *ProjectService) Get(ctx context.Context, id string) (*project.Project, error) {
	return s.store.GetProject(ctx, id)
}

// GetTask returns a task with its attempt and verdict histories.
func (s *ProjectService) GetTask(ctx context.Context, taskID string) (*task.Task, error) {
	return s.store.GetTask(ctx, taskID)
}

// TaskSecurityLog returns the ordered command-vetting audit records of a task.
func (s *ProjectService) TaskSecurityLog(ctx context.Context, taskID string) ([]security.Verdict, error) {
	return s.store.ListSecurityVerdicts(ctx, taskID)
}

// Snapshot returns a point-in-time view of a project and all its tasks.
// Works on running and terminal projects alike; never blocks the engine.
func (s *ProjectService) Snapshot(ctx context.Context, id string) (*project.Snapshot, error) {
	key := snapshotKey(id)
	if s.snapshots != nil {
		if data, ok, err := s.snapshots.Get(ctx, key); err == nil && ok {
			var snap project.Snapshot
			if jsonErr := json.Unmarshal(data, &snap); jsonErr == nil {
				return &snap, nil
			}
		}
	}

	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	tasks, err := s.store.ListTasks(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	if tasks == nil {
		tasks = []task.Task{}
	}

	snap := &project.Snapshot{
		Project: *p,
		Tasks:   tasks,
		TakenAt: time.Now().UTC(),
	}
	if s.snapshots != nil {
		if data, err := json.Marshal(snap); err == nil {
			if cacheErr := s.snapshots.Set(ctx, key, data, s.snapshotTTL); cacheErr != nil {
				slog.Debug("snapshot cache set failed", "project_id", id, "error", cacheErr)
			}
		}
	}
	return snap, nil
}

// Resume relaunches a non-terminal project on this process. Planned
// projects start from planning; running projects recover from their last
// persisted state.
func (s *ProjectService) Resume(ctx context.Context, id string) (*project.Project, error) {
	p, err := s.store.GetProject(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if p.Status.IsTerminal() {
		return nil, fmt.Errorf("project %s is %s: %w", id, p.Status, domain.ErrConflict)
	}
	if s.engine == nil {
		return nil, fmt.Errorf("resume project %s: no engine configured", id)
	}

	if s.snapshots != nil {
		// Drop the cached snapshot so observers see the resumed state
		// immediately instead of after the TTL.
		if err := s.snapshots.Delete(ctx, snapshotKey(id)); err != nil {
			slog.Debug("snapshot cache invalidation failed", "project_id", id, "error", err)
		}
	}

	s.engine.StartProject(id)
	slog.Info("project resume requested", "project_id", id, "status", p.Status)
	return p, nil
}

// publish sends an event best-effort; delivery failures are logged, never
// propagated, so observers cannot stall project work.
func (s *ProjectService) publish(ctx context.Context, subject string, payload any) {
	publishEvent(ctx, s.events, subject, payload)
}

// publishEvent marshals and publishes an event best-effort. Event delivery
// is observability, never control flow.
func publishEvent(ctx context.Context, q messagequeue.Queue, subject string, payload any) {
	if q == nil {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Warn("marshal event payload", "subject", subject, "error", err)
		return
	}
	if err := q.Publish(ctx, subject, data); err != nil {
		slog.Warn("publish event", "subject", subject, "error", err)
	}
}

func snapshotKey(id string) string {
	return "snapshot:" + id
}

func truncateGoal(goal string) string {
	const max = 120
	if len(goal) <= max {
		return goal
	}
	return goal[:max] + "..."
}
