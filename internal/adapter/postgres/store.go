package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Store implements the store port using PostgreSQL. Projects use optimistic
// version guards; task histories are append-only tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- Projects ---

const projectColumns = `id, goal, status, pending, completed, failed, artifacts_state, metrics, engine_config, failure_reason, version, created_at, updated_at`

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	artifactsJSON, metricsJSON, engineJSON, err := marshalProjectJSON(p)
	if err != nil {
		return err
	}

	p.Version = 1
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, goal, status, pending, completed, failed, artifacts_state, metrics, engine_config, failure_reason, version, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		p.ID, p.Goal, string(p.Status), pgTextArray(p.Pending), pgTextArray(p.Completed), pgTextArray(p.Failed),
		artifactsJSON, metricsJSON, engineJSON, p.FailureReason, p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return constraintWrap(err, "create project %s", p.ID)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, id string) (*project.Project, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = $1`, id)

	p, err := scanProject(row)
	if err != nil {
		return nil, notFoundWrap(err, "get project %s", id)
	}
	return &p, nil
}

func (s *Store) ListProjects(ctx context.Context) ([]project.Project, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+projectColumns+` FROM projects ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var projects []project.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

func (s *Store) UpdateProject(ctx context.Context, p *project.Project) error {
	artifactsJSON, metricsJSON, engineJSON, err := marshalProjectJSON(p)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET goal = $2, status = $3, pending = $4, completed = $5, failed = $6,
		 artifacts_state = $7, metrics = $8, engine_config = $9, failure_reason = $10,
		 version = version + 1, updated_at = now()
		 WHERE id = $1 AND version = $11`,
		p.ID, p.Goal, string(p.Status), pgTextArray(p.Pending), pgTextArray(p.Completed), pgTextArray(p.Failed),
		artifactsJSON, metricsJSON, engineJSON, p.FailureReason, p.Version)
	if err != nil {
		return fmt.Errorf("update project %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, p.ID).Scan(&exists); err != nil {
			return fmt.Errorf("update project %s: %w", p.ID, err)
		}
		if !exists {
			return fmt.Errorf("update project %s: %w", p.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("update project %s: %w", p.ID, domain.ErrConflict)
	}
	p.Version++
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// --- Tasks ---

const taskColumns = `id, project_id, description, kind, depends_on, status, acceptance_criteria, retries, max_retries, escalated, corrective, corrective_of, seq, created_at, updated_at`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	kindJSON, err := task.MarshalKind(t.Kind)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (id, project_id, description, kind, depends_on, status, acceptance_criteria, retries, max_retries, escalated, corrective, corrective_of, seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		t.ID, t.ProjectID, t.Description, kindJSON, pgTextArray(t.DependsOn), string(t.Status),
		t.AcceptanceCriteria, t.Retries, t.MaxRetries, t.Escalated, t.Corrective, t.CorrectiveOf, t.Seq, t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return constraintWrap(err, "create task %s", t.ID)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)

	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	if err := s.loadHistories(ctx, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, projectID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE project_id = $1 ORDER BY seq ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range tasks {
		if err := s.loadHistories(ctx, &tasks[i]); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, retries = $3, escalated = $4, updated_at = now()
		 WHERE id = $1`,
		t.ID, string(t.Status), t.Retries, t.Escalated)
	return execExpectOne(tag, err, "update task %s", t.ID)
}

// --- Histories ---

func (s *Store) AppendAttempt(ctx context.Context, taskID string, a task.Attempt) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_attempts (task_id, number, outcome, detail, artifact_hash, exit_code, timed_out, duration_ms, started_at, finished_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		taskID, a.Number, a.Outcome, a.Detail, a.ArtifactHash, a.ExitCode, a.TimedOut, a.DurationMS, a.StartedAt, a.FinishedAt)
	if err != nil {
		return constraintWrap(err, "append attempt for %s", taskID)
	}
	return nil
}

func (s *Store) AppendVerdict(ctx context.Context, taskID string, v task.Verdict) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO task_verdicts (task_id, pass, rationale, created_at)
		 VALUES ($1, $2, $3, $4)`,
		taskID, v.Pass, v.Rationale, v.CreatedAt)
	if err != nil {
		return constraintWrap(err, "append verdict for %s", taskID)
	}
	return nil
}

func (s *Store) AppendSecurityVerdict(ctx context.Context, taskID string, v security.Verdict) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO security_verdicts (task_id, command, whitelist_match, blacklist_pattern, semantic, decision, rationale, permissive_override, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		taskID, v.Command, v.WhitelistMatch, v.BlacklistPattern, string(v.Semantic), string(v.Final),
		v.Rationale, v.PermissiveOverride, v.CreatedAt)
	if err != nil {
		return constraintWrap(err, "append security verdict for %s", taskID)
	}
	return nil
}

func (s *Store) ListSecurityVerdicts(ctx context.Context, taskID string) ([]security.Verdict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT command, whitelist_match, blacklist_pattern, semantic, decision, rationale, permissive_override, created_at
		 FROM security_verdicts WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list security verdicts: %w", err)
	}
	defer rows.Close()

	var verdicts []security.Verdict
	for rows.Next() {
		var v security.Verdict
		if err := rows.Scan(&v.Command, &v.WhitelistMatch, &v.BlacklistPattern, &v.Semantic, &v.Final,
			&v.Rationale, &v.PermissiveOverride, &v.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan security verdict: %w", err)
		}
		verdicts = append(verdicts, v)
	}
	return verdicts, rows.Err()
}

// loadHistories fills a task's execution and validation histories.
func (s *Store) loadHistories(ctx context.Context, t *task.Task) error {
	rows, err := s.pool.Query(ctx,
		`SELECT number, outcome, detail, artifact_hash, exit_code, timed_out, duration_ms, started_at, finished_at
		 FROM task_attempts WHERE task_id = $1 ORDER BY id ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("load attempts for %s: %w", t.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var a task.Attempt
		if err := rows.Scan(&a.Number, &a.Outcome, &a.Detail, &a.ArtifactHash, &a.ExitCode, &a.TimedOut,
			&a.DurationMS, &a.StartedAt, &a.FinishedAt); err != nil {
			return fmt.Errorf("scan attempt: %w", err)
		}
		t.ExecutionHistory = append(t.ExecutionHistory, a)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	vrows, err := s.pool.Query(ctx,
		`SELECT pass, rationale, created_at
		 FROM task_verdicts WHERE task_id = $1 ORDER BY id ASC`, t.ID)
	if err != nil {
		return fmt.Errorf("load verdicts for %s: %w", t.ID, err)
	}
	defer vrows.Close()

	for vrows.Next() {
		var v task.Verdict
		if err := vrows.Scan(&v.Pass, &v.Rationale, &v.CreatedAt); err != nil {
			return fmt.Errorf("scan verdict: %w", err)
		}
		t.ValidationHistory = append(t.ValidationHistory, v)
	}
	return vrows.Err()
}

// --- Scanners ---

func scanProject(row scannable) (project.Project, error) {
	var p project.Project
	var artifactsJSON, metricsJSON, engineJSON []byte
	err := row.Scan(&p.ID, &p.Goal, &p.Status, &p.Pending, &p.Completed, &p.Failed,
		&artifactsJSON, &metricsJSON, &engineJSON, &p.FailureReason, &p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if artifactsJSON != nil {
		if err := json.Unmarshal(artifactsJSON, &p.ArtifactsState); err != nil {
			return p, fmt.Errorf("unmarshal artifacts_state: %w", err)
		}
	}
	if p.ArtifactsState == nil {
		p.ArtifactsState = make(map[string]artifact.Record)
	}
	if metricsJSON != nil {
		if err := json.Unmarshal(metricsJSON, &p.Metrics); err != nil {
			return p, fmt.Errorf("unmarshal metrics: %w", err)
		}
	}
	if engineJSON != nil {
		if err := json.Unmarshal(engineJSON, &p.EngineConfig); err != nil {
			return p, fmt.Errorf("unmarshal engine_config: %w", err)
		}
	}
	return p, nil
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var kindJSON []byte
	err := row.Scan(&t.ID, &t.ProjectID, &t.Description, &kindJSON, &t.DependsOn, &t.Status,
		&t.AcceptanceCriteria, &t.Retries, &t.MaxRetries, &t.Escalated, &t.Corrective, &t.CorrectiveOf,
		&t.Seq, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return t, err
	}
	kind, err := task.UnmarshalKind(kindJSON)
	if err != nil {
		return t, fmt.Errorf("unmarshal task kind: %w", err)
	}
	t.Kind = kind
	return t, nil
}

func marshalProjectJSON(p *project.Project) (artifacts, metrics, engine []byte, err error) {
	state := p.ArtifactsState
	if state == nil {
		state = make(map[string]artifact.Record)
	}
	artifacts, err = json.Marshal(state)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal artifacts_state: %w", err)
	}
	metrics, err = json.Marshal(p.Metrics)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal metrics: %w", err)
	}
	engine, err = json.Marshal(p.EngineConfig)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("marshal engine_config: %w", err)
	}
	return artifacts, metrics, engine, nil
}
