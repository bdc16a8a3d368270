package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	fabotel "github.com/fabrica-dev/fabrica/internal/adapter/otel"
	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/artifact"
	"github.com/fabrica-dev/fabrica/internal/domain/execution"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/port/acceptance"
	"github.com/fabrica-dev/fabrica/internal/port/executor"
	"github.com/fabrica-dev/fabrica/internal/port/generator"
	"github.com/fabrica-dev/fabrica/internal/port/messagequeue"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
	"github.com/fabrica-dev/fabrica/internal/port/planner"
	"github.com/fabrica-dev/fabrica/internal/port/store"
	"github.com/fabrica-dev/fabrica/internal/resilience"
)

// Engine drives a project run end to end: planning, readiness selection,
// dispatch, validation, commit, retry, and escalation, bounded by the
// project's iteration budget. Scheduling decisions are single-threaded
// over the store; only the I/O-bound task work (model calls, sandbox
// execution) runs on the bounded worker pool.
type Engine struct {
	store         store.Store
	queue         *TaskQueue
	security      *SecurityService
	executor      executor.Executor
	planner       planner.Planner
	generator     generator.Generator
	validator     acceptance.Validator
	events        messagequeue.Queue
	workspaceRoot string

	checkpoints *CheckpointService
	retry       resilience.RetryPolicy
	metrics     *fabotel.Metrics

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	active    map[string]struct{}
}

// NewEngine creates an Engine over its collaborators. Project workspaces
// are created under workspaceRoot, one directory per project.
func NewEngine(
	st store.Store,
	sec *SecurityService,
	exec executor.Executor,
	pl planner.Planner,
	gen generator.Generator,
	val acceptance.Validator,
	events messagequeue.Queue,
	workspaceRoot string,
) *Engine {
	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:         st,
		queue:         NewTaskQueue(st),
		security:      sec,
		executor:      exec,
		planner:       pl,
		generator:     gen,
		validator:     val,
		events:        events,
		workspaceRoot: workspaceRoot,
		retry:         resilience.DefaultRetryPolicy(),
		runCtx:        runCtx,
		runCancel:     cancel,
		active:        make(map[string]struct{}),
	}
}

// SetCheckpoints enables workspace shadow commits after each committed task.
func (e *Engine) SetCheckpoints(c *CheckpointService) {
	e.checkpoints = c
}

// SetRetryPolicy overrides the call-site retry policy for model and
// container-start failures.
func (e *Engine) SetRetryPolicy(p resilience.RetryPolicy) {
	e.retry = p
}

// SetMetrics attaches telemetry instruments. A nil Metrics records nothing.
func (e *Engine) SetMetrics(m *fabotel.Metrics) {
	e.metrics = m
}

// StartProject launches Run in the background unless the project is
// already running on this process. Implements EngineStarter.
func (e *Engine) StartProject(projectID string) {
	e.mu.Lock()
	if _, busy := e.active[projectID]; busy {
		e.mu.Unlock()
		slog.Warn("project already running", "project_id", projectID)
		return
	}
	e.active[projectID] = struct{}{}
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.active, projectID)
			e.mu.Unlock()
		}()
		if err := e.Run(e.runCtx, projectID); err != nil {
			slog.Error("project run stopped", "project_id", projectID, "error", err)
		}
	}()
}

// Shutdown cancels all background runs and waits for them to stop. Runs
// interrupted here leave their projects non-terminal, ready for Resume.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.runCancel()
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run carries the per-run state shared by the loop and its helpers.
type run struct {
	p            *project.Project
	workspaceDir string
	artifacts    *ArtifactStore
	sink         *modelprovider.UsageSink
	base         project.Metrics // metrics accumulated by previous runs
}

// Run executes one project to a terminal status, or until the context is
// cancelled or the substrate fails — in those cases the project stays
// non-terminal and a later Run continues from the last persisted state.
func (e *Engine) Run(ctx context.Context, projectID string) error {
	p, err := e.store.GetProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("get project: %w", err)
	}
	if p.Status.IsTerminal() {
		return fmt.Errorf("project %s is %s: %w", projectID, p.Status, domain.ErrConflict)
	}

	ctx, span := fabotel.StartProjectSpan(ctx, projectID)
	defer span.End()

	sink := &modelprovider.UsageSink{}
	ctx = modelprovider.WithUsageSink(ctx, sink)
	defer func() {
		u := sink.Total()
		e.metrics.ModelUsage(ctx, u.PromptTokens, u.CompletionTokens, u.CostUSD)
	}()

	r := &run{
		p:            p,
		workspaceDir: filepath.Join(e.workspaceRoot, p.ID),
		sink:         sink,
		base:         p.Metrics,
	}
	if e.checkpoints != nil {
		if err := e.checkpoints.InitWorkspace(ctx, r.workspaceDir); err != nil {
			return fmt.Errorf("init workspace: %w", err)
		}
	} else if err := os.MkdirAll(r.workspaceDir, 0o755); err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	r.artifacts = NewArtifactStore(r.workspaceDir)

	switch p.Status {
	case project.StatusPlanned:
		if err := e.plan(ctx, r); err != nil {
			return err
		}
	case project.StatusRunning:
		if err := e.recover(ctx, r); err != nil {
			return err
		}
	}

	return e.loop(ctx, r)
}

// plan asks the planner for the initial task graph and enqueues it. A
// partially persisted plan left by an earlier crash is superseded: its
// tasks are terminalized for audit and planning starts over.
func (e *Engine) plan(ctx context.Context, r *run) error {
	ctx, span := fabotel.StartPlanningSpan(ctx, r.p.ID)
	defer span.End()

	existing, err := e.store.ListTasks(ctx, r.p.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for i := range existing {
		t := &existing[i]
		if t.Status != task.StatusPending {
			continue
		}
		if err := e.queue.Mark(ctx, r.p, t, task.StatusFailed, "superseded by replanning"); err != nil {
			return err
		}
	}

	var tasks []*task.Task
	err = e.retry.Retry(ctx, modelTransient, func() error {
		specs, planErr := e.planner.PlanProject(ctx, r.p.Goal)
		if planErr != nil {
			return planErr
		}
		built, buildErr := materialize(r.p, specs)
		if buildErr != nil {
			return buildErr
		}
		tasks = built
		return nil
	})
	if err != nil {
		return e.failProject(ctx, r, fmt.Errorf("planning: %w", err))
	}

	for _, t := range tasks {
		if err := e.queue.Enqueue(ctx, r.p, t); err != nil {
			return err
		}
		e.publishTask(ctx, messagequeue.SubjectTaskEnqueued, r.p, t, "")
	}

	r.p.Status = project.StatusRunning
	if err := e.store.UpdateProject(ctx, r.p); err != nil {
		return fmt.Errorf("start project: %w", err)
	}
	e.publishProject(ctx, messagequeue.SubjectProjectStarted, r.p, "")
	slog.Info("project planned", "project_id", r.p.ID, "tasks", len(tasks))
	return nil
}

// materialize turns planner specs into persistable tasks, resolving
// ref-based dependencies to task ids. A spec referencing an unknown ref is
// a malformed plan, reported as transient so planning is retried.
func materialize(p *project.Project, specs []task.Spec) ([]*task.Task, error) {
	if len(specs) == 0 {
		return nil, fmt.Errorf("plan contains no tasks: %w", domain.ErrModelTransient)
	}
	ids := make(map[string]string, len(specs))
	for _, s := range specs {
		if _, dup := ids[s.Ref]; dup {
			return nil, fmt.Errorf("plan duplicates task ref %q: %w", s.Ref, domain.ErrModelTransient)
		}
		ids[s.Ref] = ""
	}

	baseSeq := int64(len(p.Pending) + len(p.Completed) + len(p.Failed))
	tasks := make([]*task.Task, 0, len(specs))
	for i, s := range specs {
		t := task.New(p.ID, baseSeq+int64(i)+1, s, nil, p.EngineConfig.MaxIterationsPerTask)
		ids[s.Ref] = t.ID
		tasks = append(tasks, t)
	}
	for i, s := range specs {
		deps := make([]string, 0, len(s.DependsOn))
		for _, ref := range s.DependsOn {
			id, ok := ids[ref]
			if !ok {
				return nil, fmt.Errorf("plan references unknown task %q: %w", ref, domain.ErrModelTransient)
			}
			deps = append(deps, id)
		}
		tasks[i].DependsOn = deps
	}
	return tasks, nil
}

// recover resets tasks stranded in_progress by an interrupted run and
// rewinds the workspace to its last shadow commit.
func (e *Engine) recover(ctx context.Context, r *run) error {
	tasks, err := e.store.ListTasks(ctx, r.p.ID)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	reset := 0
	for i := range tasks {
		t := &tasks[i]
		if t.Status != task.StatusInProgress {
			continue
		}
		now := time.Now().UTC()
		attempt := task.Attempt{
			Number:     len(t.ExecutionHistory) + 1,
			Outcome:    task.OutcomeInterrupted,
			Detail:     "run interrupted mid-attempt",
			StartedAt:  now,
			FinishedAt: now,
		}
		if err := e.store.AppendAttempt(ctx, t.ID, attempt); err != nil {
			return fmt.Errorf("record interruption for %s: %w", t.ID, err)
		}
		t.ExecutionHistory = append(t.ExecutionHistory, attempt)
		if err := e.queue.Mark(ctx, r.p, t, task.StatusPending, "reset after interruption"); err != nil {
			return err
		}
		reset++
	}

	if e.checkpoints != nil {
		if err := e.checkpoints.Restore(ctx, r.workspaceDir); err != nil {
			return fmt.Errorf("restore workspace: %w", err)
		}
	}

	e.publishProject(ctx, messagequeue.SubjectProjectResumed, r.p, "")
	slog.Info("project resumed", "project_id", r.p.ID, "reset_tasks", reset)
	return nil
}

// loop is the scheduling cycle: check termination, select a ready batch,
// dispatch it on workers, then apply the results one at a time.
func (e *Engine) loop(ctx context.Context, r *run) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.syncUsage(r)

		tasks, err := e.store.ListTasks(ctx, r.p.ID)
		if err != nil {
			return fmt.Errorf("list tasks: %w", err)
		}

		if len(r.p.Pending) == 0 {
			return e.completeProject(ctx, r)
		}

		remaining := r.p.EngineConfig.MaxProjectIterations - r.p.Metrics.Iterations
		if remaining <= 0 {
			return e.failProject(ctx, r,
				fmt.Errorf("%w: %d iterations consumed", domain.ErrIterationBudget, r.p.Metrics.Iterations))
		}

		limit := r.p.EngineConfig.MaxParallelTasks
		if limit < 1 {
			limit = 1
		}
		batch := ReadyBatch(tasks, min(limit, remaining))
		if len(batch) == 0 {
			if Deadlocked(tasks) {
				return e.failProject(ctx, r,
					fmt.Errorf("%w: %d tasks can never become ready", domain.ErrDependencyDeadlock, len(r.p.Pending)))
			}
			return fmt.Errorf("scheduler stalled: %d pending tasks, none ready", len(r.p.Pending))
		}

		for i := range batch {
			t := &batch[i]
			r.p.Metrics.Iterations++
			e.metrics.Iteration(ctx)
			if err := e.queue.Mark(ctx, r.p, t, task.StatusInProgress, "dispatched"); err != nil {
				return err
			}
			e.metrics.TaskStarted(ctx, t.Kind.Type())
			e.publishTask(ctx, messagequeue.SubjectTaskStarted, r.p, t, "")
		}

		results := e.dispatchBatch(ctx, r, batch)

		var abort error
		for i := range results {
			err := e.apply(ctx, r, &results[i])
			var ab *abortError
			switch {
			case errors.As(err, &ab):
				if abort == nil {
					abort = ab.cause
				}
			case err != nil:
				return err
			}
		}
		if abort != nil {
			return e.failProject(ctx, r, abort)
		}
	}
}

// taskResult is one worker's outcome, applied to the store by the
// scheduler. Workers never write store state themselves.
type taskResult struct {
	task      *task.Task
	attempt   task.Attempt
	verdict   *acceptance.Verdict
	security  *security.Verdict
	execution *execution.Result
	content   []byte
	pass      bool
	err       error // abort-class failure, or context cancellation
}

// abortError marks a structural or substrate failure that must
// terminalize the whole project.
type abortError struct {
	cause error
}

func (a *abortError) Error() string { return a.cause.Error() }
func (a *abortError) Unwrap() error { return a.cause }

// dispatchBatch runs the batch on parallel workers. Results are returned
// in batch order; a failed worker never blocks its siblings.
func (e *Engine) dispatchBatch(ctx context.Context, r *run, batch []task.Task) []taskResult {
	results := make([]taskResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		g.Go(func() error {
			results[i] = e.dispatch(gctx, r, &batch[i])
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// dispatch runs one task to an evaluated outcome by kind.
func (e *Engine) dispatch(ctx context.Context, r *run, t *task.Task) taskResult {
	ctx, span := fabotel.StartTaskSpan(ctx, t.ID, r.p.ID, t.Kind.Type())
	defer span.End()
	started := time.Now()
	defer func() { e.metrics.TaskDuration(ctx, time.Since(started), t.Kind.Type()) }()

	switch kind := t.Kind.(type) {
	case task.CreateFile:
		return e.dispatchCreateFile(ctx, r, t, kind)
	case task.RunCommand:
		return e.dispatchRunCommand(ctx, r, t, kind)
	default:
		return taskResult{
			task: t,
			err:  &abortError{cause: fmt.Errorf("task %s: unsupported kind %T", t.ID, t.Kind)},
		}
	}
}

// dispatchCreateFile generates file content and validates it against the
// task's acceptance criteria. The artifact commit itself happens in apply,
// under the scheduler.
func (e *Engine) dispatchCreateFile(ctx context.Context, r *run, t *task.Task, kind task.CreateFile) taskResult {
	res := taskResult{task: t}
	started := time.Now().UTC()

	var content string
	err := e.retry.Retry(ctx, modelTransient, func() error {
		var genErr error
		content, genErr = e.generator.GenerateFile(ctx, generator.Request{Goal: r.p.Goal, Task: *t})
		return genErr
	})
	if err != nil {
		return e.stageFailure(ctx, res, started, fmt.Errorf("generate %s: %w", kind.Path, err))
	}

	verdict, err := e.validate(ctx, acceptance.Request{Task: *t, Content: content})
	if err != nil {
		return e.stageFailure(ctx, res, started, fmt.Errorf("validate %s: %w", kind.Path, err))
	}

	res.content = []byte(content)
	res.verdict = verdict
	res.pass = verdict.Pass
	res.attempt = task.Attempt{
		Outcome:      task.OutcomeGenerated,
		ArtifactHash: artifact.HashContent(res.content),
		StartedAt:    started,
		FinishedAt:   time.Now().UTC(),
	}
	res.attempt.DurationMS = res.attempt.FinishedAt.Sub(started).Milliseconds()
	if !verdict.Pass {
		res.attempt.Outcome = task.OutcomeValidationFailed
		res.attempt.Detail = verdict.Rationale
	}
	return res
}

// dispatchRunCommand vets the command, executes it in the sandbox, and
// validates the execution result. A non-zero exit or timeout is a task
// failure in its own right; the validator only judges successful runs.
func (e *Engine) dispatchRunCommand(ctx context.Context, r *run, t *task.Task, kind task.RunCommand) taskResult {
	res := taskResult{task: t}
	started := time.Now().UTC()

	verdict, err := e.security.Vet(ctx, kind.Command, kind.TaskType)
	if err != nil {
		return e.stageFailure(ctx, res, started, fmt.Errorf("vet command: %w", err))
	}
	res.security = &verdict
	if !verdict.Allowed() {
		res.attempt = task.Attempt{
			Outcome:    task.OutcomeSecurityDenied,
			Detail:     verdict.Rationale,
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
		return res
	}

	var execRes execution.Result
	err = e.retry.Retry(ctx, infrastructure, func() error {
		var execErr error
		execRes, execErr = e.executor.Execute(ctx, r.workspaceDir, t.ID, kind.Command, kind.TaskType, r.p.EngineConfig.TimeoutSeconds)
		return execErr
	})
	if err != nil {
		// Container-start failures surviving the call-site retries mean
		// the substrate is down; no task can proceed.
		res.err = &abortError{cause: fmt.Errorf("execute command for task %s: %w", t.ID, err)}
		if ctx.Err() != nil {
			res.err = ctx.Err()
		}
		return res
	}
	res.execution = &execRes
	res.attempt = task.Attempt{
		Outcome:    task.OutcomeExecuted,
		ExitCode:   execRes.ExitCode,
		TimedOut:   execRes.TimedOut,
		DurationMS: execRes.Duration.Milliseconds(),
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	if !execRes.Succeeded() {
		if execRes.TimedOut {
			res.attempt.Detail = "[timed out]"
		} else {
			res.attempt.Detail = fmt.Sprintf("exit code %d: %s", execRes.ExitCode, tail(execRes.Stderr, 400))
		}
		return res
	}

	accVerdict, err := e.validate(ctx, acceptance.Request{Task: *t, Execution: &execRes})
	if err != nil {
		return e.stageFailure(ctx, res, started, fmt.Errorf("validate execution: %w", err))
	}
	res.verdict = accVerdict
	res.pass = accVerdict.Pass
	if !accVerdict.Pass {
		res.attempt.Outcome = task.OutcomeValidationFailed
		res.attempt.Detail = accVerdict.Rationale
	}
	return res
}

// validate runs the acceptance validator with call-site retries.
func (e *Engine) validate(ctx context.Context, req acceptance.Request) (*acceptance.Verdict, error) {
	var verdict *acceptance.Verdict
	err := e.retry.Retry(ctx, modelTransient, func() error {
		var vErr error
		verdict, vErr = e.validator.Validate(ctx, req)
		return vErr
	})
	if err != nil {
		return nil, err
	}
	return verdict, nil
}

// stageFailure classifies a failed model-backed stage: fatal provider
// errors abort the project, context cancellation stops the run, and
// exhausted transients are promoted to a task failure.
func (e *Engine) stageFailure(ctx context.Context, res taskResult, started time.Time, err error) taskResult {
	switch {
	case ctx.Err() != nil:
		res.err = ctx.Err()
	case errors.Is(err, domain.ErrModelFatal):
		res.err = &abortError{cause: err}
	default:
		res.attempt = task.Attempt{
			Outcome:    task.OutcomeInfraError,
			Detail:     err.Error(),
			StartedAt:  started,
			FinishedAt: time.Now().UTC(),
		}
	}
	return res
}

// apply folds one worker result into persistent state: histories first,
// then the commit or the retry/escalation decision.
func (e *Engine) apply(ctx context.Context, r *run, res *taskResult) error {
	t := res.task

	if res.security != nil {
		if err := e.store.AppendSecurityVerdict(ctx, t.ID, *res.security); err != nil {
			return fmt.Errorf("record security verdict for %s: %w", t.ID, err)
		}
		if !res.security.Allowed() {
			e.metrics.SecurityDenied(ctx)
			e.publish(ctx, messagequeue.SubjectTaskDenied, messagequeue.SecurityDeniedPayload{
				TaskID:    t.ID,
				ProjectID: r.p.ID,
				Command:   res.security.Command,
				Rationale: res.security.Rationale,
			})
		}
	}

	if res.err != nil {
		var ab *abortError
		if !errors.As(res.err, &ab) {
			return res.err // cancellation or plain substrate stop; resumable
		}
		now := time.Now().UTC()
		attempt := task.Attempt{
			Number:     len(t.ExecutionHistory) + 1,
			Outcome:    task.OutcomeInfraError,
			Detail:     ab.cause.Error(),
			StartedAt:  now,
			FinishedAt: now,
		}
		if err := e.store.AppendAttempt(ctx, t.ID, attempt); err != nil {
			return fmt.Errorf("record attempt for %s: %w", t.ID, err)
		}
		t.ExecutionHistory = append(t.ExecutionHistory, attempt)
		r.p.Metrics.ErrorCount++
		if err := e.queue.Mark(ctx, r.p, t, task.StatusFailed, attempt.Detail); err != nil {
			return err
		}
		e.metrics.TaskFailed(ctx, attempt.Outcome)
		e.publishTask(ctx, messagequeue.SubjectTaskFailed, r.p, t, attempt.Detail)
		return res.err
	}

	if res.verdict != nil {
		v := task.Verdict{Pass: res.verdict.Pass, Rationale: res.verdict.Rationale, CreatedAt: time.Now().UTC()}
		if err := e.store.AppendVerdict(ctx, t.ID, v); err != nil {
			return fmt.Errorf("record verdict for %s: %w", t.ID, err)
		}
		t.ValidationHistory = append(t.ValidationHistory, v)
	}
	if res.execution != nil {
		if res.execution.TimedOut {
			e.metrics.SandboxTimeout(ctx)
		}
		e.publishOutput(ctx, r.p, t, res.execution)
	}

	res.attempt.Number = len(t.ExecutionHistory) + 1

	if res.pass {
		if cf, ok := t.Kind.(task.CreateFile); ok {
			rec, err := r.artifacts.Put(r.p.ArtifactsState, cf.Path, res.content, cf.Overwrite, t.Description)
			switch {
			case errors.Is(err, domain.ErrArtifactConflict):
				res.pass = false
				res.attempt.Outcome = task.OutcomeCommitFailed
				res.attempt.Detail = err.Error()
			case err != nil:
				return fmt.Errorf("commit artifact for %s: %w", t.ID, err)
			default:
				r.p.ArtifactsState[rec.Path] = rec
				res.attempt.ArtifactHash = rec.Hash
			}
		}
	}

	if res.pass {
		if err := e.store.AppendAttempt(ctx, t.ID, res.attempt); err != nil {
			return fmt.Errorf("record attempt for %s: %w", t.ID, err)
		}
		t.ExecutionHistory = append(t.ExecutionHistory, res.attempt)

		if e.checkpoints != nil {
			if _, err := e.checkpoints.Commit(ctx, r.workspaceDir, r.p.ID, t.ID); err != nil {
				return fmt.Errorf("checkpoint task %s: %w", t.ID, err)
			}
		}
		if err := e.queue.Mark(ctx, r.p, t, task.StatusCompleted, "accepted"); err != nil {
			return err
		}
		e.metrics.TaskCompleted(ctx, t.Kind.Type())
		e.publishTask(ctx, messagequeue.SubjectTaskCompleted, r.p, t, "")
		return nil
	}

	// Failed evaluation: consume a retry, or terminalize and escalate.
	r.p.Metrics.ErrorCount++
	if t.CanRetry() {
		if err := e.queue.RequeueForRetry(ctx, r.p, t, res.attempt); err != nil {
			return err
		}
		e.metrics.TaskRetried(ctx)
		e.publishTask(ctx, messagequeue.SubjectTaskRetried, r.p, t, res.attempt.Detail)
		return nil
	}

	if err := e.store.AppendAttempt(ctx, t.ID, res.attempt); err != nil {
		return fmt.Errorf("record attempt for %s: %w", t.ID, err)
	}
	t.ExecutionHistory = append(t.ExecutionHistory, res.attempt)
	if err := e.queue.Mark(ctx, r.p, t, task.StatusFailed, res.attempt.Detail); err != nil {
		return err
	}
	e.metrics.TaskFailed(ctx, res.attempt.Outcome)
	e.publishTask(ctx, messagequeue.SubjectTaskFailed, r.p, t, res.attempt.Detail)

	if t.Corrective {
		return &abortError{cause: fmt.Errorf("%w: corrective task %s failed", domain.ErrEscalationExhausted, t.ID)}
	}
	return e.escalate(ctx, r, t)
}

// escalate asks the planner for exactly one corrective task for a
// terminally failed original and enqueues it with no dependencies.
func (e *Engine) escalate(ctx context.Context, r *run, t *task.Task) error {
	if t.Escalated {
		return nil
	}

	var spec *task.Spec
	err := e.retry.Retry(ctx, modelTransient, func() error {
		var planErr error
		spec, planErr = e.planner.PlanCorrective(ctx, planner.CorrectiveRequest{
			Goal:              r.p.Goal,
			Failed:            *t,
			ExecutionHistory:  t.ExecutionHistory,
			ValidationHistory: t.ValidationHistory,
		})
		return planErr
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &abortError{cause: fmt.Errorf("plan corrective for %s: %w", t.ID, err)}
	}

	seq := int64(len(r.p.Pending)+len(r.p.Completed)+len(r.p.Failed)) + 1
	corrective := task.New(r.p.ID, seq, *spec, nil, r.p.EngineConfig.MaxIterationsPerTask)
	corrective.Corrective = true
	corrective.CorrectiveOf = t.ID
	if err := e.queue.Enqueue(ctx, r.p, corrective); err != nil {
		return err
	}

	t.Escalated = true
	if err := e.store.UpdateTask(ctx, t); err != nil {
		return fmt.Errorf("mark task %s escalated: %w", t.ID, err)
	}
	e.publishTask(ctx, messagequeue.SubjectTaskEscalated, r.p, t, "corrective "+corrective.ID)
	slog.Info("task escalated",
		"task_id", t.ID,
		"project_id", r.p.ID,
		"corrective_id", corrective.ID,
	)
	return nil
}

// completeProject terminalizes a project whose queue and in-progress sets
// are both empty.
func (e *Engine) completeProject(ctx context.Context, r *run) error {
	e.syncUsage(r)
	r.p.Status = project.StatusCompleted
	if err := e.store.UpdateProject(ctx, r.p); err != nil {
		return fmt.Errorf("complete project: %w", err)
	}
	e.publishProject(ctx, messagequeue.SubjectProjectCompleted, r.p, "")
	slog.Info("project completed",
		"project_id", r.p.ID,
		"iterations", r.p.Metrics.Iterations,
		"completed_tasks", len(r.p.Completed),
		"failed_tasks", len(r.p.Failed),
		"cost_usd", r.p.Metrics.CostUSD,
	)
	return nil
}

// failProject terminalizes a project with a recorded reason. All task and
// artifact state stays inspectable.
func (e *Engine) failProject(ctx context.Context, r *run, cause error) error {
	e.syncUsage(r)
	r.p.Status = project.StatusFailed
	r.p.FailureReason = cause.Error()
	if err := e.store.UpdateProject(ctx, r.p); err != nil {
		return fmt.Errorf("fail project: %w", err)
	}
	e.publishProject(ctx, messagequeue.SubjectProjectFailed, r.p, cause.Error())
	slog.Error("project failed",
		"project_id", r.p.ID,
		"iterations", r.p.Metrics.Iterations,
		"error", cause,
	)
	return cause
}

// syncUsage folds this run's model usage into the project metrics on top
// of what earlier runs accumulated.
func (e *Engine) syncUsage(r *run) {
	u := r.sink.Total()
	r.p.Metrics.PromptTokens = r.base.PromptTokens + u.PromptTokens
	r.p.Metrics.CompletionTokens = r.base.CompletionTokens + u.CompletionTokens
	r.p.Metrics.CostUSD = r.base.CostUSD + u.CostUSD
}

func (e *Engine) publishProject(ctx context.Context, subject string, p *project.Project, reason string) {
	e.publish(ctx, subject, messagequeue.ProjectEventPayload{
		ProjectID: p.ID,
		Status:    string(p.Status),
		Reason:    reason,
		Iteration: p.Metrics.Iterations,
	})
}

func (e *Engine) publishTask(ctx context.Context, subject string, p *project.Project, t *task.Task, detail string) {
	e.publish(ctx, subject, messagequeue.TaskEventPayload{
		TaskID:    t.ID,
		ProjectID: p.ID,
		Status:    string(t.Status),
		Retries:   t.Retries,
		Detail:    detail,
	})
}

func (e *Engine) publishOutput(ctx context.Context, p *project.Project, t *task.Task, res *execution.Result) {
	if res.Stdout != "" {
		e.publish(ctx, messagequeue.SubjectTaskOutput, messagequeue.TaskOutputPayload{
			TaskID: t.ID, ProjectID: p.ID, Stream: "stdout", Chunk: res.Stdout, Truncated: res.StdoutTruncated,
		})
	}
	if res.Stderr != "" {
		e.publish(ctx, messagequeue.SubjectTaskOutput, messagequeue.TaskOutputPayload{
			TaskID: t.ID, ProjectID: p.ID, Stream: "stderr", Chunk: res.Stderr, Truncated: res.StderrTruncated,
		})
	}
}

func (e *Engine) publish(ctx context.Context, subject string, payload any) {
	publishEvent(ctx, e.events, subject, payload)
}

func modelTransient(err error) bool {
	return errors.Is(err, domain.ErrModelTransient)
}

func infrastructure(err error) bool {
	return errors.Is(err, domain.ErrInfrastructure)
}

// tail returns at most n trailing bytes of s; error detail stays bounded
// even when sandbox output is large.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
