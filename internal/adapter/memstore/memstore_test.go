package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

func newProject(id string) *project.Project {
	return &project.Project{
		ID:     id,
		Goal:   "build a todo app",
		Status: project.StatusPlanned,
	}
}

func TestProjectLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	p := newProject("p1")
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	if p.Version != 1 {
		t.Errorf("version = %d, want 1", p.Version)
	}

	got, err := s.GetProject(ctx, "p1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if got.Goal != "build a todo app" {
		t.Errorf("goal = %q", got.Goal)
	}

	got.Status = project.StatusRunning
	if err := s.UpdateProject(ctx, got); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}
	if got.Version != 2 {
		t.Errorf("version after update = %d, want 2", got.Version)
	}

	_, err = s.GetProject(ctx, "missing")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateProjectVersionConflict(t *testing.T) {
	s := New()
	ctx := context.Background()

	if err := s.CreateProject(ctx, newProject("p1")); err != nil {
		t.Fatal(err)
	}

	a, _ := s.GetProject(ctx, "p1")
	b, _ := s.GetProject(ctx, "p1")

	if err := s.UpdateProject(ctx, a); err != nil {
		t.Fatalf("first update: %v", err)
	}
	err := s.UpdateProject(ctx, b)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict for stale version, got %v", err)
	}
}

func TestGetProjectReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()

	p := newProject("p1")
	p.Pending = []string{"t1"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}

	snap, _ := s.GetProject(ctx, "p1")
	snap.Pending[0] = "mutated"
	snap.Goal = "mutated"

	again, _ := s.GetProject(ctx, "p1")
	if again.Pending[0] != "t1" || again.Goal != "build a todo app" {
		t.Error("stored project observed external mutation; reads must be copies")
	}
}

func TestTaskHistoriesAppendOnly(t *testing.T) {
	s := New()
	ctx := context.Background()

	tk := task.New("p1", 1, task.Spec{
		Description: "run tests",
		Kind:        task.RunCommand{Command: "python -m pytest", TaskType: "test"},
	}, nil, 3)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.AppendAttempt(ctx, tk.ID, task.Attempt{Number: 1, Outcome: task.OutcomeExecuted}); err != nil {
		t.Fatalf("AppendAttempt: %v", err)
	}
	if err := s.AppendVerdict(ctx, tk.ID, task.Verdict{Pass: false, Rationale: "tests failed"}); err != nil {
		t.Fatalf("AppendVerdict: %v", err)
	}
	if err := s.AppendSecurityVerdict(ctx, tk.ID, security.Verdict{
		Command: "python -m pytest", Final: security.DecisionAllow,
	}); err != nil {
		t.Fatalf("AppendSecurityVerdict: %v", err)
	}

	got, err := s.GetTask(ctx, tk.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if len(got.ExecutionHistory) != 1 || len(got.ValidationHistory) != 1 {
		t.Errorf("histories = %d/%d, want 1/1",
			len(got.ExecutionHistory), len(got.ValidationHistory))
	}

	verdicts, err := s.ListSecurityVerdicts(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ListSecurityVerdicts: %v", err)
	}
	if len(verdicts) != 1 || verdicts[0].Final != security.DecisionAllow {
		t.Errorf("verdicts = %+v", verdicts)
	}
}

func TestListTasksOrderedBySeq(t *testing.T) {
	s := New()
	ctx := context.Background()

	for _, seq := range []int64{3, 1, 2} {
		tk := task.New("p1", seq, task.Spec{
			Description: "task",
			Kind:        task.CreateFile{Path: "f.txt"},
		}, nil, 3)
		if err := s.CreateTask(ctx, tk); err != nil {
			t.Fatal(err)
		}
	}

	tasks, err := s.ListTasks(ctx, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 3 {
		t.Fatalf("len = %d, want 3", len(tasks))
	}
	for i, tk := range tasks {
		if tk.Seq != int64(i+1) {
			t.Errorf("tasks[%d].Seq = %d, want %d", i, tk.Seq, i+1)
		}
	}
}

func TestUpdateTaskPersistsScalars(t *testing.T) {
	s := New()
	ctx := context.Background()

	tk := task.New("p1", 1, task.Spec{
		Description: "write readme",
		Kind:        task.CreateFile{Path: "README.md"},
	}, nil, 3)
	if err := s.CreateTask(ctx, tk); err != nil {
		t.Fatal(err)
	}

	tk.Status = task.StatusInProgress
	tk.Retries = 2
	tk.Escalated = true
	if err := s.UpdateTask(ctx, tk); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	got, _ := s.GetTask(ctx, tk.ID)
	if got.Status != task.StatusInProgress || got.Retries != 2 || !got.Escalated {
		t.Errorf("scalars not persisted: %+v", got)
	}
}
