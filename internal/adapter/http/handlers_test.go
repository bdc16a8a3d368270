package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"

	fabhttp "github.com/fabrica-dev/fabrica/internal/adapter/http"
	"github.com/fabrica-dev/fabrica/internal/adapter/memstore"
	"github.com/fabrica-dev/fabrica/internal/domain/project"
	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/service"
)

// recordingStarter counts engine launches without running anything.
type recordingStarter struct {
	mu      sync.Mutex
	started []string
}

func (s *recordingStarter) StartProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, projectID)
}

func (s *recordingStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.started)
}

type testEnv struct {
	router  chi.Router
	store   *memstore.Store
	starter *recordingStarter
}

func newTestEnv() *testEnv {
	store := memstore.New()
	starter := &recordingStarter{}
	defaults := project.EngineConfig{
		MaxProjectIterations: 50,
		MaxIterationsPerTask: 4,
		TimeoutSeconds:       300,
		MaxParallelTasks:     1,
	}
	svc := service.NewProjectService(store, nil, defaults)
	svc.SetEngine(starter)

	r := chi.NewRouter()
	fabhttp.MountRoutes(r, &fabhttp.Handlers{Projects: svc})
	return &testEnv{router: r, store: store, starter: starter}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(w.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestListProjectsEmpty(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, "GET", "/api/v1/projects", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	projects := decodeBody[[]project.Project](t, w)
	if len(projects) != 0 {
		t.Fatalf("expected empty list, got %d", len(projects))
	}
}

func TestCreateProjectStartsEngine(t *testing.T) {
	env := newTestEnv()

	w := env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "write a fizzbuzz script"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	p := decodeBody[project.Project](t, w)
	if p.ID == "" {
		t.Fatal("expected generated project id")
	}
	if p.Status != project.StatusPlanned {
		t.Fatalf("status = %s, want %s", p.Status, project.StatusPlanned)
	}
	if p.EngineConfig.MaxIterationsPerTask != 4 {
		t.Fatalf("max_iterations_per_task = %d, want default 4", p.EngineConfig.MaxIterationsPerTask)
	}
	if env.starter.count() != 1 {
		t.Fatalf("engine launches = %d, want 1", env.starter.count())
	}

	// Round-trip through GET.
	w = env.do(t, "GET", "/api/v1/projects/"+p.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestCreateProjectMissingGoal(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "   "})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestCreateProjectInvalidBody(t *testing.T) {
	env := newTestEnv()
	req := httptest.NewRequest("POST", "/api/v1/projects", bytes.NewReader([]byte("not json")))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestGetProjectNotFound(t *testing.T) {
	env := newTestEnv()
	w := env.do(t, "GET", "/api/v1/projects/nonexistent", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestGetSnapshot(t *testing.T) {
	env := newTestEnv()
	created := decodeBody[project.Project](t,
		env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "snapshot me"}))

	w := env.do(t, "GET", "/api/v1/projects/"+created.ID+"/snapshot", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	snap := decodeBody[project.Snapshot](t, w)
	if snap.Project.ID != created.ID {
		t.Fatalf("snapshot project id = %s, want %s", snap.Project.ID, created.ID)
	}
	if snap.TakenAt.IsZero() {
		t.Fatal("snapshot missing taken_at")
	}
	if snap.Tasks == nil {
		t.Fatal("snapshot tasks should be non-nil")
	}
}

func TestResumeProject(t *testing.T) {
	env := newTestEnv()
	created := decodeBody[project.Project](t,
		env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "resume me"}))

	w := env.do(t, "POST", "/api/v1/projects/"+created.ID+"/resume", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	// Create launched once, resume launched again.
	if env.starter.count() != 2 {
		t.Fatalf("engine launches = %d, want 2", env.starter.count())
	}
}

func TestResumeTerminalProjectConflicts(t *testing.T) {
	env := newTestEnv()
	created := decodeBody[project.Project](t,
		env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "finished"}))

	p, err := env.store.GetProject(context.Background(), created.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	p.Status = project.StatusCompleted
	if err := env.store.UpdateProject(context.Background(), p); err != nil {
		t.Fatalf("UpdateProject: %v", err)
	}

	w := env.do(t, "POST", "/api/v1/projects/"+created.ID+"/resume", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestGetTaskScopedToProject(t *testing.T) {
	env := newTestEnv()
	created := decodeBody[project.Project](t,
		env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "with tasks"}))

	tk := task.New(created.ID, 1, task.Spec{
		Ref:         "write-main",
		Description: "write main.py",
		Kind:        task.CreateFile{Path: "main.py", ContentGuideline: "entry point"},
	}, nil, 4)
	if err := env.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	w := env.do(t, "GET", "/api/v1/projects/"+created.ID+"/tasks/"+tk.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	got := decodeBody[task.Task](t, w)
	if got.ID != tk.ID {
		t.Fatalf("task id = %s, want %s", got.ID, tk.ID)
	}

	// The same task under a different project id is not found.
	w = env.do(t, "GET", "/api/v1/projects/other-project/tasks/"+tk.ID, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for wrong project, got %d", w.Code)
	}
}

func TestGetTaskSecurityLog(t *testing.T) {
	env := newTestEnv()
	created := decodeBody[project.Project](t,
		env.do(t, "POST", "/api/v1/projects", project.CreateRequest{Goal: "vetted"}))

	tk := task.New(created.ID, 1, task.Spec{
		Ref:         "run-tests",
		Description: "run the tests",
		Kind:        task.RunCommand{Command: "python -m pytest", TaskType: "test"},
	}, nil, 4)
	if err := env.store.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	verdict := security.Verdict{
		Command:        "python -m pytest",
		WhitelistMatch: true,
		Final:          security.DecisionAllow,
		Rationale:      "routine test run",
	}
	if err := env.store.AppendSecurityVerdict(context.Background(), tk.ID, verdict); err != nil {
		t.Fatalf("AppendSecurityVerdict: %v", err)
	}

	w := env.do(t, "GET", "/api/v1/projects/"+created.ID+"/tasks/"+tk.ID+"/security", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	verdicts := decodeBody[[]security.Verdict](t, w)
	if len(verdicts) != 1 || verdicts[0].Command != "python -m pytest" {
		t.Fatalf("verdicts = %+v", verdicts)
	}
}
