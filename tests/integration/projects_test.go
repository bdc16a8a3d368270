//go:build integration

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

func postJSON(t *testing.T, path string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	resp, err := http.Post(testServer.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(testServer.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestProjectLifecycle(t *testing.T) {
	cleanDB(testPool)

	// 1. List projects — should be empty
	resp := getJSON(t, "/api/v1/projects")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", resp.StatusCode)
	}
	if projects := decode[[]map[string]any](t, resp); len(projects) != 0 {
		t.Fatalf("expected 0 projects, got %d", len(projects))
	}

	// 2. Create a project
	resp2 := postJSON(t, "/api/v1/projects", map[string]any{
		"goal": "Build a CLI todo app in Python",
	})
	if resp2.StatusCode != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", resp2.StatusCode)
	}
	created := decode[map[string]any](t, resp2)

	projectID, ok := created["id"].(string)
	if !ok || projectID == "" {
		t.Fatal("expected non-empty project ID")
	}
	if created["status"] != "planned" {
		t.Fatalf("expected status 'planned', got %v", created["status"])
	}
	engineCfg, ok := created["engine_config"].(map[string]any)
	if !ok {
		t.Fatal("expected engine_config in response")
	}
	if engineCfg["max_iterations_per_task"] != float64(4) {
		t.Fatalf("expected default max_iterations_per_task 4, got %v", engineCfg["max_iterations_per_task"])
	}

	// Creation hands the project to the engine.
	if ids := testStarter.startedIDs(); len(ids) == 0 || ids[len(ids)-1] != projectID {
		t.Fatalf("expected engine start for %s, got %v", projectID, ids)
	}

	// 3. Get the project by ID
	resp3 := getJSON(t, "/api/v1/projects/"+projectID)
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", resp3.StatusCode)
	}
	if fetched := decode[map[string]any](t, resp3); fetched["id"] != projectID {
		t.Fatalf("expected ID %q, got %v", projectID, fetched["id"])
	}

	// 4. Snapshot — project plus (still empty) task list
	resp4 := getJSON(t, "/api/v1/projects/"+projectID+"/snapshot")
	if resp4.StatusCode != http.StatusOK {
		t.Fatalf("snapshot: expected 200, got %d", resp4.StatusCode)
	}
	snap := decode[map[string]any](t, resp4)
	proj, ok := snap["project"].(map[string]any)
	if !ok || proj["id"] != projectID {
		t.Fatalf("snapshot project mismatch: %v", snap["project"])
	}
	tasks, ok := snap["tasks"].([]any)
	if !ok {
		t.Fatalf("snapshot tasks missing: %v", snap["tasks"])
	}
	if len(tasks) != 0 {
		t.Fatalf("expected 0 tasks in fresh project, got %d", len(tasks))
	}

	// 5. List projects — should have 1
	resp5 := getJSON(t, "/api/v1/projects")
	if listed := decode[[]map[string]any](t, resp5); len(listed) != 1 {
		t.Fatalf("expected 1 project, got %d", len(listed))
	}

	// 6. Resume the (non-terminal) project
	resp6 := postJSON(t, "/api/v1/projects/"+projectID+"/resume", map[string]any{})
	if resp6.StatusCode != http.StatusAccepted {
		t.Fatalf("resume: expected 202, got %d", resp6.StatusCode)
	}
	ids := testStarter.startedIDs()
	if len(ids) < 2 || ids[len(ids)-1] != projectID {
		t.Fatalf("expected second engine start for %s, got %v", projectID, ids)
	}
}

func TestCreateProjectValidation(t *testing.T) {
	// Missing goal should return 400
	resp := postJSON(t, "/api/v1/projects", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing goal, got %d", resp.StatusCode)
	}

	// Negative engine limits should return 400
	resp2 := postJSON(t, "/api/v1/projects", map[string]any{
		"goal":                   "negative limits",
		"max_project_iterations": -1,
	})
	if resp2.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative limit, got %d", resp2.StatusCode)
	}
}

func TestGetNonexistentProject(t *testing.T) {
	resp := getJSON(t, "/api/v1/projects/00000000-0000-0000-0000-000000000000")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestTaskQueryEndpoints(t *testing.T) {
	cleanDB(testPool)

	// Create a project through the API, then seed one planner-shaped task
	// directly through the store: the task endpoints are read-only.
	resp := postJSON(t, "/api/v1/projects", map[string]any{
		"goal": "project with one task",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: expected 201, got %d", resp.StatusCode)
	}
	created := decode[map[string]any](t, resp)
	projectID := created["id"].(string)

	seeded := task.New(projectID, 1, task.Spec{
		Ref:                "t1",
		Description:        "Write the README",
		Kind:               task.CreateFile{Path: "README.md", ContentGuideline: "Describe the project"},
		AcceptanceCriteria: "README.md exists",
	}, nil, 3)
	if err := testStore.CreateTask(context.Background(), seeded); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	// Fetch it through the nested route
	resp2 := getJSON(t, "/api/v1/projects/"+projectID+"/tasks/"+seeded.ID)
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("get task: expected 200, got %d", resp2.StatusCode)
	}
	fetched := decode[map[string]any](t, resp2)
	if fetched["id"] != seeded.ID {
		t.Fatalf("expected task %s, got %v", seeded.ID, fetched["id"])
	}
	if fetched["status"] != "pending" {
		t.Fatalf("expected status 'pending', got %v", fetched["status"])
	}

	// The security log starts empty but must answer 200
	resp3 := getJSON(t, "/api/v1/projects/"+projectID+"/tasks/"+seeded.ID+"/security")
	if resp3.StatusCode != http.StatusOK {
		t.Fatalf("security log: expected 200, got %d", resp3.StatusCode)
	}
	if verdicts := decode[[]map[string]any](t, resp3); len(verdicts) != 0 {
		t.Fatalf("expected empty security log, got %d entries", len(verdicts))
	}

	// A task ID under the wrong project is not found
	resp4 := getJSON(t, "/api/v1/projects/00000000-0000-0000-0000-000000000000/tasks/"+seeded.ID)
	if resp4.StatusCode != http.StatusNotFound {
		t.Fatalf("wrong project: expected 404, got %d", resp4.StatusCode)
	}
}
