package service_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fabrica-dev/fabrica/internal/git"
	"github.com/fabrica-dev/fabrica/internal/service"
)

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %v: %s: %v", args, out, err)
	}
	return string(out)
}

func TestCheckpointInitWorkspace(t *testing.T) {
	svc := service.NewCheckpointService(nil)
	dir := filepath.Join(t.TempDir(), "workspace")

	if err := svc.InitWorkspace(context.Background(), dir); err != nil {
		t.Fatalf("InitWorkspace() error = %v", err)
	}

	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		t.Fatalf("expected %s to be a git repository", dir)
	}
	log := gitOut(t, dir, "log", "--oneline")
	if !strings.Contains(log, "workspace initialized") {
		t.Errorf("expected initial commit, got log %q", log)
	}

	// Idempotent: a second call must not reinit or add commits.
	if err := svc.InitWorkspace(context.Background(), dir); err != nil {
		t.Fatalf("second InitWorkspace() error = %v", err)
	}
	if again := gitOut(t, dir, "log", "--oneline"); again != log {
		t.Errorf("second init changed history: %q -> %q", log, again)
	}
}

func TestCheckpointCommitRecordsTask(t *testing.T) {
	svc := service.NewCheckpointService(git.NewPool(2))
	dir := filepath.Join(t.TempDir(), "workspace")
	ctx := context.Background()

	if err := svc.InitWorkspace(ctx, dir); err != nil {
		t.Fatalf("InitWorkspace() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cp, err := svc.Commit(ctx, dir, "proj-1", "task-42")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if cp.TaskID != "task-42" || cp.ProjectID != "proj-1" {
		t.Errorf("checkpoint ids = %q/%q, want proj-1/task-42", cp.ProjectID, cp.TaskID)
	}
	if len(cp.CommitHash) != 40 {
		t.Errorf("CommitHash = %q, want full sha", cp.CommitHash)
	}

	log := gitOut(t, dir, "log", "--oneline", "-1")
	if !strings.Contains(log, "fabrica checkpoint: task task-42") {
		t.Errorf("expected checkpoint commit message, got %q", log)
	}

	cps := svc.List("proj-1")
	if len(cps) != 1 || cps[0].CommitHash != cp.CommitHash {
		t.Errorf("List() = %+v, want the recorded checkpoint", cps)
	}
}

func TestCheckpointCommitAllowsUnchangedTree(t *testing.T) {
	svc := service.NewCheckpointService(nil)
	dir := filepath.Join(t.TempDir(), "workspace")
	ctx := context.Background()

	if err := svc.InitWorkspace(ctx, dir); err != nil {
		t.Fatalf("InitWorkspace() error = %v", err)
	}

	first, err := svc.Commit(ctx, dir, "proj-1", "task-1")
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	second, err := svc.Commit(ctx, dir, "proj-1", "task-2")
	if err != nil {
		t.Fatalf("Commit() with unchanged tree error = %v", err)
	}
	if first.CommitHash == second.CommitHash {
		t.Error("expected distinct commits for distinct tasks")
	}
}

func TestCheckpointRestoreDiscardsDebris(t *testing.T) {
	svc := service.NewCheckpointService(nil)
	dir := filepath.Join(t.TempDir(), "workspace")
	ctx := context.Background()

	if err := svc.InitWorkspace(ctx, dir); err != nil {
		t.Fatalf("InitWorkspace() error = %v", err)
	}
	tracked := filepath.Join(dir, "app.py")
	if err := os.WriteFile(tracked, []byte("good\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Commit(ctx, dir, "proj-1", "task-1"); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	// Simulate an interrupted attempt: mutate a tracked file and leave
	// untracked debris behind.
	if err := os.WriteFile(tracked, []byte("half-written garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	debris := filepath.Join(dir, "scratch.tmp")
	if err := os.WriteFile(debris, []byte("junk"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := svc.Restore(ctx, dir); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}

	got, err := os.ReadFile(tracked)
	if err != nil {
		t.Fatalf("read restored file: %v", err)
	}
	if string(got) != "good\n" {
		t.Errorf("restored content = %q, want %q", got, "good\n")
	}
	if _, err := os.Stat(debris); !os.IsNotExist(err) {
		t.Error("expected untracked debris to be removed")
	}
}

func TestCheckpointRestoreRequiresRepo(t *testing.T) {
	svc := service.NewCheckpointService(nil)
	dir := t.TempDir()

	if err := svc.Restore(context.Background(), dir); err == nil {
		t.Fatal("expected error restoring a directory that is not a repository")
	}
}
