package service

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fabrica-dev/fabrica/internal/git"
)

// Checkpoint records one workspace shadow commit.
type Checkpoint struct {
	ProjectID  string    `json:"project_id"`
	TaskID     string    `json:"task_id"`
	CommitHash string    `json:"commit_hash"`
	CreatedAt  time.Time `json:"created_at"`
}

// CheckpointService snapshots project workspaces as git shadow commits:
// one commit per committed task, so the on-disk state corresponding to any
// point of the run can be recovered. Restore discards whatever a crashed
// or interrupted attempt left behind by resetting to the last commit.
type CheckpointService struct {
	pool *git.Pool

	mu          sync.Mutex
	checkpoints map[string][]Checkpoint // projectID -> ordered commits
}

// NewCheckpointService creates a CheckpointService. A nil pool runs git
// operations unpooled.
func NewCheckpointService(pool *git.Pool) *CheckpointService {
	return &CheckpointService{
		pool:        pool,
		checkpoints: make(map[string][]Checkpoint),
	}
}

// InitWorkspace creates the workspace directory and turns it into a git
// repository with an initial commit, so Restore always has a target.
// Idempotent: an existing repository is left as is.
func (s *CheckpointService) InitWorkspace(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("init workspace: %w", err)
	}
	if info, err := os.Stat(filepath.Join(dir, ".git")); err == nil && info.IsDir() {
		return nil
	}

	return s.pool.Run(ctx, func() error {
		steps := [][]string{
			{"init"},
			{"config", "user.email", "engine@fabrica.local"},
			{"config", "user.name", "fabrica"},
			{"commit", "--allow-empty", "-m", "fabrica: workspace initialized"},
		}
		for _, args := range steps {
			if _, err := runGit(ctx, dir, args...); err != nil {
				return fmt.Errorf("init workspace git %s: %w", args[0], err)
			}
		}
		return nil
	})
}

// Commit stages the whole workspace and records one shadow commit for the
// task. Empty commits are allowed: command tasks may legitimately leave
// the tree unchanged.
func (s *CheckpointService) Commit(ctx context.Context, dir, projectID, taskID string) (Checkpoint, error) {
	var hash string
	err := s.pool.Run(ctx, func() error {
		if _, err := runGit(ctx, dir, "add", "-A"); err != nil {
			return fmt.Errorf("checkpoint git add: %w", err)
		}
		msg := "fabrica checkpoint: task " + taskID
		if _, err := runGit(ctx, dir, "commit", "--allow-empty", "-m", msg); err != nil {
			return fmt.Errorf("checkpoint git commit: %w", err)
		}
		h, err := runGit(ctx, dir, "rev-parse", "HEAD")
		if err != nil {
			return fmt.Errorf("checkpoint get hash: %w", err)
		}
		hash = strings.TrimSpace(h)
		return nil
	})
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		ProjectID:  projectID,
		TaskID:     taskID,
		CommitHash: hash,
		CreatedAt:  time.Now().UTC(),
	}
	s.mu.Lock()
	s.checkpoints[projectID] = append(s.checkpoints[projectID], cp)
	s.mu.Unlock()

	return cp, nil
}

// List returns the ordered shadow commits recorded for a project during
// this process lifetime. The git history itself is the durable record.
func (s *CheckpointService) List(projectID string) []Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	cps := s.checkpoints[projectID]
	out := make([]Checkpoint, len(cps))
	copy(out, cps)
	return out
}

// Restore resets the workspace to its last shadow commit, discarding
// partial writes and untracked debris from an interrupted attempt. Reads
// the target from git itself, so it works after a process restart.
func (s *CheckpointService) Restore(ctx context.Context, dir string) error {
	if info, err := os.Stat(filepath.Join(dir, ".git")); err != nil || !info.IsDir() {
		return fmt.Errorf("restore workspace: %s is not a git repository", dir)
	}

	return s.pool.Run(ctx, func() error {
		if _, err := runGit(ctx, dir, "reset", "--hard", "HEAD"); err != nil {
			return fmt.Errorf("restore workspace: %w", err)
		}
		if _, err := runGit(ctx, dir, "clean", "-fd"); err != nil {
			return fmt.Errorf("restore workspace clean: %w", err)
		}
		return nil
	})
}

// runGit executes a git command in the given directory.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
