package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/fabrica-dev/fabrica/internal/config"
	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/execution"
)

// dockerDaemonExit is the exit code the docker CLI reserves for its own
// failures (daemon unreachable, image pull failure, container start
// refused). Anything the contained command exits with — including 126/127
// — is a normal task failure instead.
const dockerDaemonExit = 125

// SandboxService executes vetted commands in one-shot hardened containers:
// workspace-only mount, read-only rootfs, dropped capabilities, no
// privilege escalation, and network only for task types on the configured
// allow-list. A weighted semaphore bounds concurrent containers.
type SandboxService struct {
	cfg            config.Sandbox
	networkEnabled map[string]struct{}
	sem            *semaphore.Weighted
}

// NewSandboxService creates a SandboxService from configuration.
func NewSandboxService(cfg config.Sandbox) *SandboxService {
	enabled := make(map[string]struct{}, len(cfg.NetworkEnabledTasks))
	for _, t := range cfg.NetworkEnabledTasks {
		enabled[t] = struct{}{}
	}
	limit := cfg.MaxContainers
	if limit < 1 {
		limit = 1
	}
	return &SandboxService{
		cfg:            cfg,
		networkEnabled: enabled,
		sem:            semaphore.NewWeighted(limit),
	}
}

// NetworkAllowed reports whether the declared task type runs with network
// access. Everything not explicitly allow-listed is isolated.
func (s *SandboxService) NetworkAllowed(taskType string) bool {
	_, ok := s.networkEnabled[taskType]
	return ok
}

// Execute runs an already-allowed command inside the sandbox. A timeout
// force-terminates the container and reports a timed-out result with the
// sentinel exit code — a normal failed attempt, not an error. The returned
// error is reserved for infrastructure failures that should abort the
// project, and for context cancellation.
//
// timeoutSeconds overrides the configured default when positive; projects
// freeze it in their engine config at creation.
func (s *SandboxService) Execute(ctx context.Context, workspaceDir, taskID, command, taskType string, timeoutSeconds int) (execution.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return execution.Result{}, err
	}
	defer s.sem.Release(1)

	timeout := s.cfg.TimeoutSeconds
	if timeoutSeconds > 0 {
		timeout = timeoutSeconds
	}

	name := containerName(taskID)
	args := s.buildArgs(name, workspaceDir, command, taskType)

	runCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	stdout := newBoundedBuffer(s.cfg.MaxOutputBytes)
	stderr := newBoundedBuffer(s.cfg.MaxOutputBytes)
	cmd := exec.CommandContext(runCtx, "docker", args...) //nolint:gosec // G204: args are built from vetted config and a vetted command
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	slog.Debug("sandbox executing",
		"task_id", taskID,
		"container", name,
		"network", s.NetworkAllowed(taskType),
		"timeout_s", timeout,
	)

	start := time.Now()
	runErr := cmd.Run()
	result := execution.Result{
		Stdout:          stdout.String(),
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		Duration:        time.Since(start),
	}

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		s.removeContainer(name)
		result.TimedOut = true
		result.ExitCode = execution.TimeoutExitCode
		slog.Warn("sandbox execution timed out",
			"task_id", taskID,
			"timeout_s", timeout,
		)
		return result, nil
	}
	if ctx.Err() != nil {
		s.removeContainer(name)
		return result, ctx.Err()
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			code := exitErr.ExitCode()
			if code == dockerDaemonExit {
				return result, fmt.Errorf("container start failed: %s: %w",
					strings.TrimSpace(result.Stderr), domain.ErrInfrastructure)
			}
			result.ExitCode = code
			return result, nil
		}
		// docker binary missing or not executable
		return result, fmt.Errorf("run docker: %w: %w", runErr, domain.ErrInfrastructure)
	}

	result.ExitCode = 0
	return result, nil
}

// buildArgs assembles the docker run invocation. The container is
// disposable: auto-removed, read-only rootfs with a writable /tmp tmpfs,
// all capabilities dropped, and the workspace as the only host mount.
func (s *SandboxService) buildArgs(name, workspaceDir, command, taskType string) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		"-v", workspaceDir + ":/workspace",
		"-w", "/workspace",
		"--read-only",
		"--tmpfs", "/tmp",
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
		fmt.Sprintf("--memory=%dm", s.cfg.MemoryMB),
		fmt.Sprintf("--cpus=%s", s.cfg.CPUs),
		fmt.Sprintf("--pids-limit=%d", s.cfg.PidsLimit),
	}
	if !s.NetworkAllowed(taskType) {
		args = append(args, "--network=none")
	}
	return append(args, s.cfg.Image, "sh", "-c", command)
}

// removeContainer force-removes a (possibly still running) container after
// the CLI process was killed. Best effort with its own short deadline.
func (s *SandboxService) removeContainer(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := exec.CommandContext(ctx, "docker", "rm", "-f", name).Run(); err != nil {
		slog.Debug("sandbox container cleanup failed", "container", name, "error", err)
	}
}

func containerName(taskID string) string {
	return "fabrica-" + shortID(taskID)
}

// shortID returns the first 12 characters of an ID.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// boundedBuffer captures at most max bytes and flags the overflow, keeping
// runaway command output from growing without bound.
type boundedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	max       int
	truncated bool
}

func newBoundedBuffer(max int) *boundedBuffer {
	if max <= 0 {
		max = 64 * 1024
	}
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	remaining := b.max - len(b.buf)
	if remaining <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

func (b *boundedBuffer) Truncated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.truncated
}
