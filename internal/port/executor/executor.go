// Package executor defines the sandboxed command execution port.
package executor

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/execution"
)

// Executor runs one already-vetted shell command in an isolated
// environment rooted at the project workspace. A non-zero exit or timeout
// is reported in the Result with a nil error; a returned error means the
// execution substrate itself failed (wrapped with domain.ErrInfrastructure).
type Executor interface {
	Execute(ctx context.Context, workspaceDir, taskID, command, taskType string, timeoutSeconds int) (execution.Result, error)
}
