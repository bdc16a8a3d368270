// Package generator defines the port for producing file content.
package generator

import (
	"context"

	"github.com/fabrica-dev/fabrica/internal/domain/task"
)

// Request carries the context a generation needs: the project goal and the
// task whose Kind holds the target path and content guideline.
type Request struct {
	Goal string
	Task task.Task
}

// Generator produces the content of one file for a create-file task. The
// returned string is the literal file body, ready to commit.
type Generator interface {
	GenerateFile(ctx context.Context, req Request) (string, error)
}
