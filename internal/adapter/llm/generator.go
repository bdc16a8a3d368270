package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/port/generator"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
)

const generatorSystem = `You write the complete content of one file.
Respond with the raw file content only. No explanations, no surrounding prose.
If you use a code fence, it must wrap the entire response.`

// Generator implements the file-content port with model completions.
type Generator struct {
	provider modelprovider.Provider
}

// NewGenerator creates a model-backed file-content generator.
func NewGenerator(p modelprovider.Provider) *Generator {
	return &Generator{provider: p}
}

// GenerateFile produces the body of the file a create-file task targets.
// An empty completion is a transient model failure.
func (g *Generator) GenerateFile(ctx context.Context, req generator.Request) (string, error) {
	cf, ok := req.Task.Kind.(task.CreateFile)
	if !ok {
		return "", fmt.Errorf("generate file: task %s is not a create_file task", req.Task.ID)
	}

	completion, err := g.provider.Complete(ctx, modelprovider.Request{
		Role:   modelprovider.RoleCodeGenerator,
		System: generatorSystem,
		Prompt: generationPrompt(req.Goal, req.Task, cf),
	})
	if err != nil {
		return "", fmt.Errorf("generate file %s: %w", cf.Path, err)
	}

	content := extractContent(completion.Text)
	if content == "" {
		return "", fmt.Errorf("generate file %s: empty completion: %w", cf.Path, domain.ErrModelTransient)
	}
	return content, nil
}

func generationPrompt(goal string, t task.Task, cf task.CreateFile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project goal:\n%s\n\nFile: %s\nTask: %s\n",
		sanitizeInput(goal), cf.Path, sanitizeInput(t.Description))
	if cf.ContentGuideline != "" {
		fmt.Fprintf(&b, "Content guideline: %s\n", sanitizeInput(cf.ContentGuideline))
	}
	if t.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", sanitizeInput(t.AcceptanceCriteria))
	}
	return b.String()
}

// extractContent strips a code fence when the model wrapped the whole
// response in one; anything else is taken verbatim.
func extractContent(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	if block := fencedBlock(trimmed); block != "" {
		return block
	}
	return trimmed
}
