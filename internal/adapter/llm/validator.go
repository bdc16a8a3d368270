package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/port/acceptance"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
)

const validatorSystem = `You judge whether a task result satisfies its acceptance criteria.
Respond with a single JSON object only: {"pass": true|false, "rationale": "..."}.
Judge only against the stated criteria; missing criteria means judge basic plausibility.`

// Validator implements the acceptance port with model completions.
type Validator struct {
	provider modelprovider.Provider
}

// NewValidator creates a model-backed acceptance validator.
func NewValidator(p modelprovider.Provider) *Validator {
	return &Validator{provider: p}
}

// Validate renders the task result and asks the validator model for a
// verdict. A malformed verdict is a transient model failure.
func (v *Validator) Validate(ctx context.Context, req acceptance.Request) (*acceptance.Verdict, error) {
	completion, err := v.provider.Complete(ctx, modelprovider.Request{
		Role:   modelprovider.RoleValidator,
		System: validatorSystem,
		Prompt: validationPrompt(req),
	})
	if err != nil {
		return nil, fmt.Errorf("validate task %s: %w", req.Task.ID, err)
	}

	doc := extractJSON(completion.Text)
	if doc == "" {
		return nil, fmt.Errorf("validate task %s: no JSON in response: %w", req.Task.ID, domain.ErrModelTransient)
	}

	var verdict acceptance.Verdict
	if err := json.Unmarshal([]byte(doc), &verdict); err != nil {
		return nil, fmt.Errorf("validate task %s: unmarshal verdict: %w: %w", req.Task.ID, err, domain.ErrModelTransient)
	}
	return &verdict, nil
}

// validationPrompt renders the task, its criteria, and whichever result the
// task kind produced. Stdout, stderr, and generated content come from code
// the engine just wrote or ran, so they are sanitized before embedding.
func validationPrompt(req acceptance.Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", sanitizeInput(req.Task.Description))
	if req.Task.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", sanitizeInput(req.Task.AcceptanceCriteria))
	}

	if req.Execution != nil {
		fmt.Fprintf(&b, "\nCommand result:\nexit code: %d\ntimed out: %t\n", req.Execution.ExitCode, req.Execution.TimedOut)
		if req.Execution.Stdout != "" {
			fmt.Fprintf(&b, "stdout:\n%s\n", sanitizeInput(req.Execution.Stdout))
			if req.Execution.StdoutTruncated {
				b.WriteString("(stdout truncated)\n")
			}
		}
		if req.Execution.Stderr != "" {
			fmt.Fprintf(&b, "stderr:\n%s\n", sanitizeInput(req.Execution.Stderr))
			if req.Execution.StderrTruncated {
				b.WriteString("(stderr truncated)\n")
			}
		}
		return b.String()
	}

	fmt.Fprintf(&b, "\nProduced content:\n%s\n", sanitizeInput(req.Content))
	return b.String()
}
