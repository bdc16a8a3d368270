package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fabrica-dev/fabrica/internal/domain"
	"github.com/fabrica-dev/fabrica/internal/domain/task"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
	"github.com/fabrica-dev/fabrica/internal/port/planner"
)

const plannerSystem = `You decompose a software goal into an ordered list of small executable tasks.
Respond with a JSON array only, no prose. Each element:
{"ref": "<unique name>", "description": "...", "type": "create_file" | "run_command",
 "path": "...", "content_guideline": "...", "overwrite": false,
 "command": "...", "task_type": "...",
 "depends_on": ["<ref>"], "acceptance_criteria": "..."}
create_file tasks use path/content_guideline/overwrite; run_command tasks use command/task_type.
depends_on entries must reference refs from this same array.`

const correctiveSystem = `A task has exhausted its retries. Produce exactly ONE corrective task that
addresses the root cause shown in the histories. Respond with a single JSON object only, no prose,
in the same shape as a planning element. The corrective task must not declare dependencies.`

// Planner implements the planning port with model completions.
type Planner struct {
	provider modelprovider.Provider
}

// NewPlanner creates a model-backed planner.
func NewPlanner(p modelprovider.Provider) *Planner {
	return &Planner{provider: p}
}

// specWire is the flat JSON shape the model produces for one task.
type specWire struct {
	Ref                string   `json:"ref"`
	Description        string   `json:"description"`
	Type               string   `json:"type"`
	Path               string   `json:"path,omitempty"`
	ContentGuideline   string   `json:"content_guideline,omitempty"`
	Overwrite          bool     `json:"overwrite,omitempty"`
	Command            string   `json:"command,omitempty"`
	TaskType           string   `json:"task_type,omitempty"`
	DependsOn          []string `json:"depends_on"`
	AcceptanceCriteria string   `json:"acceptance_criteria"`
}

// toSpec converts the wire shape to a domain spec, enforcing the fields
// each kind requires.
func (w specWire) toSpec() (task.Spec, error) {
	spec := task.Spec{
		Ref:                w.Ref,
		Description:        w.Description,
		DependsOn:          w.DependsOn,
		AcceptanceCriteria: w.AcceptanceCriteria,
	}
	switch w.Type {
	case task.KindCreateFile:
		if w.Path == "" {
			return spec, fmt.Errorf("create_file task %q missing path", w.Ref)
		}
		spec.Kind = task.CreateFile{Path: w.Path, ContentGuideline: w.ContentGuideline, Overwrite: w.Overwrite}
	case task.KindRunCommand:
		if w.Command == "" {
			return spec, fmt.Errorf("run_command task %q missing command", w.Ref)
		}
		spec.Kind = task.RunCommand{Command: w.Command, TaskType: w.TaskType}
	default:
		return spec, fmt.Errorf("task %q has unknown type %q", w.Ref, w.Type)
	}
	return spec, nil
}

// PlanProject asks the planner model for a task list and validates the
// reference graph. A malformed plan is a transient model failure: the call
// site retries the completion.
func (p *Planner) PlanProject(ctx context.Context, goal string) ([]task.Spec, error) {
	completion, err := p.provider.Complete(ctx, modelprovider.Request{
		Role:   modelprovider.RolePlanner,
		System: plannerSystem,
		Prompt: "Goal:\n" + sanitizeInput(goal),
	})
	if err != nil {
		return nil, fmt.Errorf("plan project: %w", err)
	}

	specs, err := parsePlan(completion.Text)
	if err != nil {
		return nil, fmt.Errorf("plan project: %w: %w", err, domain.ErrModelTransient)
	}
	return specs, nil
}

// PlanCorrective asks for exactly one corrective spec. Dependencies the
// model declares anyway are discarded: corrective tasks are immediately
// ready by construction.
func (p *Planner) PlanCorrective(ctx context.Context, req planner.CorrectiveRequest) (*task.Spec, error) {
	completion, err := p.provider.Complete(ctx, modelprovider.Request{
		Role:   modelprovider.RolePlanner,
		System: correctiveSystem,
		Prompt: correctivePrompt(req),
	})
	if err != nil {
		return nil, fmt.Errorf("plan corrective: %w", err)
	}

	doc := extractJSON(completion.Text)
	if doc == "" {
		return nil, fmt.Errorf("plan corrective: no JSON in response: %w", domain.ErrModelTransient)
	}

	var wire specWire
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		// Some models wrap the single object in an array.
		var wires []specWire
		if arrErr := json.Unmarshal([]byte(doc), &wires); arrErr != nil || len(wires) != 1 {
			return nil, fmt.Errorf("plan corrective: unmarshal: %w: %w", err, domain.ErrModelTransient)
		}
		wire = wires[0]
	}

	spec, err := wire.toSpec()
	if err != nil {
		return nil, fmt.Errorf("plan corrective: %w: %w", err, domain.ErrModelTransient)
	}
	spec.DependsOn = nil
	return &spec, nil
}

// parsePlan decodes and validates a full plan: unique non-empty refs, no
// self-dependencies, every dependency resolvable within the plan.
func parsePlan(text string) ([]task.Spec, error) {
	doc := extractJSON(text)
	if doc == "" {
		return nil, fmt.Errorf("no JSON in response")
	}

	var wires []specWire
	if err := json.Unmarshal([]byte(doc), &wires); err != nil {
		return nil, fmt.Errorf("unmarshal plan: %w", err)
	}
	if len(wires) == 0 {
		return nil, fmt.Errorf("plan is empty")
	}

	refs := make(map[string]struct{}, len(wires))
	for _, w := range wires {
		if w.Ref == "" {
			return nil, fmt.Errorf("task with empty ref")
		}
		if _, dup := refs[w.Ref]; dup {
			return nil, fmt.Errorf("duplicate ref %q", w.Ref)
		}
		refs[w.Ref] = struct{}{}
	}

	specs := make([]task.Spec, 0, len(wires))
	for _, w := range wires {
		spec, err := w.toSpec()
		if err != nil {
			return nil, err
		}
		for _, dep := range spec.DependsOn {
			if dep == spec.Ref {
				return nil, fmt.Errorf("task %q depends on itself", spec.Ref)
			}
			if _, ok := refs[dep]; !ok {
				return nil, fmt.Errorf("task %q depends on unknown ref %q", spec.Ref, dep)
			}
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// correctivePrompt renders the failure context the corrective planner sees.
// Attempt detail and validation rationale carry output from executed code,
// so every free-text field is sanitized.
func correctivePrompt(req planner.CorrectiveRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal:\n%s\n\nFailed task: %s\nDescription: %s\n",
		sanitizeInput(req.Goal), req.Failed.ID, sanitizeInput(req.Failed.Description))
	if req.Failed.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "Acceptance criteria: %s\n", sanitizeInput(req.Failed.AcceptanceCriteria))
	}
	if len(req.ExecutionHistory) > 0 {
		b.WriteString("\nExecution history:\n")
		for _, a := range req.ExecutionHistory {
			fmt.Fprintf(&b, "- attempt %d: %s", a.Number, a.Outcome)
			if a.Detail != "" {
				fmt.Fprintf(&b, " (%s)", sanitizeInput(a.Detail))
			}
			if a.TimedOut {
				b.WriteString(" [timed out]")
			}
			b.WriteByte('\n')
		}
	}
	if len(req.ValidationHistory) > 0 {
		b.WriteString("\nValidation history:\n")
		for _, v := range req.ValidationHistory {
			fmt.Fprintf(&b, "- pass=%t: %s\n", v.Pass, sanitizeInput(v.Rationale))
		}
	}
	return b.String()
}
