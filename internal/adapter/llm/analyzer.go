package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fabrica-dev/fabrica/internal/domain/security"
	"github.com/fabrica-dev/fabrica/internal/port/modelprovider"
	"github.com/fabrica-dev/fabrica/internal/port/riskanalyzer"
)

const analyzerSystem = `You assess whether a shell command is safe to run inside an isolated,
disposable build container. Flag destructive operations, privilege escalation, data exfiltration,
and resource bombs. Respond with a single JSON object only:
{"decision": "allow" | "deny" | "uncertain", "rationale": "..."}.
Use "uncertain" whenever you cannot confidently judge the command.`

// Analyzer implements the risk-analysis port with model completions.
type Analyzer struct {
	provider modelprovider.Provider
}

// NewAnalyzer creates a model-backed risk analyzer.
func NewAnalyzer(p modelprovider.Provider) *Analyzer {
	return &Analyzer{provider: p}
}

// analyzerWire is the JSON judgement shape.
type analyzerWire struct {
	Decision  string `json:"decision"`
	Rationale string `json:"rationale"`
}

// Assess asks the analyzer model to judge a command. Any malformed or
// unrecognized judgement degrades to uncertain — never silently to allow —
// so the strict level stays fail-closed.
func (a *Analyzer) Assess(ctx context.Context, command, taskType string) (riskanalyzer.Assessment, error) {
	prompt := fmt.Sprintf("Command:\n%s\n", command)
	if taskType != "" {
		prompt += fmt.Sprintf("Declared task type: %s\n", taskType)
	}

	completion, err := a.provider.Complete(ctx, modelprovider.Request{
		Role:   modelprovider.RoleSecurityAnalyzer,
		System: analyzerSystem,
		Prompt: prompt,
	})
	if err != nil {
		return riskanalyzer.Assessment{}, fmt.Errorf("assess command: %w", err)
	}

	doc := extractJSON(completion.Text)
	if doc == "" {
		return uncertain("analyzer returned no JSON"), nil
	}

	var wire analyzerWire
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return uncertain("analyzer returned malformed JSON"), nil
	}

	switch security.SemanticResult(wire.Decision) {
	case security.SemanticAllow:
		return riskanalyzer.Assessment{Result: security.SemanticAllow, Rationale: wire.Rationale}, nil
	case security.SemanticDeny:
		return riskanalyzer.Assessment{Result: security.SemanticDeny, Rationale: wire.Rationale}, nil
	case security.SemanticUncertain:
		return riskanalyzer.Assessment{Result: security.SemanticUncertain, Rationale: wire.Rationale}, nil
	default:
		return uncertain(fmt.Sprintf("analyzer returned unknown decision %q", wire.Decision)), nil
	}
}

func uncertain(rationale string) riskanalyzer.Assessment {
	return riskanalyzer.Assessment{Result: security.SemanticUncertain, Rationale: rationale}
}
