// Package modelprovider defines the port for model-backed completions.
// Prompts and model selection are opaque to the engine; the provider maps
// a role to a configured model and reports usage for cost accounting.
package modelprovider

import "context"

// Role selects the configured model for a capability.
type Role string

const (
	RolePlanner          Role = "planner"
	RoleCodeGenerator    Role = "code_generator"
	RoleValidator        Role = "validator"
	RoleSecurityAnalyzer Role = "security_analyzer"
)

// Request is one completion request. System and Prompt are already fully
// rendered; the provider adds no templating.
type Request struct {
	Role      Role
	System    string
	Prompt    string
	MaxTokens int
}

// Usage reports token and cost accounting for one completion.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
}

// Completion is the provider's response.
type Completion struct {
	Text  string `json:"text"`
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// Provider is the model capability port. Errors are classed with
// domain.ErrModelTransient (retryable) or domain.ErrModelFatal (aborts the
// project); callers use errors.Is to branch.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
}
