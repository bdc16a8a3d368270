package task

import (
	"encoding/json"
	"fmt"
)

// Kind is the closed set of task variants. New kinds are compile-time
// additions: implement the marker method and extend the codec switches.
type Kind interface {
	isKind()
	Type() string
}

// Kind type tags used in persistence and planner payloads.
const (
	KindCreateFile = "create_file"
	KindRunCommand = "run_command"
)

// CreateFile produces a file at Path from model-generated content.
type CreateFile struct {
	Path             string `json:"path"`
	ContentGuideline string `json:"content_guideline"`
	Overwrite        bool   `json:"overwrite"`
}

func (CreateFile) isKind() {}

// Type returns the persistence tag for a CreateFile kind.
func (CreateFile) Type() string { return KindCreateFile }

// RunCommand executes a shell command in the sandbox. TaskType classifies
// the command for network policy (e.g. "dependency_install").
type RunCommand struct {
	Command  string `json:"command"`
	TaskType string `json:"task_type"`
}

func (RunCommand) isKind() {}

// Type returns the persistence tag for a RunCommand kind.
func (RunCommand) Type() string { return KindRunCommand }

// kindEnvelope is the tagged wire form of a Kind.
type kindEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalKind encodes a Kind into its tagged JSON form.
func MarshalKind(k Kind) ([]byte, error) {
	if k == nil {
		return nil, fmt.Errorf("marshal kind: nil kind")
	}
	payload, err := json.Marshal(k)
	if err != nil {
		return nil, fmt.Errorf("marshal kind payload: %w", err)
	}
	return json.Marshal(kindEnvelope{Type: k.Type(), Payload: payload})
}

// UnmarshalKind decodes a tagged JSON form into a concrete Kind.
func UnmarshalKind(data []byte) (Kind, error) {
	var env kindEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal kind envelope: %w", err)
	}
	switch env.Type {
	case KindCreateFile:
		var cf CreateFile
		if err := json.Unmarshal(env.Payload, &cf); err != nil {
			return nil, fmt.Errorf("unmarshal create_file: %w", err)
		}
		return cf, nil
	case KindRunCommand:
		var rc RunCommand
		if err := json.Unmarshal(env.Payload, &rc); err != nil {
			return nil, fmt.Errorf("unmarshal run_command: %w", err)
		}
		return rc, nil
	default:
		return nil, fmt.Errorf("unknown task kind %q", env.Type)
	}
}
