package task

import (
	"errors"
	"testing"

	"github.com/fabrica-dev/fabrica/internal/domain"
)

func TestValidateTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"pending to in_progress", StatusPending, StatusInProgress, false},
		{"in_progress to completed", StatusInProgress, StatusCompleted, false},
		{"in_progress to pending (retry)", StatusInProgress, StatusPending, false},
		{"in_progress to failed", StatusInProgress, StatusFailed, false},
		{"pending to failed (abort)", StatusPending, StatusFailed, false},
		{"pending to completed", StatusPending, StatusCompleted, true},
		{"completed to pending", StatusCompleted, StatusPending, true},
		{"completed to failed", StatusCompleted, StatusFailed, true},
		{"failed to in_progress", StatusFailed, StatusInProgress, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateTransition(tt.from, tt.to)
			if tt.wantErr && !errors.Is(err, domain.ErrInvalidTransition) {
				t.Errorf("expected ErrInvalidTransition, got %v", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestStatusIsTerminal(t *testing.T) {
	if StatusPending.IsTerminal() || StatusInProgress.IsTerminal() {
		t.Error("pending/in_progress must not be terminal")
	}
	if !StatusCompleted.IsTerminal() || !StatusFailed.IsTerminal() {
		t.Error("completed/failed must be terminal")
	}
}

func TestKindCodecRoundTrip(t *testing.T) {
	kinds := []Kind{
		CreateFile{Path: "src/main.py", ContentGuideline: "entry point", Overwrite: true},
		RunCommand{Command: "pip install -r requirements.txt", TaskType: "dependency_install"},
	}

	for _, k := range kinds {
		data, err := MarshalKind(k)
		if err != nil {
			t.Fatalf("marshal %T: %v", k, err)
		}
		got, err := UnmarshalKind(data)
		if err != nil {
			t.Fatalf("unmarshal %T: %v", k, err)
		}
		if got != k {
			t.Errorf("round trip %T: got %+v, want %+v", k, got, k)
		}
	}
}

func TestUnmarshalKindUnknownTag(t *testing.T) {
	_, err := UnmarshalKind([]byte(`{"type":"launch_rocket","payload":{}}`))
	if err == nil {
		t.Fatal("expected error for unknown kind tag")
	}
}

func TestMarshalKindNil(t *testing.T) {
	if _, err := MarshalKind(nil); err == nil {
		t.Fatal("expected error for nil kind")
	}
}

func TestTargetPath(t *testing.T) {
	file := New("p1", 1, Spec{Description: "write readme", Kind: CreateFile{Path: "README.md"}}, nil, 3)
	if got := file.TargetPath(); got != "README.md" {
		t.Errorf("TargetPath = %q, want README.md", got)
	}

	cmd := New("p1", 2, Spec{Description: "run tests", Kind: RunCommand{Command: "python -m pytest"}}, nil, 3)
	if got := cmd.TargetPath(); got != "" {
		t.Errorf("TargetPath for command = %q, want empty", got)
	}
}

func TestNewTaskDefaults(t *testing.T) {
	spec := Spec{
		Ref:                "t1",
		Description:        "create config",
		Kind:               CreateFile{Path: "config.yaml"},
		AcceptanceCriteria: "valid YAML with a version field",
	}
	tk := New("proj-1", 7, spec, []string{"dep-id"}, 4)

	if tk.ID == "" {
		t.Fatal("expected generated ID")
	}
	if tk.Status != StatusPending {
		t.Errorf("status = %s, want pending", tk.Status)
	}
	if tk.Seq != 7 {
		t.Errorf("seq = %d, want 7", tk.Seq)
	}
	if tk.MaxRetries != 4 {
		t.Errorf("max_retries = %d, want 4", tk.MaxRetries)
	}
	if len(tk.DependsOn) != 1 || tk.DependsOn[0] != "dep-id" {
		t.Errorf("depends_on = %v, want [dep-id]", tk.DependsOn)
	}
	if !tk.CanRetry() {
		t.Error("fresh task should have retry budget")
	}
	tk.Retries = 4
	if tk.CanRetry() {
		t.Error("task at max retries must not retry")
	}
}
