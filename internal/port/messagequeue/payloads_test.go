package messagequeue

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		data    string
		wantErr bool
	}{
		{"project event ok", SubjectProjectStarted, `{"project_id":"p1","status":"running"}`, false},
		{"project event missing id", SubjectProjectStarted, `{"status":"running"}`, true},
		{"task event ok", SubjectTaskCompleted, `{"task_id":"t1","project_id":"p1","status":"completed"}`, false},
		{"task event garbage", SubjectTaskEnqueued, `not-json`, true},
		{"security denied ok", SubjectTaskDenied, `{"task_id":"t1","project_id":"p1","command":"rm -rf /","rationale":"blacklisted"}`, false},
		{"security denied missing command", SubjectTaskDenied, `{"task_id":"t1"}`, true},
		{"task output ok", SubjectTaskOutput, `{"task_id":"t1","project_id":"p1","stream":"stdout","chunk":"hi"}`, false},
		{"unknown subject valid json", "tasks.test.anything", `{"free":"form"}`, false},
		{"unknown subject invalid json", "tasks.test.anything", `{{`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.subject, []byte(tt.data))
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate(%s) error = %v, wantErr %v", tt.subject, err, tt.wantErr)
			}
		})
	}
}

func TestIsStreamSubject(t *testing.T) {
	if !IsStreamSubject(SubjectTaskOutput) || !IsStreamSubject(SubjectProjectCreated) {
		t.Error("stream subjects not recognized")
	}
	if IsStreamSubject("other.topic") {
		t.Error("non-stream subject recognized")
	}
}
