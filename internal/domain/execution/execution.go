// Package execution defines the sandboxed command execution result.
package execution

import "time"

// TimeoutExitCode is the sentinel exit code reported when the container is
// force-terminated at the deadline. Distinct from any real exit status.
const TimeoutExitCode = -1

// Result captures one sandboxed command execution. Stdout and stderr are
// size-bounded at capture time; the truncation flags record clipping.
type Result struct {
	ExitCode        int           `json:"exit_code"`
	Stdout          string        `json:"stdout"`
	Stderr          string        `json:"stderr"`
	StdoutTruncated bool          `json:"stdout_truncated,omitempty"`
	StderrTruncated bool          `json:"stderr_truncated,omitempty"`
	Duration        time.Duration `json:"duration"`
	TimedOut        bool          `json:"timed_out"`
}

// Succeeded reports whether the command completed with exit code zero.
func (r Result) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}
