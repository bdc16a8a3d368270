// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict (optimistic locking).
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates a request failed domain validation.
var ErrValidation = errors.New("validation failed")

// ErrArtifactConflict indicates a put would overwrite a tracked artifact
// whose content hash differs, with overwrite disabled.
var ErrArtifactConflict = errors.New("artifact conflict: path tracked with different content")

// ErrDependencyDeadlock indicates pending tasks remain but none is ready
// and none is in progress.
var ErrDependencyDeadlock = errors.New("dependency deadlock: pending tasks with unsatisfiable dependencies")

// ErrIterationBudget indicates the project exhausted max_project_iterations.
var ErrIterationBudget = errors.New("iteration budget exhausted")

// ErrSecurityDenied indicates a command was rejected by the security pipeline.
var ErrSecurityDenied = errors.New("security denied")

// ErrEscalationExhausted indicates a corrective task itself failed terminally;
// escalation is bounded to one corrective generation per original task.
var ErrEscalationExhausted = errors.New("escalation exhausted")

// ErrInvalidTransition indicates a task status transition that the state
// machine does not permit.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrInfrastructure marks failures of the execution substrate itself
// (container start, image pull, daemon unreachable). Infrastructure errors
// abort the project rather than consuming task retries.
var ErrInfrastructure = errors.New("infrastructure failure")

// ErrModelTransient marks a retryable model-provider failure (timeout,
// rate limit, upstream 5xx).
var ErrModelTransient = errors.New("model provider transient failure")

// ErrModelFatal marks a non-retryable model-provider failure (bad
// credentials, unknown role mapping). Fatal model errors abort the project.
var ErrModelFatal = errors.New("model provider fatal failure")

// IsTransient reports whether err is absorbed by the retry/escalate path
// instead of aborting the project.
func IsTransient(err error) bool {
	return errors.Is(err, ErrModelTransient) || errors.Is(err, ErrSecurityDenied) ||
		errors.Is(err, ErrArtifactConflict)
}

// IsInfrastructure reports whether err should abort the project outright.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure) || errors.Is(err, ErrModelFatal)
}
