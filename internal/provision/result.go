package provision

import (
	"fmt"
	"time"

	"github.com/dorcha-inc/envprov/internal/backend"
)

// ToolStatus is what happened to one requirement during the install stage
type ToolStatus string

// ToolStatus constants
const (
	ToolInstalled    ToolStatus = "installed"
	ToolSatisfied    ToolStatus = "satisfied"
	ToolFailed       ToolStatus = "failed"
	ToolNotAttempted ToolStatus = "not-attempted"
)

// ToolOutcome reports one requirement of the plan
type ToolOutcome struct {
	Index      int        `json:"index"`
	Name       string     `json:"name"`
	Constraint string     `json:"constraint"`
	Status     ToolStatus `json:"status"`
	Version    string     `json:"version,omitempty"`
	Attempts   int        `json:"attempts"`
}

// Result is the terminal outcome of a run. Either Kind is KindSuccess and the
// environment matches the manifest, or the run failed with exactly one
// attributable error.
type Result struct {
	RunID    string        `json:"run_id"`
	Kind     Kind          `json:"kind"`
	Stage    State         `json:"stage"`
	Subject  string        `json:"subject,omitempty"`
	Reason   string        `json:"reason,omitempty"`
	Cause    backend.Cause `json:"cause,omitempty"`
	Detail   string        `json:"detail,omitempty"`
	Tools    []ToolOutcome `json:"tools,omitempty"`
	Verified []string      `json:"verified,omitempty"`
	// Environment is every tool the target environment is known to hold
	Environment map[string]string `json:"environment,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	err *Error
}

// Success reports whether the run succeeded
func (r *Result) Success() bool {
	return r.Kind == KindSuccess
}

// Err returns the run's failure, nil on success
func (r *Result) Err() error {
	if r.err == nil {
		return nil
	}
	return r.err
}

// ExitCode is the process exit status for this result
func (r *Result) ExitCode() int {
	return r.Kind.ExitCode()
}

// Duration is the wall time of the run
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// String renders the result as one line, e.g. "InstallFailed: mypy: <detail>"
func (r *Result) String() string {
	if r.Success() {
		return fmt.Sprintf("%s: %d tools, %d artifacts verified", r.Kind, len(r.Tools), len(r.Verified))
	}
	return r.err.Error()
}

func successResult(runID string, started, finished time.Time, tools []ToolOutcome, verified []string) *Result {
	return &Result{
		RunID:      runID,
		Kind:       KindSuccess,
		Stage:      StateSuccess,
		Tools:      tools,
		Verified:   verified,
		StartedAt:  started,
		FinishedAt: finished,
	}
}

func failedResult(runID string, started, finished time.Time, err *Error, tools []ToolOutcome) *Result {
	return &Result{
		RunID:      runID,
		Kind:       err.Kind,
		Stage:      err.Stage,
		Subject:    err.Subject,
		Reason:     err.Reason,
		Cause:      err.Cause,
		Detail:     err.Detail,
		Tools:      tools,
		StartedAt:  started,
		FinishedAt: finished,
		err:        err,
	}
}
