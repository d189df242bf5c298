// Package backend defines the package-management backend and verification
// toolchain that envprov drives, plus the pip and mypy implementations.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/dorcha-inc/envprov/internal/manifest"
)

// Cause classifies a backend failure for retry decisions
type Cause string

// Cause constants
const (
	// CauseUnsatisfiable means the version constraint cannot be met; retrying cannot help
	CauseUnsatisfiable Cause = "unsatisfiable"
	// CauseTransient means the failure is expected to be retry-safe (registry timeout, rate limit)
	CauseTransient Cause = "transient"
	// CauseUnknown is anything the backend could not classify
	CauseUnknown Cause = "unknown"
)

// ErrRuntimeUnknown is returned by RuntimeVersion when the backend cannot report one
var ErrRuntimeUnknown = errors.New("runtime version unknown")

// Failure is a classified backend or toolchain failure with the tool's own
// diagnostic text
type Failure struct {
	Op         string
	Subject    string
	Cause      Cause
	Diagnostic string
	Err        error
}

func (f *Failure) Error() string {
	msg := fmt.Sprintf("%s %s failed (%s)", f.Op, f.Subject, f.Cause)
	if f.Diagnostic != "" {
		msg += ": " + f.Diagnostic
	}
	if f.Err != nil {
		msg += ": " + f.Err.Error()
	}
	return msg
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// CauseOf returns the classification of err, CauseUnknown when err carries none
func CauseOf(err error) Cause {
	var failure *Failure
	if errors.As(err, &failure) && failure.Cause != "" {
		return failure.Cause
	}
	return CauseUnknown
}

// DiagnosticOf returns the tool diagnostic carried by err, or err's message
func DiagnosticOf(err error) string {
	var failure *Failure
	if errors.As(err, &failure) && failure.Diagnostic != "" {
		return failure.Diagnostic
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Backend is the package-management backend that installs tools into the
// target environment
type Backend interface {
	// Name identifies the backend in logs and results
	Name() string
	// SelfUpgrade brings the package manager itself up to date. It must be idempotent.
	SelfUpgrade(ctx context.Context) error
	// Install installs one requirement
	Install(ctx context.Context, req manifest.ToolRequirement) error
	// Installed reports the installed version of a tool, ok=false when absent
	Installed(ctx context.Context, name string) (version string, ok bool, err error)
	// RuntimeVersion reports the runtime version, or ErrRuntimeUnknown
	RuntimeVersion(ctx context.Context) (string, error)
}

// Toolchain is the installed tool set's own stub resolution
type Toolchain interface {
	// Name identifies the toolchain in logs and results
	Name() string
	// ResolveArtifact checks non-interactively that type data for artifact resolves.
	// A nil error means resolved; a *Failure carries the tool's diagnostic.
	ResolveArtifact(ctx context.Context, artifact string) error
	// InstallStubs runs the toolchain's non-interactive stub installation for artifact
	InstallStubs(ctx context.Context, artifact string) error
}
