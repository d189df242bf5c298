// Package provision runs a manifest through the provisioning state machine:
// resolve, upgrade the backend, install, verify.
package provision

import (
	"fmt"

	"github.com/dorcha-inc/envprov/internal/backend"
)

// Kind is the terminal outcome of a provisioning run
type Kind string

// Kind constants
const (
	KindSuccess              Kind = "Success"
	KindResolutionFailed     Kind = "ResolutionFailed"
	KindBackendUpgradeFailed Kind = "BackendUpgradeFailed"
	KindInstallFailed        Kind = "InstallFailed"
	KindVerificationFailed   Kind = "VerificationFailed"
	KindCancelled            Kind = "Cancelled"
)

// ReasonRuntimeMismatch is the ResolutionFailed reason used when the backend's
// runtime does not satisfy the declared runtime version
const ReasonRuntimeMismatch = "RuntimeMismatch"

// Exit codes of the envprov command. 1 is left for usage and configuration errors.
const (
	ExitSuccess              = 0
	ExitUsage                = 1
	ExitResolutionFailed     = 2
	ExitBackendUpgradeFailed = 3
	ExitInstallFailed        = 4
	ExitVerificationFailed   = 5
	ExitCancelled            = 6
)

// ExitCode maps a kind to the process exit status
func (k Kind) ExitCode() int {
	switch k {
	case KindSuccess:
		return ExitSuccess
	case KindResolutionFailed:
		return ExitResolutionFailed
	case KindBackendUpgradeFailed:
		return ExitBackendUpgradeFailed
	case KindInstallFailed:
		return ExitInstallFailed
	case KindVerificationFailed:
		return ExitVerificationFailed
	case KindCancelled:
		return ExitCancelled
	default:
		return ExitUsage
	}
}

// Error is a failed provisioning run: which stage, which tool or artifact, and why.
type Error struct {
	Kind    Kind
	Stage   State
	Subject string
	// Reason refines ResolutionFailed, e.g. "DuplicateToolRequirement"
	Reason string
	// Cause is set for InstallFailed and BackendUpgradeFailed
	Cause  backend.Cause
	Detail string
	Err    error
}

func (e *Error) Error() string {
	kind := string(e.Kind)
	if e.Reason != "" {
		kind = fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	}
	if e.Subject == "" {
		return fmt.Sprintf("%s: %s", kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s: %s", kind, e.Subject, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the kind sentinels below
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Subject == "" && t.Detail == "" && t.Err == nil && t.Kind == e.Kind
}

// Sentinels for errors.Is
var (
	ErrResolutionFailed     = &Error{Kind: KindResolutionFailed}
	ErrBackendUpgradeFailed = &Error{Kind: KindBackendUpgradeFailed}
	ErrInstallFailed        = &Error{Kind: KindInstallFailed}
	ErrVerificationFailed   = &Error{Kind: KindVerificationFailed}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

func cancelled(stage State, subject string, err error) *Error {
	return &Error{
		Kind:    KindCancelled,
		Stage:   stage,
		Subject: subject,
		Detail:  fmt.Sprintf("run cancelled at %s", stage),
		Err:     err,
	}
}
