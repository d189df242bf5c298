package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dorcha-inc/envprov/internal/core"
)

// MypyToolchainName is the configuration name of the mypy toolchain
const MypyToolchainName = "mypy"

// MypyToolchain verifies stubs by asking mypy to type-check a one-line import.
// Only the exit status is interpreted; mypy's output is carried verbatim.
type MypyToolchain struct {
	binDir string
	runner Runner
}

// NewMypyToolchain creates a mypy toolchain. binDir is where the backend
// installed console scripts; empty means PATH.
func NewMypyToolchain(binDir string, runner Runner) *MypyToolchain {
	return &MypyToolchain{binDir: binDir, runner: runner}
}

// Interface guard
var _ Toolchain = &MypyToolchain{}

func (m *MypyToolchain) Name() string {
	return MypyToolchainName
}

// ResolveArtifact runs mypy against "import <module>"
func (m *MypyToolchain) ResolveArtifact(ctx context.Context, artifact string) error {
	return m.run(ctx, "resolve", artifact,
		"--no-incremental",
		"--follow-imports=silent",
		"-c", importStatement(artifact))
}

// InstallStubs runs mypy's own non-interactive stub installation
func (m *MypyToolchain) InstallStubs(ctx context.Context, artifact string) error {
	return m.run(ctx, "install-stubs", artifact,
		"--install-types",
		"--non-interactive",
		"--no-incremental",
		"-c", importStatement(artifact))
}

func (m *MypyToolchain) run(ctx context.Context, op, artifact string, args ...string) error {
	executable, err := core.ResolveExecutable(m.binDir, MypyToolchainName)
	if err != nil {
		return &Failure{Op: op, Subject: artifact, Cause: CauseUnknown, Err: err}
	}

	start := time.Now()
	result, err := m.runner.Run(ctx, executable, args...)
	if err != nil {
		failure := &Failure{Op: op, Subject: artifact, Cause: classifyRunError(err), Err: err}
		core.LogBackendCall(op, artifact, time.Since(start).Seconds(), failure)
		return failure
	}
	if !result.Success() {
		failure := &Failure{Op: op, Subject: artifact, Cause: CauseUnknown, Diagnostic: result.Diagnostic()}
		core.LogBackendCall(op, artifact, time.Since(start).Seconds(), failure)
		return failure
	}

	core.LogBackendCall(op, artifact, time.Since(start).Seconds(), nil)
	return nil
}

// ModuleName maps a distribution name to its import name by replacing "-" with "_"
func ModuleName(artifact string) string {
	return strings.ReplaceAll(artifact, "-", "_")
}

func importStatement(artifact string) string {
	return fmt.Sprintf("import %s", ModuleName(artifact))
}
