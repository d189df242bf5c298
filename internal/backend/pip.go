package backend

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/core"
	"github.com/dorcha-inc/envprov/internal/manifest"
)

// PipBackendName is the configuration name of the pip backend
const PipBackendName = "pip"

// Runner runs a process to completion; *core.ProcessRunner implements it
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (*core.ProcessResult, error)
}

// Interface guard
var _ Runner = &core.ProcessRunner{}

var commonPipArgs = []string{"--no-input", "--disable-pip-version-check"}

// unsatisfiableMarkers are pip messages meaning no release matches the constraint
var unsatisfiableMarkers = []string{
	"no matching distribution found",
	"could not find a version that satisfies",
	"resolutionimpossible",
}

// transientMarkers are pip/network messages worth a retry
var transientMarkers = []string{
	"timed out",
	"timeout",
	"connection reset",
	"connection refused",
	"connectionerror",
	"temporary failure in name resolution",
	"name or service not known",
	"max retries exceeded",
	"too many requests",
	"error 429",
	"429 client error",
	"503 service unavailable",
	"502 bad gateway",
}

// PipBackend installs tools with "python -m pip"
type PipBackend struct {
	python string
	runner Runner
}

// NewPipBackend creates a pip backend that runs pip through the given interpreter
func NewPipBackend(python string, runner Runner) *PipBackend {
	return &PipBackend{python: python, runner: runner}
}

// Interface guard
var _ Backend = &PipBackend{}

func (p *PipBackend) Name() string {
	return PipBackendName
}

// SelfUpgrade upgrades pip itself
func (p *PipBackend) SelfUpgrade(ctx context.Context) error {
	args := append([]string{"-m", "pip", "install", "--upgrade"}, commonPipArgs...)
	args = append(args, "pip")
	return p.run(ctx, "self-upgrade", "pip", args...)
}

// Install installs one requirement, e.g. "mypy>=1.8.0"
func (p *PipBackend) Install(ctx context.Context, req manifest.ToolRequirement) error {
	args := append([]string{"-m", "pip", "install"}, commonPipArgs...)
	args = append(args, req.Spec())
	return p.run(ctx, "install", req.Name, args...)
}

// Installed reads the version from "pip show"; a non-zero exit means not installed
func (p *PipBackend) Installed(ctx context.Context, name string) (string, bool, error) {
	start := time.Now()
	result, err := p.runner.Run(ctx, p.python, "-m", "pip", "show", "--no-input", name)
	core.LogBackendCall("show", name, time.Since(start).Seconds(), err)
	if err != nil {
		return "", false, &Failure{Op: "show", Subject: name, Cause: classifyRunError(err), Err: err}
	}
	if !result.Success() {
		return "", false, nil
	}

	scanner := bufio.NewScanner(strings.NewReader(result.Stdout))
	for scanner.Scan() {
		if version, found := strings.CutPrefix(scanner.Text(), "Version:"); found {
			return strings.TrimSpace(version), true, nil
		}
	}

	zap.L().Debug("pip show output had no Version line", zap.String("tool", name))
	return "", true, nil
}

// RuntimeVersion runs "python --version"
func (p *PipBackend) RuntimeVersion(ctx context.Context) (string, error) {
	result, err := p.runner.Run(ctx, p.python, "--version")
	if err != nil {
		return "", fmt.Errorf("failed to query runtime version: %w", err)
	}
	if !result.Success() {
		return "", fmt.Errorf("%w: %s", ErrRuntimeUnknown, result.Diagnostic())
	}
	// Python 2 printed its version on stderr
	version := strings.TrimSpace(result.Stdout + " " + result.Stderr)
	if version == "" {
		return "", ErrRuntimeUnknown
	}
	return version, nil
}

func (p *PipBackend) run(ctx context.Context, op, subject string, args ...string) error {
	start := time.Now()
	result, err := p.runner.Run(ctx, p.python, args...)
	if err != nil {
		failure := &Failure{Op: op, Subject: subject, Cause: classifyRunError(err), Err: err}
		core.LogBackendCall(op, subject, time.Since(start).Seconds(), failure)
		return failure
	}
	if !result.Success() {
		diagnostic := result.Diagnostic()
		failure := &Failure{Op: op, Subject: subject, Cause: ClassifyDiagnostic(diagnostic), Diagnostic: diagnostic}
		core.LogBackendCall(op, subject, time.Since(start).Seconds(), failure)
		return failure
	}
	core.LogBackendCall(op, subject, time.Since(start).Seconds(), nil)
	return nil
}

// ClassifyDiagnostic maps pip output to a failure cause. Network markers win:
// an offline pip still ends with "No matching distribution found" because it
// saw no versions at all.
func ClassifyDiagnostic(diagnostic string) Cause {
	lower := strings.ToLower(diagnostic)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return CauseTransient
		}
	}
	for _, marker := range unsatisfiableMarkers {
		if strings.Contains(lower, marker) {
			return CauseUnsatisfiable
		}
	}
	return CauseUnknown
}

func classifyRunError(err error) Cause {
	if errors.Is(err, core.ErrProcessTimeout) {
		return CauseTransient
	}
	return CauseUnknown
}
