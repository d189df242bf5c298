package provision

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
)

func testManifest(tools []string, verify ...string) *manifest.Manifest {
	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Verify:  verify,
	}
	for _, name := range tools {
		m.Tools = append(m.Tools, manifest.ToolDecl{Name: name})
	}
	return m
}

func testProvisioner(opts Options) *Provisioner {
	if opts.InitialBackoff == 0 {
		opts.InitialBackoff = time.Millisecond
	}
	opts.NewRunID = func() string { return "run-1" }
	return New(opts)
}

func newTestEnv() (*TargetEnvironment, *backend.MockBackend, *backend.MockToolchain) {
	b := backend.NewMockBackend()
	tc := backend.NewMockToolchain()
	return NewTargetEnvironment(b, tc), b, tc
}

func transientFailure(name string) error {
	return &backend.Failure{Op: "install", Subject: name, Cause: backend.CauseTransient, Diagnostic: "Read timed out."}
}

func TestProvision_Success(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Resolvable["requests"] = true
	b.Available["mypy"] = "1.11.2"

	m := testManifest([]string{"flake8"}, "requests")
	m.Tools = append(m.Tools, manifest.ToolDecl{Name: "mypy", Version: ">=1.8.0"})

	result := testProvisioner(Options{}).Provision(context.Background(), m, env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, 0, result.ExitCode())
	assert.NoError(t, result.Err())
	assert.Equal(t, "run-1", result.RunID)
	assert.Equal(t, []string{
		"runtime",
		"self-upgrade",
		"installed:flake8", "install:flake8", "installed:flake8",
		"installed:mypy", "install:mypy", "installed:mypy",
	}, b.CallLog())

	require.Len(t, result.Tools, 2)
	assert.Equal(t, ToolInstalled, result.Tools[0].Status)
	assert.Equal(t, 1, result.Tools[0].Attempts)
	assert.Equal(t, ">=1.8.0", result.Tools[1].Constraint)
	assert.Equal(t, "1.11.2", result.Tools[1].Version, "the installed release, not the constraint operand")
	assert.Equal(t, []string{"requests"}, result.Verified)
	assert.Equal(t, map[string]string{"flake8": "1.0.0", "mypy": "1.11.2"}, env.Snapshot())
	assert.Equal(t, env.Snapshot(), result.Environment)
	assert.Empty(t, tc.StubCalls)
}

func TestProvision_PlanOrderIsDeclarationOrder(t *testing.T) {
	env, b, _ := newTestEnv()

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"b", "a", "c"}), env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, []string{"b", "a", "c"}, b.Installs())
	assert.Equal(t, "b", result.Tools[0].Name)
	assert.Equal(t, "c", result.Tools[2].Name)
}

func TestProvision_DuplicateToolMakesNoBackendCall(t *testing.T) {
	tests := []struct {
		name  string
		tools []string
	}{
		{"exact", []string{"flake8", "flake8"}},
		{"case", []string{"Flake8", "flake8"}},
		{"whitespace", []string{"flake8", "  flake8 "}},
		{"separators", []string{"types_requests", "types-requests"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, b, tc := newTestEnv()

			result := testProvisioner(Options{}).Provision(context.Background(), testManifest(tt.tools), env)

			assert.Equal(t, KindResolutionFailed, result.Kind)
			assert.Equal(t, string(manifest.KindDuplicateToolRequirement), result.Reason)
			assert.Equal(t, StateResolving, result.Stage)
			assert.Equal(t, 2, result.ExitCode())
			assert.ErrorIs(t, result.Err(), ErrResolutionFailed)
			assert.ErrorIs(t, result.Err(), manifest.ErrDuplicateToolRequirement)
			assert.Empty(t, b.CallLog())
			assert.Empty(t, tc.ResolveCalls)
		})
	}
}

func TestProvision_InvalidRuntimeVersion(t *testing.T) {
	env, b, _ := newTestEnv()
	m := testManifest([]string{"mypy"})
	m.Runtime.Version = "three"

	result := testProvisioner(Options{}).Provision(context.Background(), m, env)

	assert.Equal(t, KindResolutionFailed, result.Kind)
	assert.Equal(t, string(manifest.KindInvalidRuntimeVersion), result.Reason)
	assert.ErrorIs(t, result.Err(), manifest.ErrInvalidRuntimeVersion)
	assert.Empty(t, b.CallLog())
}

func TestProvision_Idempotent(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Resolvable["requests"] = true
	m := testManifest([]string{"flake8", "mypy"}, "requests")
	p := testProvisioner(Options{})

	first := p.Provision(context.Background(), m, env)
	require.True(t, first.Success(), first.String())
	require.Equal(t, []string{"flake8", "mypy"}, b.Installs())

	second := p.Provision(context.Background(), m, env)
	require.True(t, second.Success(), second.String())

	assert.Equal(t, []string{"flake8", "mypy"}, b.Installs(), "second run must not install anything")
	for _, tool := range second.Tools {
		assert.Equal(t, ToolSatisfied, tool.Status, tool.Name)
		assert.Zero(t, tool.Attempts)
	}
	assert.Equal(t, 2, b.UpgradeCalls)
}

func TestProvision_UnsatisfiedVersionIsReinstalled(t *testing.T) {
	env, b, _ := newTestEnv()
	b.Versions["mypy"] = "1.5.0"

	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Tools:   []manifest.ToolDecl{{Name: "mypy", Version: ">=1.8.0"}},
	}
	result := testProvisioner(Options{}).Provision(context.Background(), m, env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, []string{"mypy"}, b.Installs())
	assert.Equal(t, ToolInstalled, result.Tools[0].Status)
}

func TestProvision_InstalledVersionUnknown(t *testing.T) {
	env, b, _ := newTestEnv()
	b.InstalledErr = errors.New("pip show failed")

	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Tools: []manifest.ToolDecl{
			{Name: "flake8", Version: "==7.0.0"},
			{Name: "mypy", Version: ">=1.8.0"},
			{Name: "black"},
		},
	}
	result := testProvisioner(Options{}).Provision(context.Background(), m, env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, "7.0.0", result.Tools[0].Version, "an exact pin is what got installed")
	assert.Empty(t, result.Tools[1].Version)
	assert.Empty(t, result.Tools[2].Version)
	assert.Equal(t, map[string]string{"flake8": "7.0.0", "mypy": "", "black": ""}, result.Environment)
}

func TestVerify_ReportsKnownEnvironment(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Resolvable["requests"] = true
	b.Available["mypy"] = "1.11.2"
	m := testManifest([]string{"mypy"}, "requests")
	p := testProvisioner(Options{})

	require.True(t, p.Provision(context.Background(), m, env).Success())
	result := p.Verify(context.Background(), m, env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, map[string]string{"mypy": "1.11.2"}, result.Environment)
}

func TestProvision_SelfUpgradeFailureStopsInstalls(t *testing.T) {
	env, b, tc := newTestEnv()
	b.SelfUpgradeErr = &backend.Failure{Op: "self-upgrade", Subject: "pip", Cause: backend.CauseUnknown, Diagnostic: "permission denied"}

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"flake8", "mypy"}, "requests"), env)

	assert.Equal(t, KindBackendUpgradeFailed, result.Kind)
	assert.Equal(t, StateBackendUpgrading, result.Stage)
	assert.Equal(t, "mock", result.Subject)
	assert.Equal(t, "permission denied", result.Detail)
	assert.Equal(t, 3, result.ExitCode())
	assert.Equal(t, []string{"runtime", "self-upgrade"}, b.CallLog())
	assert.Empty(t, b.Installs())
	assert.Empty(t, tc.ResolveCalls)
}

func TestProvision_VerificationFailureAfterSuccessfulInstalls(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Unfixable["requests"] = true

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"flake8", "mypy"}, "requests"), env)

	assert.False(t, result.Success())
	assert.Equal(t, KindVerificationFailed, result.Kind)
	assert.Equal(t, "requests", result.Subject)
	assert.Equal(t, 5, result.ExitCode())
	assert.Contains(t, result.Detail, "Library stubs not installed")
	assert.ErrorIs(t, result.Err(), ErrVerificationFailed)

	assert.Equal(t, []string{"flake8", "mypy"}, b.Installs())
	assert.Equal(t, []string{"requests", "requests"}, tc.ResolveCalls, "one check and one re-check")
	assert.Equal(t, []string{"requests"}, tc.StubCalls, "exactly one remediation pass")
}

func TestProvision_VerificationRemediation(t *testing.T) {
	env, _, tc := newTestEnv()

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"mypy"}, "requests", "pyyaml"), env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, []string{"requests", "pyyaml"}, result.Verified)
	assert.Equal(t, []string{"requests", "pyyaml"}, tc.StubCalls)
}

func TestProvision_CancelledBetweenInstallAndVerify(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Resolvable["requests"] = true

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.InstallFunc = func(_ context.Context, req manifest.ToolRequirement) error {
		if req.Name == "mypy" {
			cancel()
		}
		return nil
	}

	result := testProvisioner(Options{}).Provision(ctx, testManifest([]string{"flake8", "mypy"}, "requests"), env)

	assert.False(t, result.Success())
	assert.Equal(t, KindCancelled, result.Kind)
	assert.Equal(t, 6, result.ExitCode())
	assert.ErrorIs(t, result.Err(), context.Canceled)
	assert.Empty(t, tc.ResolveCalls, "verifier must not run after cancellation")
}

func TestProvision_CancelledBeforeStart(t *testing.T) {
	env, b, _ := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := testProvisioner(Options{}).Provision(ctx, testManifest([]string{"mypy"}), env)

	assert.Equal(t, KindCancelled, result.Kind)
	assert.Equal(t, StateResolving, result.Stage)
	assert.Empty(t, b.CallLog())
}

func TestProvision_CancelledDuringInstallStopsNewInstalls(t *testing.T) {
	env, b, _ := newTestEnv()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.InstallFunc = func(_ context.Context, req manifest.ToolRequirement) error {
		if req.Name == "a" {
			cancel()
		}
		return nil
	}

	result := testProvisioner(Options{}).Provision(ctx, testManifest([]string{"a", "b", "c"}), env)

	assert.Equal(t, KindCancelled, result.Kind)
	assert.Equal(t, StateInstalling, result.Stage)
	assert.Equal(t, []string{"a"}, b.Installs())
}

// blockForever returns a func that reports when it is entered and then
// blocks, ignoring its context, until the test ends
func blockForever(t *testing.T) (started <-chan struct{}, block func()) {
	entered := make(chan struct{})
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var once sync.Once
	return entered, func() {
		once.Do(func() { close(entered) })
		<-release
	}
}

func TestProvision_BlockingSelfUpgradeTimesOut(t *testing.T) {
	env, b, _ := newTestEnv()
	started, block := blockForever(t)
	b.SelfUpgradeFunc = func(context.Context) error {
		block()
		return nil
	}

	fakeClock := clockwork.NewFakeClock()
	p := testProvisioner(Options{Timeout: time.Second, Clock: fakeClock})

	done := make(chan *Result, 1)
	go func() {
		done <- p.Provision(context.Background(), testManifest([]string{"mypy"}), env)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("self-upgrade was never called")
	}
	fakeClock.Advance(time.Second)

	var result *Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run hung on a blocking backend")
	}

	assert.Equal(t, KindBackendUpgradeFailed, result.Kind)
	assert.Equal(t, backend.CauseTransient, result.Cause)
	assert.ErrorIs(t, result.Err(), ErrCallTimeout)
	assert.Empty(t, b.Installs())
}

func TestProvision_BlockingInstallTimesOut(t *testing.T) {
	env, b, tc := newTestEnv()
	started, block := blockForever(t)
	b.InstallFunc = func(context.Context, manifest.ToolRequirement) error {
		block()
		return nil
	}

	fakeClock := clockwork.NewFakeClock()
	p := testProvisioner(Options{Timeout: time.Second, Clock: fakeClock, MaxRetries: 0})

	done := make(chan *Result, 1)
	go func() {
		done <- p.Provision(context.Background(), testManifest([]string{"mypy"}, "requests"), env)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("install was never called")
	}
	fakeClock.Advance(time.Second)

	var result *Result
	select {
	case result = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run hung on a blocking backend")
	}

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, "mypy", result.Subject)
	assert.Equal(t, backend.CauseTransient, result.Cause)
	assert.Empty(t, tc.ResolveCalls)
}

func TestProvision_TransientInstallRetried(t *testing.T) {
	env, b, _ := newTestEnv()
	var mu sync.Mutex
	failures := 2
	b.InstallFunc = func(_ context.Context, req manifest.ToolRequirement) error {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			return transientFailure(req.Name)
		}
		return nil
	}

	result := testProvisioner(Options{MaxRetries: 3}).Provision(context.Background(), testManifest([]string{"mypy"}), env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, 3, result.Tools[0].Attempts)
	assert.Len(t, b.Installs(), 3)
}

func TestProvision_TransientRetriesAreBounded(t *testing.T) {
	env, b, _ := newTestEnv()
	b.InstallErrs["mypy"] = transientFailure("mypy")

	result := testProvisioner(Options{MaxRetries: 2}).Provision(context.Background(), testManifest([]string{"mypy"}), env)

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, backend.CauseTransient, result.Cause)
	assert.Equal(t, 3, result.Tools[0].Attempts)
	assert.Len(t, b.Installs(), 3)
}

func TestProvision_UnsatisfiableNeverRetried(t *testing.T) {
	env, b, _ := newTestEnv()
	b.InstallErrs["mypy"] = &backend.Failure{
		Op:         "install",
		Subject:    "mypy",
		Cause:      backend.CauseUnsatisfiable,
		Diagnostic: "ERROR: No matching distribution found for mypy==99.0.0",
	}

	result := testProvisioner(Options{MaxRetries: 5}).Provision(context.Background(), testManifest([]string{"mypy", "flake8"}), env)

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, "mypy", result.Subject)
	assert.Equal(t, backend.CauseUnsatisfiable, result.Cause)
	assert.Equal(t, "ERROR: No matching distribution found for mypy==99.0.0", result.Detail)
	assert.Equal(t, []string{"mypy"}, b.Installs())
	assert.Equal(t, ToolFailed, result.Tools[0].Status)
	assert.Equal(t, ToolNotAttempted, result.Tools[1].Status)
}

func TestProvision_UnknownFailureNotRetried(t *testing.T) {
	env, b, _ := newTestEnv()
	b.InstallErrs["mypy"] = errors.New("something odd")

	result := testProvisioner(Options{MaxRetries: 3}).Provision(context.Background(), testManifest([]string{"mypy"}), env)

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, backend.CauseUnknown, result.Cause)
	assert.Len(t, b.Installs(), 1)
}

func TestProvision_SequentialStopsAtFirstFailure(t *testing.T) {
	env, b, _ := newTestEnv()
	b.InstallErrs["b"] = errors.New("broken wheel")

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"a", "b", "c"}), env)

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, "b", result.Subject)
	assert.Equal(t, []string{"a", "b"}, b.Installs())
	assert.Equal(t, ToolInstalled, result.Tools[0].Status)
	assert.Equal(t, ToolFailed, result.Tools[1].Status)
	assert.Equal(t, ToolNotAttempted, result.Tools[2].Status)
}

func TestProvision_ParallelReportsLowestIndexFailure(t *testing.T) {
	env, b, _ := newTestEnv()
	dFailed := make(chan struct{})

	b.InstallFunc = func(_ context.Context, req manifest.ToolRequirement) error {
		switch req.Name {
		case "b":
			// fail only after a later tool has failed first
			select {
			case <-dFailed:
			case <-time.After(5 * time.Second):
			}
			return errors.New("b failed")
		case "d":
			defer close(dFailed)
			return errors.New("d failed")
		}
		return nil
	}

	result := testProvisioner(Options{Parallel: 3}).Provision(context.Background(), testManifest([]string{"a", "b", "c", "d"}), env)

	assert.Equal(t, KindInstallFailed, result.Kind)
	assert.Equal(t, "b", result.Subject)
	assert.Equal(t, "b failed", result.Detail)
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, b.Installs())
}

func TestProvision_ParallelSuccess(t *testing.T) {
	env, b, _ := newTestEnv()

	result := testProvisioner(Options{Parallel: 4}).Provision(context.Background(), testManifest([]string{"a", "b", "c", "d", "e"}), env)

	require.True(t, result.Success(), result.String())
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, b.Installs())
	for i, tool := range result.Tools {
		assert.Equal(t, i, tool.Index)
		assert.Equal(t, ToolInstalled, tool.Status)
	}
	assert.Len(t, env.Snapshot(), 5)
}

func TestProvision_RuntimeMismatch(t *testing.T) {
	env, b, _ := newTestEnv()
	b.Runtime = "Python 3.11.4"

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"mypy"}), env)

	assert.Equal(t, KindResolutionFailed, result.Kind)
	assert.Equal(t, ReasonRuntimeMismatch, result.Reason)
	assert.Equal(t, "python", result.Subject)
	assert.Contains(t, result.Detail, "3.11.4")
	assert.Equal(t, []string{"runtime"}, b.CallLog())
}

func TestProvision_RuntimeUnknownIsSkipped(t *testing.T) {
	env, b, _ := newTestEnv()
	b.Runtime = ""

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"mypy"}), env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, []string{"mypy"}, b.Installs())
}

func TestProvision_EmptyToolList(t *testing.T) {
	env, b, _ := newTestEnv()

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest(nil), env)

	require.True(t, result.Success(), result.String())
	assert.Empty(t, result.Tools)
	assert.Equal(t, []string{"runtime", "self-upgrade"}, b.CallLog())
}

func TestVerify_Only(t *testing.T) {
	env, b, tc := newTestEnv()
	tc.Resolvable["requests"] = true

	result := testProvisioner(Options{}).Verify(context.Background(), testManifest([]string{"mypy"}, "requests"), env)

	require.True(t, result.Success(), result.String())
	assert.Equal(t, []string{"runtime"}, b.CallLog())
	assert.Equal(t, []string{"requests"}, result.Verified)
}

// recordingObserver records the events a run emits
type recordingObserver struct {
	mu       sync.Mutex
	runs     []string
	stages   []State
	failed   []State
	attempts []string
	finished []*Result
}

func (r *recordingObserver) RunStarted(ctx context.Context, runID string) context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, runID)
	return ctx
}

func (r *recordingObserver) StageStarted(ctx context.Context, stage State) (context.Context, func(error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
	return ctx, func(err error) {
		if err != nil {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.failed = append(r.failed, stage)
		}
	}
}

func (r *recordingObserver) InstallAttempted(tool string, attempt int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = append(r.attempts, tool)
}

func (r *recordingObserver) RunFinished(ctx context.Context, result *Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, result)
}

func TestProvision_Observer(t *testing.T) {
	env, _, tc := newTestEnv()
	tc.Unfixable["requests"] = true
	obs := &recordingObserver{}

	result := testProvisioner(Options{Observer: obs}).Provision(context.Background(), testManifest([]string{"flake8", "mypy"}, "requests"), env)

	assert.Equal(t, []string{"run-1"}, obs.runs)
	assert.Equal(t, []State{StateResolving, StateBackendUpgrading, StateInstalling, StateVerifying}, obs.stages)
	assert.Equal(t, []State{StateVerifying}, obs.failed)
	assert.Equal(t, []string{"flake8", "mypy"}, obs.attempts)
	require.Len(t, obs.finished, 1)
	assert.Same(t, result, obs.finished[0])
}

func TestProvision_LogsFailureOnce(t *testing.T) {
	observedCore, logs := observer.New(zapcore.InfoLevel)
	undo := zap.ReplaceGlobals(zap.New(observedCore))
	defer undo()

	env, b, _ := newTestEnv()
	b.InstallErrs["mypy"] = errors.New("broken wheel")

	result := testProvisioner(Options{}).Provision(context.Background(), testManifest([]string{"mypy"}), env)
	require.Equal(t, KindInstallFailed, result.Kind)

	failures := logs.FilterMessage("Provisioning failed").All()
	require.Len(t, failures, 1)
	fields := failures[0].ContextMap()
	assert.Equal(t, "InstallFailed", fields["kind"])
	assert.Equal(t, "mypy", fields["subject"])
	assert.Equal(t, "Installing", fields["stage"])

	transitions := logs.FilterMessage("Provisioning stage transition").All()
	require.NotEmpty(t, transitions)
	assert.Equal(t, "Failed", transitions[len(transitions)-1].ContextMap()["to"])
}
