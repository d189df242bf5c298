package provision

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/manifest"
)

// Defaults used when Options leaves a field zero
const (
	DefaultTimeout        = 300 * time.Second
	DefaultMaxRetries     = 3
	DefaultInitialBackoff = 500 * time.Millisecond
)

// Options configures a Provisioner
type Options struct {
	// Timeout bounds each backend and toolchain call
	Timeout time.Duration
	// MaxRetries bounds retries of transient install failures; attempts = MaxRetries + 1
	MaxRetries     uint
	InitialBackoff time.Duration
	// Parallel is the number of concurrent installs; 0 or 1 installs sequentially
	Parallel int
	Clock    clockwork.Clock
	Observer Observer
	NewRunID func() string
}

// Provisioner drives a manifest through
// Start -> Resolving -> BackendUpgrading -> Installing -> Verifying -> Success,
// failing into Failed from any working state.
type Provisioner struct {
	opts Options
}

// New creates a Provisioner. Zero-valued options get defaults; a zero
// MaxRetries is kept as "no retries".
func New(opts Options) *Provisioner {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = DefaultInitialBackoff
	}
	if opts.Parallel < 1 {
		opts.Parallel = 1
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.NewRunID == nil {
		opts.NewRunID = uuid.NewString
	}
	return &Provisioner{opts: opts}
}

// Provision runs every stage against env
func (p *Provisioner) Provision(ctx context.Context, m *manifest.Manifest, env *TargetEnvironment) *Result {
	return p.run(ctx, m, env, provisionPath)
}

// Verify resolves the manifest and runs only the verifier, for an
// environment provisioned earlier
func (p *Provisioner) Verify(ctx context.Context, m *manifest.Manifest, env *TargetEnvironment) *Result {
	return p.run(ctx, m, env, verifyPath)
}

func (p *Provisioner) run(ctx context.Context, m *manifest.Manifest, env *TargetEnvironment, path []State) *Result {
	runID := p.opts.NewRunID()
	started := p.opts.Clock.Now()
	ctx = p.opts.Observer.RunStarted(ctx, runID)

	mach := newMachine(runID, path)
	calls := caller{clock: p.opts.Clock, timeout: p.opts.Timeout}
	installer := &Installer{
		env:            env,
		calls:          calls,
		maxRetries:     p.opts.MaxRetries,
		initialBackoff: p.opts.InitialBackoff,
		parallel:       p.opts.Parallel,
		observer:       p.opts.Observer,
	}
	upgrader := &SelfUpgrader{env: env, calls: calls}
	verifier := &Verifier{env: env, calls: calls}

	var (
		plan     *manifest.InstallationPlan
		tools    []ToolOutcome
		verified []string
	)

	finish := func(failure *Error) *Result {
		var result *Result
		finished := p.opts.Clock.Now()
		if failure != nil {
			mach.to(StateFailed)
			zap.L().Error("Provisioning failed",
				zap.String("run_id", runID),
				zap.String("kind", string(failure.Kind)),
				zap.String("stage", string(failure.Stage)),
				zap.String("subject", failure.Subject),
				zap.String("reason", failure.Reason),
				zap.String("cause", string(failure.Cause)),
				zap.String("detail", failure.Detail))
			result = failedResult(runID, started, finished, failure, tools)
		} else {
			mach.to(StateSuccess)
			zap.L().Info("Provisioning succeeded",
				zap.String("run_id", runID),
				zap.Int("tools", len(tools)),
				zap.Int("verified", len(verified)),
				zap.Duration("duration", finished.Sub(started)))
			result = successResult(runID, started, finished, tools, verified)
		}
		result.Environment = env.Snapshot()
		p.opts.Observer.RunFinished(ctx, result)
		return result
	}

	for _, stage := range mach.stages() {
		// no stage begins once cancellation is observed
		if ctx.Err() != nil {
			return finish(cancelled(stage, "", ctx.Err()))
		}
		mach.to(stage)

		stageCtx, end := p.opts.Observer.StageStarted(ctx, stage)
		var failure *Error
		switch stage {
		case StateResolving:
			plan, failure = resolvePlan(m)
			if failure == nil {
				failure = checkRuntime(stageCtx, calls, env, plan.Runtime())
			}
		case StateBackendUpgrading:
			failure = upgrader.Ensure(stageCtx)
		case StateInstalling:
			tools, failure = installer.Install(stageCtx, plan)
		case StateVerifying:
			verified, failure = verifier.Verify(stageCtx, plan.Verifications())
		}

		if failure != nil {
			end(failure)
			return finish(failure)
		}
		end(nil)
	}

	return finish(nil)
}
