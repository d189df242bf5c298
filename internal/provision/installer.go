package provision

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
)

const (
	retryRandomization = 0.5
	retryMultiplier    = 2.0
	retryMaxInterval   = 30 * time.Second
)

// Installer runs the installation plan against the backend. Failures are
// reported as if the plan ran sequentially: the lowest-index failing
// requirement is the one attributed, even when installs run in parallel.
type Installer struct {
	env            *TargetEnvironment
	calls          caller
	maxRetries     uint
	initialBackoff time.Duration
	parallel       int
	observer       Observer
}

// Install installs every requirement of the plan, skipping those the
// environment already satisfies. The returned outcomes are in plan order.
func (i *Installer) Install(ctx context.Context, plan *manifest.InstallationPlan) ([]ToolOutcome, *Error) {
	requirements := plan.Requirements()
	outcomes := make([]ToolOutcome, len(requirements))
	errs := make([]error, len(requirements))
	for idx, req := range requirements {
		outcomes[idx] = ToolOutcome{
			Index:      req.Index,
			Name:       req.Name,
			Constraint: req.Constraint.Display(),
			Status:     ToolNotAttempted,
		}
	}

	if i.parallel <= 1 {
		for idx, req := range requirements {
			if ctx.Err() != nil {
				return outcomes, cancelled(StateInstalling, req.Name, ctx.Err())
			}
			errs[idx] = i.installOne(ctx, req, &outcomes[idx])
			if errs[idx] != nil {
				break
			}
		}
	} else {
		i.installParallel(ctx, requirements, outcomes, errs)
	}

	for idx, err := range errs {
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return outcomes, cancelled(StateInstalling, requirements[idx].Name, ctx.Err())
		}
		return outcomes, &Error{
			Kind:    KindInstallFailed,
			Stage:   StateInstalling,
			Subject: requirements[idx].Name,
			Cause:   backend.CauseOf(err),
			Detail:  backend.DiagnosticOf(err),
			Err:     err,
		}
	}

	if ctx.Err() != nil {
		return outcomes, cancelled(StateInstalling, "", ctx.Err())
	}
	return outcomes, nil
}

// installParallel runs up to i.parallel installs at once. Once a requirement
// fails, later requirements are not started; earlier ones still run so the
// lowest failing index is known.
func (i *Installer) installParallel(ctx context.Context, requirements []manifest.ToolRequirement, outcomes []ToolOutcome, errs []error) {
	var firstFailed atomic.Int64
	firstFailed.Store(int64(len(requirements)))

	// no shared context: a failure must not cancel earlier installs
	var g errgroup.Group
	g.SetLimit(i.parallel)

	for idx, req := range requirements {
		g.Go(func() error {
			if ctx.Err() != nil || int64(idx) > firstFailed.Load() {
				return nil
			}
			if err := i.installOne(ctx, req, &outcomes[idx]); err != nil {
				errs[idx] = err
				for {
					current := firstFailed.Load()
					if int64(idx) >= current || firstFailed.CompareAndSwap(current, int64(idx)) {
						break
					}
				}
			}
			return nil
		})
	}

	// goroutines only record into errs
	_ = g.Wait()
}

func (i *Installer) installOne(ctx context.Context, req manifest.ToolRequirement, outcome *ToolOutcome) error {
	if version, ok := i.satisfied(ctx, req); ok {
		outcome.Status = ToolSatisfied
		outcome.Version = version
		i.env.RecordInstalled(req.Name, version)
		zap.L().Info("Requirement already satisfied, skipping install",
			zap.String("tool", req.Name),
			zap.String("constraint", req.Constraint.Display()),
			zap.String("installed", version))
		return nil
	}

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = i.initialBackoff
	expo.RandomizationFactor = retryRandomization
	expo.Multiplier = retryMultiplier
	expo.MaxInterval = retryMaxInterval

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		_, err := invoke(ctx, i.calls, "install", req.Name, func(callCtx context.Context) (struct{}, error) {
			return struct{}{}, i.env.Backend.Install(callCtx, req)
		})
		i.observer.InstallAttempted(req.Name, attempt, err)
		if err == nil {
			return struct{}{}, nil
		}
		if ctx.Err() != nil || backend.CauseOf(err) != backend.CauseTransient {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(i.maxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			zap.L().Warn("Transient install failure, retrying",
				zap.String("tool", req.Name),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)

	outcome.Attempts = attempt
	if err != nil {
		outcome.Status = ToolFailed
		return err
	}

	version := i.installedVersion(ctx, req)
	outcome.Status = ToolInstalled
	outcome.Version = version
	i.env.RecordInstalled(req.Name, version)
	return nil
}

// satisfied asks the backend for the installed version. A failed query is
// treated as "not installed" and left to the install to sort out.
func (i *Installer) satisfied(ctx context.Context, req manifest.ToolRequirement) (string, bool) {
	version, ok := i.queryInstalled(ctx, req.Name)
	if !ok || !req.Constraint.SatisfiedBy(version) {
		return "", false
	}
	return version, true
}

// installedVersion reports what a successful install put in place. When the
// backend cannot say, only an exact pin is known; otherwise it is empty.
func (i *Installer) installedVersion(ctx context.Context, req manifest.ToolRequirement) string {
	if version, ok := i.queryInstalled(ctx, req.Name); ok && version != "" {
		return version
	}
	if req.Constraint.Kind == manifest.ConstraintExact {
		return req.Constraint.Version
	}
	return ""
}

func (i *Installer) queryInstalled(ctx context.Context, name string) (string, bool) {
	type installed struct {
		version string
		ok      bool
	}
	got, err := invoke(ctx, i.calls, "installed", name, func(callCtx context.Context) (installed, error) {
		version, ok, err := i.env.Backend.Installed(callCtx, name)
		return installed{version: version, ok: ok}, err
	})
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			zap.L().Debug("Failed to query installed version", zap.String("tool", name), zap.Error(err))
		}
		return "", false
	}
	return got.version, got.ok
}
