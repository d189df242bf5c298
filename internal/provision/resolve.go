package provision

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
)

// resolvePlan runs the Manifest Resolver. It makes no backend call.
func resolvePlan(m *manifest.Manifest) (*manifest.InstallationPlan, *Error) {
	plan, err := manifest.Resolve(m)
	if err == nil {
		return plan, nil
	}

	failure := &Error{
		Kind:   KindResolutionFailed,
		Stage:  StateResolving,
		Detail: err.Error(),
		Err:    err,
	}
	var resErr *manifest.ResolutionError
	if errors.As(err, &resErr) {
		failure.Reason = string(resErr.Kind)
		failure.Subject = resErr.Subject
		failure.Detail = resErr.Detail
	}
	return nil, failure
}

// checkRuntime compares the backend's runtime with the declared one. A
// backend that cannot report its runtime is not a failure.
func checkRuntime(ctx context.Context, calls caller, env *TargetEnvironment, spec manifest.RuntimeSpec) *Error {
	reported, err := invoke(ctx, calls, "runtime", spec.Name, env.Backend.RuntimeVersion)
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(StateResolving, spec.Name, ctx.Err())
		}
		if errors.Is(err, backend.ErrRuntimeUnknown) {
			zap.L().Debug("Backend cannot report its runtime version, skipping runtime check",
				zap.String("backend", env.Backend.Name()))
		} else {
			zap.L().Warn("Failed to query runtime version, skipping runtime check",
				zap.String("backend", env.Backend.Name()),
				zap.Error(err))
		}
		return nil
	}

	if !spec.Matches(reported) {
		return &Error{
			Kind:    KindResolutionFailed,
			Stage:   StateResolving,
			Subject: spec.Name,
			Reason:  ReasonRuntimeMismatch,
			Detail:  fmt.Sprintf("manifest requires %s %s but the backend runs %q", spec.Name, spec.Version, reported),
		}
	}

	zap.L().Debug("Runtime matches manifest",
		zap.String("runtime", spec.Name),
		zap.String("declared", spec.Version),
		zap.String("reported", reported))
	return nil
}
