package provision

import (
	"context"

	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
)

// Verifier confirms that stub data for each requested artifact resolves
// against the installed toolchain. The toolchain's exit status is the only
// signal it interprets; its output is carried as an opaque diagnostic.
type Verifier struct {
	env   *TargetEnvironment
	calls caller
}

// Verify checks every request. An unresolved artifact gets one remediation
// pass (stub installation) and a re-check before the run fails.
func (v *Verifier) Verify(ctx context.Context, requests []manifest.VerificationRequest) ([]string, *Error) {
	verified := make([]string, 0, len(requests))
	for _, req := range requests {
		if err := v.verifyOne(ctx, req.Artifact); err != nil {
			return verified, err
		}
		verified = append(verified, req.Artifact)
	}
	return verified, nil
}

func (v *Verifier) verifyOne(ctx context.Context, artifact string) *Error {
	err := v.resolve(ctx, artifact)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return cancelled(StateVerifying, artifact, ctx.Err())
	}
	zap.L().Info("Artifact stubs did not resolve, installing stubs",
		zap.String("artifact", artifact),
		zap.String("diagnostic", backend.DiagnosticOf(err)))

	_, stubErr := invoke(ctx, v.calls, "install-stubs", artifact, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, v.env.Toolchain.InstallStubs(callCtx, artifact)
	})
	if ctx.Err() != nil {
		return cancelled(StateVerifying, artifact, ctx.Err())
	}
	if stubErr != nil {
		zap.L().Warn("Stub installation failed", zap.String("artifact", artifact), zap.Error(stubErr))
	}

	err = v.resolve(ctx, artifact)
	if err == nil {
		zap.L().Info("Artifact stubs resolved after remediation", zap.String("artifact", artifact))
		return nil
	}
	if ctx.Err() != nil {
		return cancelled(StateVerifying, artifact, ctx.Err())
	}

	return &Error{
		Kind:    KindVerificationFailed,
		Stage:   StateVerifying,
		Subject: artifact,
		Cause:   backend.CauseOf(err),
		Detail:  backend.DiagnosticOf(err),
		Err:     err,
	}
}

func (v *Verifier) resolve(ctx context.Context, artifact string) error {
	_, err := invoke(ctx, v.calls, "resolve", artifact, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, v.env.Toolchain.ResolveArtifact(callCtx, artifact)
	})
	return err
}
