package provision

import (
	"context"

	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/backend"
)

// SelfUpgrader brings the package manager up to date before any install.
// It is a mandatory gate: when it fails no install is attempted.
type SelfUpgrader struct {
	env   *TargetEnvironment
	calls caller
}

// Ensure runs the backend's self-upgrade once. The upgrade is idempotent, so
// a failed run can simply be restarted.
func (u *SelfUpgrader) Ensure(ctx context.Context) *Error {
	name := u.env.Backend.Name()
	_, err := invoke(ctx, u.calls, "self-upgrade", name, func(callCtx context.Context) (struct{}, error) {
		return struct{}{}, u.env.Backend.SelfUpgrade(callCtx)
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancelled(StateBackendUpgrading, name, ctx.Err())
		}
		return &Error{
			Kind:    KindBackendUpgradeFailed,
			Stage:   StateBackendUpgrading,
			Subject: name,
			Cause:   backend.CauseOf(err),
			Detail:  backend.DiagnosticOf(err),
			Err:     err,
		}
	}

	zap.L().Info("Backend is current", zap.String("backend", name))
	return nil
}
