package provision

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dorcha-inc/envprov/internal/backend"
)

// TargetEnvironment is the handle to the environment being provisioned.
// A run owns it exclusively; callers must not start two runs against the
// same environment at once.
type TargetEnvironment struct {
	Backend   backend.Backend
	Toolchain backend.Toolchain

	// installed is written concurrently by parallel installs
	installed *xsync.MapOf[string, string]
}

// NewTargetEnvironment creates a handle over a backend and its verification toolchain
func NewTargetEnvironment(b backend.Backend, t backend.Toolchain) *TargetEnvironment {
	return &TargetEnvironment{
		Backend:   b,
		Toolchain: t,
		installed: xsync.NewMapOf[string, string](),
	}
}

// RecordInstalled notes that name is present at version ("" when unknown)
func (e *TargetEnvironment) RecordInstalled(name, version string) {
	e.installed.Store(name, version)
}

// Snapshot returns a copy of the tools this handle has seen installed,
// name to version ("" when the backend could not report it)
func (e *TargetEnvironment) Snapshot() map[string]string {
	out := make(map[string]string, e.installed.Size())
	e.installed.Range(func(name, version string) bool {
		out[name] = version
		return true
	})
	return out
}
