package backend

import (
	"context"
	"sync"

	"github.com/dorcha-inc/envprov/internal/manifest"
)

// MockBackend is a mock implementation of Backend for testing.
// It records every call, in order, in Calls ("self-upgrade", "install:<name>",
// "installed:<name>", "runtime"). It can be used across packages.
type MockBackend struct {
	mu sync.Mutex

	SelfUpgradeErr error
	InstallErrs    map[string]error
	RuntimeErr     error
	Runtime        string
	InstalledErr   error
	// Versions is the simulated environment; successful installs add to it
	Versions map[string]string
	// Available is the newest release per tool, picked by unpinned and
	// minimum requirements
	Available map[string]string

	SelfUpgradeFunc func(ctx context.Context) error
	InstallFunc     func(ctx context.Context, req manifest.ToolRequirement) error

	Calls         []string
	InstallCalls  []string
	UpgradeCalls  int
	InstalledHits int
}

// NewMockBackend creates a MockBackend with an empty environment
func NewMockBackend() *MockBackend {
	return &MockBackend{
		InstallErrs: map[string]error{},
		Versions:    map[string]string{},
		Available:   map[string]string{},
		Runtime:     "Python 3.12.1",
	}
}

// Interface guard
var _ Backend = &MockBackend{}

func (m *MockBackend) Name() string {
	return "mock"
}

func (m *MockBackend) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

func (m *MockBackend) SelfUpgrade(ctx context.Context) error {
	m.record("self-upgrade")
	m.mu.Lock()
	m.UpgradeCalls++
	m.mu.Unlock()
	if m.SelfUpgradeFunc != nil {
		return m.SelfUpgradeFunc(ctx)
	}
	return m.SelfUpgradeErr
}

func (m *MockBackend) Install(ctx context.Context, req manifest.ToolRequirement) error {
	m.record("install:" + req.Name)
	m.mu.Lock()
	m.InstallCalls = append(m.InstallCalls, req.Name)
	m.mu.Unlock()

	var err error
	if m.InstallFunc != nil {
		err = m.InstallFunc(ctx, req)
	} else {
		m.mu.Lock()
		err = m.InstallErrs[req.Name]
		m.mu.Unlock()
	}
	if err != nil {
		return err
	}

	m.mu.Lock()
	version := req.Constraint.Version
	if latest, ok := m.Available[req.Name]; ok && req.Constraint.Kind != manifest.ConstraintExact {
		version = latest
	}
	if version == "" {
		version = "1.0.0"
	}
	if m.Versions == nil {
		m.Versions = map[string]string{}
	}
	m.Versions[req.Name] = version
	m.mu.Unlock()
	return nil
}

func (m *MockBackend) Installed(ctx context.Context, name string) (string, bool, error) {
	m.record("installed:" + name)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InstalledHits++
	if m.InstalledErr != nil {
		return "", false, m.InstalledErr
	}
	version, ok := m.Versions[name]
	return version, ok, nil
}

func (m *MockBackend) RuntimeVersion(ctx context.Context) (string, error) {
	m.record("runtime")
	if m.RuntimeErr != nil {
		return "", m.RuntimeErr
	}
	if m.Runtime == "" {
		return "", ErrRuntimeUnknown
	}
	return m.Runtime, nil
}

// CallLog returns a copy of the recorded calls
func (m *MockBackend) CallLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Calls...)
}

// Installs returns a copy of the recorded install calls
func (m *MockBackend) Installs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.InstallCalls...)
}

// MockToolchain is a mock implementation of Toolchain for testing.
// Artifacts in Resolvable resolve; InstallStubs makes an artifact resolvable
// unless it is listed in Unfixable.
type MockToolchain struct {
	mu sync.Mutex

	Resolvable map[string]bool
	Unfixable  map[string]bool
	Diagnostic string

	ResolveFunc func(ctx context.Context, artifact string) error

	ResolveCalls []string
	StubCalls    []string
}

// NewMockToolchain creates a MockToolchain where nothing resolves yet
func NewMockToolchain() *MockToolchain {
	return &MockToolchain{
		Resolvable: map[string]bool{},
		Unfixable:  map[string]bool{},
	}
}

// Interface guard
var _ Toolchain = &MockToolchain{}

func (m *MockToolchain) Name() string {
	return "mock"
}

func (m *MockToolchain) ResolveArtifact(ctx context.Context, artifact string) error {
	m.mu.Lock()
	m.ResolveCalls = append(m.ResolveCalls, artifact)
	resolvable := m.Resolvable[artifact]
	m.mu.Unlock()

	if m.ResolveFunc != nil {
		return m.ResolveFunc(ctx, artifact)
	}
	if resolvable {
		return nil
	}

	diagnostic := m.Diagnostic
	if diagnostic == "" {
		diagnostic = "Library stubs not installed for \"" + artifact + "\""
	}
	return &Failure{Op: "resolve", Subject: artifact, Cause: CauseUnknown, Diagnostic: diagnostic}
}

func (m *MockToolchain) InstallStubs(ctx context.Context, artifact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StubCalls = append(m.StubCalls, artifact)
	if m.Unfixable[artifact] {
		return &Failure{Op: "install-stubs", Subject: artifact, Cause: CauseUnknown, Diagnostic: "no stub package for " + artifact}
	}
	if m.Resolvable == nil {
		m.Resolvable = map[string]bool{}
	}
	m.Resolvable[artifact] = true
	return nil
}
