package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
	"github.com/dorcha-inc/envprov/internal/provision"
)

// setupTestJournal opens a journal in a temp dir
func setupTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// runResult produces a real result by running a provisioner against mocks
func runResult(t *testing.T, runID string, failInstall bool) *provision.Result {
	t.Helper()
	b := backend.NewMockBackend()
	if failInstall {
		b.InstallErrs["mypy"] = &backend.Failure{Op: "install", Subject: "mypy", Cause: backend.CauseUnsatisfiable, Diagnostic: "No matching distribution found for mypy==99.0"}
	}
	tc := backend.NewMockToolchain()
	tc.Resolvable["requests"] = true

	p := provision.New(provision.Options{NewRunID: func() string { return runID }})
	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Tools:   []manifest.ToolDecl{{Name: "flake8"}, {Name: "mypy"}},
		Verify:  []string{"requests"},
	}
	return p.Provision(context.Background(), m, provision.NewTargetEnvironment(b, tc))
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "journal path is required")
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")

	j, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, j.Record(context.Background(), "provision", "envprov.yaml", runResult(t, "run-1", false)))
	require.NoError(t, j.Close())

	// migrations are a no-op the second time
	j, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = j.Close() }()

	entries, err := j.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "run-1", entries[0].RunID)
}

func TestRecordAndList(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	success := runResult(t, "run-ok", false)
	require.True(t, success.Success())
	failed := runResult(t, "run-fail", true)
	require.Equal(t, provision.KindInstallFailed, failed.Kind)
	failed.StartedAt = success.StartedAt.Add(time.Second)
	failed.FinishedAt = failed.StartedAt.Add(time.Second)

	require.NoError(t, j.Record(ctx, "provision", "envprov.yaml", success))
	require.NoError(t, j.Record(ctx, "provision", "envprov.yaml", failed))

	entries, err := j.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	latest := entries[0]
	assert.Equal(t, "run-fail", latest.RunID)
	assert.Equal(t, provision.KindInstallFailed, latest.Kind)
	assert.Equal(t, provision.StateInstalling, latest.Stage)
	assert.Equal(t, "mypy", latest.Subject)
	assert.Equal(t, "unsatisfiable", latest.Cause)
	assert.Equal(t, 4, latest.ExitCode)
	require.Len(t, latest.Tools, 2)
	assert.Equal(t, provision.ToolFailed, latest.Tools[1].Status)
	assert.Empty(t, latest.Verified)
	assert.Equal(t, failed.StartedAt.UnixMilli(), latest.StartedAt.UnixMilli())

	first := entries[1]
	assert.Equal(t, "run-ok", first.RunID)
	assert.Equal(t, provision.KindSuccess, first.Kind)
	assert.Equal(t, 0, first.ExitCode)
	assert.Equal(t, []string{"requests"}, first.Verified)
	assert.Equal(t, "envprov.yaml", first.Manifest)
	assert.Equal(t, "provision", first.Command)
}

func TestList_Limit(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()

	base := time.Now()
	for i, id := range []string{"a", "b", "c"} {
		result := runResult(t, id, false)
		result.StartedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, j.Record(ctx, "provision", "envprov.yaml", result))
	}

	entries, err := j.List(ctx, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "c", entries[0].RunID)
	assert.Equal(t, "b", entries[1].RunID)
}

func TestRecord_DuplicateRunID(t *testing.T) {
	j := setupTestJournal(t)
	ctx := context.Background()
	result := runResult(t, "same", false)

	require.NoError(t, j.Record(ctx, "provision", "envprov.yaml", result))
	err := j.Record(ctx, "provision", "envprov.yaml", result)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to record run same")
}

func TestList_Empty(t *testing.T) {
	j := setupTestJournal(t)
	entries, err := j.List(context.Background(), 5)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
