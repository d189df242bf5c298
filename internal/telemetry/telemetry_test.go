package telemetry

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/manifest"
	"github.com/dorcha-inc/envprov/internal/provision"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	spans := tracetest.NewSpanRecorder()
	tracer, err := NewTracer(TracingConfig{Exporter: ExporterNone}, "test", sdktrace.WithSpanProcessor(spans))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tracer.Shutdown(context.Background()) })
	return tracer, spans
}

func spanNames(spans []sdktrace.ReadOnlySpan) []string {
	names := make([]string, 0, len(spans))
	for _, s := range spans {
		names = append(names, s.Name())
	}
	return names
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordRunCompleted("Success", 2*time.Second)
	m.RecordRunCompleted("InstallFailed", time.Second)
	m.RecordRunCompleted("Success", time.Second)
	m.RecordInstallAttempt("mypy", errors.New("Read timed out."))
	m.RecordInstallAttempt("mypy", nil)
	m.RecordToolOutcome("installed")
	m.RecordStage("Installing", nil, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("Success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsCompleted.WithLabelValues("InstallFailed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installAttempts.WithLabelValues("mypy", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.installAttempts.WithLabelValues("mypy", OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.toolOutcomes.WithLabelValues("installed")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.stageDuration))
}

func TestMetrics_WriteToFile(t *testing.T) {
	m := NewMetrics()
	m.RecordRunCompleted("Success", time.Second)

	path := filepath.Join(t.TempDir(), "textfile", "envprov.prom")
	require.NoError(t, m.WriteToFile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `envprov_runs_completed_total{kind="Success"} 1`)
	assert.Contains(t, string(data), "envprov_run_duration_seconds")
}

func TestNewTracer_Exporters(t *testing.T) {
	_, err := NewTracer(TracingConfig{Exporter: "jaeger"}, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported trace exporter: jaeger")

	var out bytes.Buffer
	tracer, err := NewTracer(TracingConfig{Exporter: ExporterStdout, Writer: &out}, "test")
	require.NoError(t, err)

	_, span := tracer.Start(context.Background(), "provision.run", AttrRunID.String("run-1"))
	tracer.End(span, nil)
	require.NoError(t, tracer.Shutdown(context.Background()))

	assert.Contains(t, out.String(), "provision.run")
	assert.Contains(t, out.String(), "run-1")
}

func TestTracer_EndWithError(t *testing.T) {
	tracer, spans := newTestTracer(t)

	_, span := tracer.Start(context.Background(), "provision.Installing")
	tracer.End(span, errors.New("boom"))

	ended := spans.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, codes.Error, ended[0].Status().Code)
	assert.Equal(t, "boom", ended[0].Status().Description)
	require.Len(t, ended[0].Events(), 1)
	assert.Equal(t, "exception", ended[0].Events()[0].Name)
}

func TestRecorder_SuccessfulRun(t *testing.T) {
	tracer, spans := newTestTracer(t)
	metrics := NewMetrics()
	rec := NewRecorder(metrics, tracer, clockwork.NewFakeClock())

	tc := backend.NewMockToolchain()
	tc.Resolvable["requests"] = true
	env := provision.NewTargetEnvironment(backend.NewMockBackend(), tc)
	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Tools:   []manifest.ToolDecl{{Name: "flake8"}, {Name: "mypy"}},
		Verify:  []string{"requests"},
	}

	p := provision.New(provision.Options{Observer: rec, NewRunID: func() string { return "run-7" }})
	result := p.Provision(context.Background(), m, env)
	require.True(t, result.Success(), result.String())

	ended := spans.Ended()
	assert.Equal(t, []string{
		"provision.Resolving",
		"provision.BackendUpgrading",
		"provision.Installing",
		"provision.Verifying",
		"provision.run",
	}, spanNames(ended))

	run := ended[len(ended)-1]
	for _, stage := range ended[:len(ended)-1] {
		assert.Equal(t, run.SpanContext().SpanID(), stage.Parent().SpanID(), "stage spans are children of the run span")
	}
	assert.Contains(t, run.Attributes(), AttrRunID.String("run-7"))
	assert.Contains(t, run.Attributes(), AttrKind.String("Success"))
	assert.Equal(t, codes.Ok, run.Status().Code)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("Success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.toolOutcomes.WithLabelValues("installed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.installAttempts.WithLabelValues("mypy", OutcomeSuccess)))
	assert.Equal(t, 4, testutil.CollectAndCount(metrics.stageDuration))
}

func TestRecorder_FailedRun(t *testing.T) {
	tracer, spans := newTestTracer(t)
	metrics := NewMetrics()
	rec := NewRecorder(metrics, tracer, nil)

	b := backend.NewMockBackend()
	b.SelfUpgradeErr = &backend.Failure{Op: "self-upgrade", Subject: "pip", Cause: backend.CauseUnknown, Diagnostic: "ERROR: Could not install packages"}
	env := provision.NewTargetEnvironment(b, backend.NewMockToolchain())
	m := &manifest.Manifest{
		Runtime: manifest.RuntimeDecl{Name: "python", Version: "3.12"},
		Tools:   []manifest.ToolDecl{{Name: "mypy"}},
	}

	result := provision.New(provision.Options{Observer: rec}).Provision(context.Background(), m, env)
	require.Equal(t, provision.KindBackendUpgradeFailed, result.Kind)

	ended := spans.Ended()
	assert.Equal(t, []string{"provision.Resolving", "provision.BackendUpgrading", "provision.run"}, spanNames(ended))
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, codes.Error, ended[2].Status().Code)
	assert.Contains(t, ended[2].Attributes(), AttrSubject.String("mock"))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.runsCompleted.WithLabelValues("BackendUpgradeFailed")))
	assert.Equal(t, 2, testutil.CollectAndCount(metrics.stageDuration))
}
