package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/backend"
	"github.com/dorcha-inc/envprov/internal/config"
	"github.com/dorcha-inc/envprov/internal/core"
	"github.com/dorcha-inc/envprov/internal/journal"
	"github.com/dorcha-inc/envprov/internal/manifest"
	"github.com/dorcha-inc/envprov/internal/provision"
	"github.com/dorcha-inc/envprov/internal/telemetry"
)

// newTargetEnvironment builds the backend and toolchain named by cfg.
// Tests replace it with mocks.
var newTargetEnvironment = func(cfg *config.Config) (*provision.TargetEnvironment, error) {
	runner := core.NewProcessRunner(cfg.BackendTimeout(), core.NonInteractiveEnv(os.Environ()))

	var b backend.Backend
	switch cfg.Backend {
	case backend.PipBackendName:
		b = backend.NewPipBackend(cfg.Python, runner)
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}

	return provision.NewTargetEnvironment(b, backend.NewMypyToolchain(cfg.ToolBinDir, runner)), nil
}

// app is the per-invocation wiring: configuration, logging and telemetry
type app struct {
	cfg     *config.Config
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer
	journal *journal.Journal
}

// newApp loads configuration and initializes logging, telemetry and the
// run journal
func newApp(ctx context.Context, flags *globalFlags) (*app, error) {
	cfg, err := config.LoadConfig(flags.configPath)
	if err != nil {
		return nil, err
	}

	pretty := flags.pretty || cfg.LogFormat == config.LogFormatPretty
	if err := core.Init(pretty, cfg.LogLevel); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	tracer, err := telemetry.NewTracer(telemetry.TracingConfig{Exporter: string(cfg.Trace)}, version)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:     cfg,
		metrics: telemetry.NewMetrics(),
		tracer:  tracer,
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(ctx, cfg.JournalPath)
		if err != nil {
			// history is best effort; provisioning still runs
			zap.L().Warn("Run journal unavailable", zap.String("path", cfg.JournalPath), zap.Error(err))
		} else {
			a.journal = j
		}
	}

	return a, nil
}

// provisioner builds a Provisioner from configuration
func (a *app) provisioner() *provision.Provisioner {
	return provision.New(provision.Options{
		Timeout:        a.cfg.BackendTimeout(),
		MaxRetries:     uint(a.cfg.MaxInstallRetries), // #nosec G115 -- validated to 0..10
		InitialBackoff: a.cfg.RetryInitialBackoff(),
		Parallel:       a.cfg.ParallelInstalls,
		Observer:       newProgressObserver(telemetry.NewRecorder(a.metrics, a.tracer, nil)),
	})
}

// record journals the result and writes the metrics file. Neither may
// change the run's outcome, so failures are only logged.
func (a *app) record(ctx context.Context, command, manifestPath string, result *provision.Result) {
	// a cancelled run is still recorded
	ctx = context.WithoutCancel(ctx)

	if a.journal != nil {
		if err := a.journal.Record(ctx, command, manifestPath, result); err != nil {
			zap.L().Warn("Failed to record run", zap.String("run_id", result.RunID), zap.Error(err))
		}
	}

	if a.cfg.MetricsFile != "" {
		if err := a.metrics.WriteToFile(a.cfg.MetricsFile); err != nil {
			zap.L().Warn("Failed to write metrics", zap.String("path", a.cfg.MetricsFile), zap.Error(err))
		}
	}
}

func (a *app) close() {
	if err := a.tracer.Shutdown(context.Background()); err != nil {
		zap.L().Warn("Failed to flush traces", zap.Error(err))
	}
	if a.journal != nil {
		core.LogDeferredError(a.journal.Close)
	}
	_ = zap.L().Sync()
}

// loadManifest reads the manifest. Parse errors are resolution failures;
// anything else (a missing file) is a usage error.
func loadManifest(path string) (*manifest.Manifest, error) {
	m, err := manifest.LoadManifest(path)
	if err == nil {
		return m, nil
	}

	var resErr *manifest.ResolutionError
	if errors.As(err, &resErr) {
		reportFailure(provision.KindResolutionFailed, string(resErr.Kind), resErr.Subject, resErr.Detail)
		return nil, &exitError{code: provision.ExitResolutionFailed, err: err}
	}
	return nil, err
}
