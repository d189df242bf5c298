package telemetry

import (
	"context"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/dorcha-inc/envprov/internal/provision"
)

// Span attribute keys
const (
	AttrRunID   = attribute.Key("run.id")
	AttrStage   = attribute.Key("run.stage")
	AttrKind    = attribute.Key("run.kind")
	AttrSubject = attribute.Key("run.subject")
)

// Recorder feeds provisioner events into metrics and spans
type Recorder struct {
	metrics *Metrics
	tracer  *Tracer
	clock   clockwork.Clock
}

// NewRecorder creates a Recorder. A nil clock uses the real clock.
func NewRecorder(metrics *Metrics, tracer *Tracer, clock clockwork.Clock) *Recorder {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Recorder{metrics: metrics, tracer: tracer, clock: clock}
}

// RunStarted opens the run span
func (r *Recorder) RunStarted(ctx context.Context, runID string) context.Context {
	ctx, _ = r.tracer.Start(ctx, "provision.run", AttrRunID.String(runID))
	return ctx
}

// StageStarted opens a stage span under the run span and times the stage
func (r *Recorder) StageStarted(ctx context.Context, stage provision.State) (context.Context, func(error)) {
	start := r.clock.Now()
	ctx, span := r.tracer.Start(ctx, "provision."+string(stage), AttrStage.String(string(stage)))
	return ctx, func(err error) {
		r.metrics.RecordStage(string(stage), err, r.clock.Since(start))
		r.tracer.End(span, err)
	}
}

// InstallAttempted counts one install call. It may be called from several
// goroutines at once.
func (r *Recorder) InstallAttempted(tool string, attempt int, err error) {
	r.metrics.RecordInstallAttempt(tool, err)
	if err != nil {
		zap.L().Debug("Install attempt failed",
			zap.String("tool", tool),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
}

// RunFinished closes the run span and counts the terminal result
func (r *Recorder) RunFinished(ctx context.Context, result *provision.Result) {
	r.metrics.RecordRunCompleted(string(result.Kind), result.Duration())
	for _, tool := range result.Tools {
		r.metrics.RecordToolOutcome(string(tool.Status))
	}

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(AttrKind.String(string(result.Kind)))
	if result.Subject != "" {
		span.SetAttributes(AttrSubject.String(result.Subject))
	}
	r.tracer.End(span, result.Err())
}

// Interface guard
var _ provision.Observer = (*Recorder)(nil)
