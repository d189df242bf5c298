package provision

import "context"

// Observer receives run, stage and install-attempt events. The telemetry
// package implements it with metrics and spans.
type Observer interface {
	RunStarted(ctx context.Context, runID string) context.Context
	// StageStarted returns the context for the stage and a func called with
	// the stage's error (nil on success) when it ends
	StageStarted(ctx context.Context, stage State) (context.Context, func(error))
	InstallAttempted(tool string, attempt int, err error)
	RunFinished(ctx context.Context, result *Result)
}

type nopObserver struct{}

func (nopObserver) RunStarted(ctx context.Context, _ string) context.Context {
	return ctx
}

func (nopObserver) StageStarted(ctx context.Context, _ State) (context.Context, func(error)) {
	return ctx, func(error) {}
}

func (nopObserver) InstallAttempted(string, int, error) {}

func (nopObserver) RunFinished(context.Context, *Result) {}

// Interface guard
var _ Observer = nopObserver{}
