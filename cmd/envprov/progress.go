package main

import (
	"context"
	"fmt"

	"github.com/dorcha-inc/envprov/internal/provision"
	"github.com/dorcha-inc/envprov/internal/telemetry"
	"github.com/dorcha-inc/envprov/internal/tui"
)

var stageMessages = map[provision.State]string{
	provision.StateResolving:        "Resolving manifest",
	provision.StateBackendUpgrading: "Upgrading package manager",
	provision.StateInstalling:       "Installing tools",
	provision.StateVerifying:        "Verifying type stubs",
}

// progressObserver shows a spinner per stage on top of the telemetry recorder
type progressObserver struct {
	*telemetry.Recorder
}

func newProgressObserver(rec *telemetry.Recorder) *progressObserver {
	return &progressObserver{Recorder: rec}
}

// StageStarted starts the stage spinner and the recorder's stage span
func (p *progressObserver) StageStarted(ctx context.Context, stage provision.State) (context.Context, func(error)) {
	message := stageMessages[stage]
	tui.Progress(message + "...")

	ctx, end := p.Recorder.StageStarted(ctx, stage)
	return ctx, func(err error) {
		end(err)
		if err != nil {
			tui.ProgressFailure(fmt.Sprintf("%s failed", message))
			return
		}
		tui.ProgressSuccess(message)
	}
}

// Interface guard
var _ provision.Observer = (*progressObserver)(nil)
