package core

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Init initializes zap's global logger
// After calling this, we use zap.L() directly.
func Init(pretty bool, level string) error {
	var config zap.Config

	if pretty {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	if level != "" {
		parsed, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("failed to parse log level: %w", err)
		}
		config.Level = zap.NewAtomicLevelAt(parsed)
	}

	// logs go to stderr so stdout stays clean for plan/history output
	config.OutputPaths = []string{"stderr"}

	logger, err := config.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	zap.ReplaceGlobals(logger)
	return nil
}

// LogDeferredError calls fn and logs the returned error, if any.
// Meant for deferred Close/RemoveAll calls whose errors would otherwise be dropped.
func LogDeferredError(fn func() error) {
	if err := fn(); err != nil {
		zap.L().Error("Deferred error", zap.Error(err), zap.Stack("stack"))
	}
}

// LogStageTransition logs a provisioning state machine transition
func LogStageTransition(runID, from, to string) {
	zap.L().Info("Provisioning stage transition",
		zap.String("run_id", runID),
		zap.String("from", from),
		zap.String("to", to))
}

// LogBackendCall logs a single backend or toolchain invocation
func LogBackendCall(operation, subject string, duration float64, err error) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("subject", subject),
		zap.Float64("duration_seconds", duration),
		zap.Bool("success", err == nil),
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
		zap.L().Warn("Backend call failed", fields...)
		return
	}

	zap.L().Debug("Backend call completed successfully", fields...)
}
