// Package logging builds the *zap.Logger shared by the pipeline driver,
// stage workers, and the CLI. Every component takes a logger as a
// constructor argument rather than reaching for a global, mirroring how
// termite's RunAsTermite and NewTermiteAPI accept a *zap.Logger rather than
// building their own.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a *zap.Logger for the given level ("debug", "info", "warn",
// "error") and format ("console" or "json").
func New(level, format string) (*zap.Logger, error) {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("logging: invalid level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	case "json":
		cfg = zap.NewProductionConfig()
	default:
		return nil, fmt.Errorf("logging: unknown format %q, want %q or %q", format, "console", "json")
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logging: build logger: %w", err)
	}
	return logger, nil
}

// StageFields are the structured fields every stage-worker log line carries
// — request/stage/step identify the (request, step, stage) triple a worker
// invocation processes.
func StageFields(reqID int64, stageIdx, stepID int) []zap.Field {
	return []zap.Field{
		zap.Int64("req_id", reqID),
		zap.Int("stage", stageIdx),
		zap.Int("step", stepID),
	}
}
