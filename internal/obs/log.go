// Package obs carries the ambient logging and metrics used across every
// component: a single zap.SugaredLogger call shape (mirroring the teacher's
// own structured key/value logger) and a registry of Prometheus collectors
// built once at startup and threaded through by reference, never reached
// for as a global.
package obs

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process-wide structured logger. debug enables
// zapcore.DebugLevel and console (vs JSON) encoding for local runs.
func NewLogger(debug bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if debug {
		cfg = zap.NewDevelopmentConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
