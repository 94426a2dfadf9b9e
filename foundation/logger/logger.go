// Package logger constructs the zap.SugaredLogger cmd/corechain logs
// through, the way the teacher's app/services/* mains call
// foundation/logger.New(service) once at startup.
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-profile, JSON-structured logger with a service
// field attached to every line.
func New(service string) (*zap.SugaredLogger, error) {
	config := zap.NewProductionConfig()
	config.OutputPaths = []string{"stdout"}
	config.EncoderConfig.TimeKey = "ts"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	log, err := config.Build(zap.WithCaller(true))
	if err != nil {
		return nil, err
	}

	return log.Sugar().With("service", service), nil
}
