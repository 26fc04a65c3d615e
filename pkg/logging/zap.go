package logging

import (
	"go.uber.org/zap"
)

// NewZapLogger builds a Logger backed by a sugared zap logger, the
// concrete backend used everywhere galvan runs for real (tests inject a
// LogFuncs-based recording logger instead).
func NewZapLogger(prefix string, zapLogger *zap.Logger) Logger {
	sugar := zapLogger.Sugar()
	return NewLogger(prefix, LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	})
}

// NewDevelopmentZapLogger creates a Logger backed by zap's development
// config (console-encoded, debug level), the default used by the CLI.
func NewDevelopmentZapLogger(prefix string) (Logger, error) {
	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(prefix, zapLogger), nil
}
