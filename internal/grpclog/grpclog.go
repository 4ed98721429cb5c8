// Package grpclog defines the logging sink used throughout grpclib,
// backed by go.uber.org/zap's SugaredLogger (spec's ambient observability
// surface: the engine logs connection lifecycle events and configuration
// or handshake errors, never message payloads).
package grpclog

import (
	"sync"

	"go.uber.org/zap"
)

// Logger is the minimal logging interface grpclib's internals depend on.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warning(args ...interface{})
	Warningf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
}

type zapLogger struct {
	s *zap.SugaredLogger
}

func (l *zapLogger) Info(args ...interface{})                 { l.s.Info(args...) }
func (l *zapLogger) Infof(format string, args ...interface{})  { l.s.Infof(format, args...) }
func (l *zapLogger) Warning(args ...interface{})               { l.s.Warn(args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l *zapLogger) Error(args ...interface{})                { l.s.Error(args...) }
func (l *zapLogger) Errorf(format string, args ...interface{}) { l.s.Errorf(format, args...) }

var (
	mu     sync.RWMutex
	logger Logger = newDefaultLogger()
)

func newDefaultLogger() Logger {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-dependency logger rather than panic during
		// package init; this should only happen under a broken zap
		// configuration.
		z = zap.NewNop()
	}
	return &zapLogger{s: z.Sugar()}
}

// SetLogger replaces the package-level logger, e.g. to inject a
// test-scoped *zap.Logger or to redirect output away from os.Stderr.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l
}

func current() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Info(args ...interface{})                  { current().Info(args...) }
func Infof(format string, args ...interface{})  { current().Infof(format, args...) }
func Warning(args ...interface{})               { current().Warning(args...) }
func Warningf(format string, args ...interface{}) { current().Warningf(format, args...) }
func Error(args ...interface{})                 { current().Error(args...) }
func Errorf(format string, args ...interface{}) { current().Errorf(format, args...) }
