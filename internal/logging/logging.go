// Package logging builds the process zap logger and routes pion's internal
// logging through it.
package logging

import (
	"fmt"

	pionlog "github.com/pion/logging"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger at the given level and installs it as the global
// logger so packages that use zap.L() pick it up.
func New(level string, development bool) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// PionFactory implements pionlog.LoggerFactory on top of zap. Each pion
// subsystem (ice, dtls, sctp, pc...) gets a child logger named after its scope.
type PionFactory struct {
	base *zap.Logger
}

// NewPionFactory returns a factory that writes under base.Named("pion").
func NewPionFactory(base *zap.Logger) *PionFactory {
	if base == nil {
		base = zap.L()
	}
	return &PionFactory{base: base.Named("pion")}
}

// NewLogger satisfies pionlog.LoggerFactory.
func (f *PionFactory) NewLogger(scope string) pionlog.LeveledLogger {
	return &pionLogger{s: f.base.Named(scope).Sugar()}
}

var _ pionlog.LoggerFactory = (*PionFactory)(nil)

// pionLogger maps pion's levels onto zap; zap has no trace level so trace
// goes to debug.
type pionLogger struct {
	s *zap.SugaredLogger
}

func (l *pionLogger) Trace(msg string)                  { l.s.Debug(msg) }
func (l *pionLogger) Tracef(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *pionLogger) Debug(msg string)                  { l.s.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) { l.s.Debugf(format, args...) }
func (l *pionLogger) Info(msg string)                   { l.s.Info(msg) }
func (l *pionLogger) Infof(format string, args ...any)  { l.s.Infof(format, args...) }
func (l *pionLogger) Warn(msg string)                   { l.s.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any)  { l.s.Warnf(format, args...) }
func (l *pionLogger) Error(msg string)                  { l.s.Error(msg) }
func (l *pionLogger) Errorf(format string, args ...any) { l.s.Errorf(format, args...) }
