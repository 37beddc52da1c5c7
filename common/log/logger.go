package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/orcaflow/orca/common/log/tag"
)

// Logger is the logging interface used throughout the server. It is a thin
// structured facade over zap so call sites stay decoupled from the backend.
type Logger interface {
	Debug(msg string, tags ...tag.Tag)
	Info(msg string, tags ...tag.Tag)
	Warn(msg string, tags ...tag.Tag)
	Error(msg string, tags ...tag.Tag)
	WithTags(tags ...tag.Tag) Logger
}

type loggerImpl struct {
	zapLogger *zap.Logger
}

// NewLogger wraps a zap logger in the Logger interface.
func NewLogger(zapLogger *zap.Logger) Logger {
	return &loggerImpl{zapLogger: zapLogger}
}

// NewDevelopment builds a console logger for local runs and tools.
func NewDevelopment() Logger {
	zapLogger, err := zap.NewDevelopment()
	if err != nil {
		panic(err)
	}
	return NewLogger(zapLogger)
}

// NewNoop returns a logger that discards everything.
func NewNoop() Logger {
	return &loggerImpl{zapLogger: zap.NewNop()}
}

func fields(tags []tag.Tag) []zap.Field {
	fs := make([]zapcore.Field, 0, len(tags))
	for _, t := range tags {
		fs = append(fs, t.Field())
	}
	return fs
}

func (l *loggerImpl) Debug(msg string, tags ...tag.Tag) {
	l.zapLogger.Debug(msg, fields(tags)...)
}

func (l *loggerImpl) Info(msg string, tags ...tag.Tag) {
	l.zapLogger.Info(msg, fields(tags)...)
}

func (l *loggerImpl) Warn(msg string, tags ...tag.Tag) {
	l.zapLogger.Warn(msg, fields(tags)...)
}

func (l *loggerImpl) Error(msg string, tags ...tag.Tag) {
	l.zapLogger.Error(msg, fields(tags)...)
}

func (l *loggerImpl) WithTags(tags ...tag.Tag) Logger {
	return &loggerImpl{zapLogger: l.zapLogger.With(fields(tags)...)}
}
