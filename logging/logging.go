// Package logging contains the structured logger used by the calibration and scanning tools.
// Entries are zap entries written to appenders as tab separated lines.
package logging

import (
	"io"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewWriterLogger returns a logger writing level and above to w in UTC.
func NewWriterLogger(name string, w io.Writer, level Level) Logger {
	return newLogger(name, level, true, NewWriterAppender(w))
}

// NewTestLogger returns a debug logger writing through tb in local time.
func NewTestLogger(tb testing.TB) Logger {
	logger, _ := NewObservedTestLogger(tb)
	return logger
}

// NewObservedTestLogger is like NewTestLogger but also keeps the entries in memory.
func NewObservedTestLogger(tb testing.TB) (Logger, *observer.ObservedLogs) {
	core, observed := observer.New(zap.LevelEnablerFunc(zapcore.DebugLevel.Enabled))
	return newLogger("", DEBUG, false, NewTestAppender(tb), core), observed
}
