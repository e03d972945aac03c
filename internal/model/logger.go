package model

import (
	"fmt"
	"sync"
)

// Logger is the logger interface used by every service in this codebase.
// The [github.com/apex/log] logger implements this interface.
type Logger interface {
	// Debug emits a debug message.
	Debug(msg string)

	// Debugf formats and emits a debug message.
	Debugf(format string, v ...any)

	// Info emits an informational message.
	Info(msg string)

	// Infof formats and emits an informational message.
	Infof(format string, v ...any)

	// Warn emits a warning message.
	Warn(msg string)

	// Warnf formats and emits a warning message.
	Warnf(format string, v ...any)
}

// TestLogger collects log lines so tests can assert on them.
type TestLogger struct {
	mu    sync.Mutex
	lines []string
}

// NewTestLogger creates a [TestLogger].
func NewTestLogger() *TestLogger {
	return &TestLogger{}
}

var _ Logger = &TestLogger{}

// Lines returns a snapshot of the collected lines.
func (tl *TestLogger) Lines() []string {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	out := make([]string, len(tl.lines))
	copy(out, tl.lines)
	return out
}

func (tl *TestLogger) append(level, msg string) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.lines = append(tl.lines, level+": "+msg)
}

// Debug implements Logger.
func (tl *TestLogger) Debug(msg string) {
	tl.append("debug", msg)
}

// Debugf implements Logger.
func (tl *TestLogger) Debugf(format string, v ...any) {
	tl.append("debug", fmt.Sprintf(format, v...))
}

// Info implements Logger.
func (tl *TestLogger) Info(msg string) {
	tl.append("info", msg)
}

// Infof implements Logger.
func (tl *TestLogger) Infof(format string, v ...any) {
	tl.append("info", fmt.Sprintf(format, v...))
}

// Warn implements Logger.
func (tl *TestLogger) Warn(msg string) {
	tl.append("warn", msg)
}

// Warnf implements Logger.
func (tl *TestLogger) Warnf(format string, v ...any) {
	tl.append("warn", fmt.Sprintf(format, v...))
}
