// Package logging is the command-line log sink of the aggregator.
//
// Lines are only written when the process runs from an interactive
// terminal; under a supervisor or a system cron every call is a no-op.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/term"
)

// Level is the kind of a log line.
type Level string

const (
	LevelDebug   Level = "debug"
	LevelLog     Level = "log"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
)

// Logger writes leveled lines to a terminal. A nil *Logger discards
// everything.
type Logger struct {
	mu      sync.Mutex
	out     *log.Logger
	enabled bool
	verbose bool
	group   string
}

// New creates a Logger writing to w. Nothing is written unless enabled;
// debug lines additionally need verbose.
func New(w io.Writer, enabled, verbose bool) *Logger {
	return &Logger{
		out:     log.New(w, "", log.LstdFlags),
		enabled: enabled,
		verbose: verbose,
	}
}

// NewCLI creates a Logger on stderr that is enabled only when stdout is an
// interactive terminal.
func NewCLI(verbose bool) *Logger {
	return New(os.Stderr, IsInteractive(os.Stdout), verbose)
}

// Discard returns a Logger that writes nothing.
func Discard() *Logger {
	return New(io.Discard, false, false)
}

// IsInteractive reports whether f is attached to a terminal.
func IsInteractive(f *os.File) bool {
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// WithGroup returns a copy of l tagging debug lines with group.
func (l *Logger) WithGroup(group string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{
		out:     l.out,
		enabled: l.enabled,
		verbose: l.verbose,
		group:   group,
	}
}

// Enabled reports whether anything at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil || !l.enabled {
		return false
	}
	if level == LevelDebug {
		return l.verbose
	}
	return true
}

// Debug writes a debug line; needs verbose.
func (l *Logger) Debug(format string, args ...any) {
	l.write(LevelDebug, format, args...)
}

// Log writes a plain line.
func (l *Logger) Log(format string, args ...any) {
	l.write(LevelLog, format, args...)
}

// Warning writes a warning line.
func (l *Logger) Warning(format string, args ...any) {
	l.write(LevelWarning, format, args...)
}

// Error writes an error line. Unlike log.Fatal it never exits.
func (l *Logger) Error(format string, args ...any) {
	l.write(LevelError, format, args...)
}

// Success writes a success line.
func (l *Logger) Success(format string, args ...any) {
	l.write(LevelSuccess, format, args...)
}

func (l *Logger) write(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}

	message := fmt.Sprintf(format, args...)
	var line string
	switch level {
	case LevelDebug:
		if l.group != "" {
			line = fmt.Sprintf("Debug (%s): %s", l.group, message)
		} else {
			line = "Debug: " + message
		}
	case LevelWarning:
		line = "Warning: " + message
	case LevelError:
		line = "Error: " + message
	case LevelSuccess:
		line = "Success: " + message
	default:
		line = message
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.out.Println(line)
}
