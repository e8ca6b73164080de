// Package logx is the logging front for wacrm: a value-type Logger over
// zerolog whose sinks follow config reloads without callers re-wiring.
package logx

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

type Level = zerolog.Level

const (
	LevelTrace = zerolog.TraceLevel
	LevelDebug = zerolog.DebugLevel
	LevelInfo  = zerolog.InfoLevel
	LevelWarn  = zerolog.WarnLevel
	LevelError = zerolog.ErrorLevel
)

const tsLayout = "2006-01-02T15:04:05.000Z07:00"

// Logger is safe to copy. A zero Logger writes nothing; one obtained from a
// Service always writes through the Service's current sinks.
type Logger struct {
	svc    *Service
	fixed  *zerolog.Logger
	fields []Field
}

func Nop() Logger {
	zl := zerolog.Nop()
	return Logger{fixed: &zl}
}

// NewConsole is for the window before config is loaded.
func NewConsole(level string) Logger {
	zl := build(consoleSink(stdout), ParseLevel(level, LevelInfo))
	return Logger{fixed: &zl}
}

// NewWriter emits JSON lines into w.
func NewWriter(w io.Writer, level string) Logger {
	zl := build(w, ParseLevel(level, LevelDebug))
	return Logger{fixed: &zl}
}

func build(w io.Writer, lvl Level) zerolog.Logger {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = tsLayout
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

func (l Logger) IsZero() bool { return l.svc == nil && l.fixed == nil && l.fields == nil }

func (l Logger) target() zerolog.Logger {
	switch {
	case l.svc != nil:
		return l.svc.load()
	case l.fixed != nil:
		return *l.fixed
	}
	return zerolog.Nop()
}

func (l Logger) Enabled(level Level) bool {
	return level >= l.target().GetLevel()
}

// With derives a logger that stamps fields on every line after the
// receiver's own.
func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	l.fields = append(append(merged, l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.emit(LevelTrace, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l Logger) emit(level Level, msg string, fields []Field) {
	zl := l.target()
	ev := zl.WithLevel(level)
	if ev == nil {
		return
	}
	if _, file, line, ok := runtime.Caller(2); ok {
		ev.Str(zerolog.CallerFieldName, filepath.Base(file)+":"+strconv.Itoa(line))
	}
	apply(ev, l.fields)
	apply(ev, fields)
	ev.Msg(msg)
}

// ParseLevel accepts the config spellings (case-insensitive) and returns
// def for anything else.
func ParseLevel(s string, def Level) Level {
	name := strings.ToLower(strings.TrimSpace(s))
	if name == "warning" {
		name = "warn"
	}
	switch name {
	case "trace", "debug", "info", "warn", "error":
		lvl, err := zerolog.ParseLevel(name)
		if err == nil {
			return lvl
		}
	}
	return def
}
