package logx

import (
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Field decorates one event. Later fields override earlier ones with the
// same key.
type Field func(e *zerolog.Event)

func apply(ev *zerolog.Event, fields []Field) {
	for _, f := range fields {
		if f != nil {
			f(ev)
		}
	}
}

func String(k, v string) Field        { return func(e *zerolog.Event) { e.Str(k, v) } }
func Int(k string, v int) Field       { return func(e *zerolog.Event) { e.Int(k, v) } }
func Int64(k string, v int64) Field   { return func(e *zerolog.Event) { e.Int64(k, v) } }
func Bool(k string, v bool) Field     { return func(e *zerolog.Event) { e.Bool(k, v) } }
func Float64(k string, v float64) Field {
	return func(e *zerolog.Event) { e.Float64(k, v) }
}
func Duration(k string, v time.Duration) Field {
	return func(e *zerolog.Event) { e.Dur(k, v) }
}
func Time(k string, v time.Time) Field { return func(e *zerolog.Event) { e.Time(k, v) } }
func Any(k string, v any) Field        { return func(e *zerolog.Event) { e.Interface(k, v) } }

// Err is a no-op for nil so callers can pass results through unconditionally.
func Err(err error) Field {
	if err == nil {
		return nil
	}
	return func(e *zerolog.Event) { e.Err(err) }
}

// Phone logs a subscriber number with its middle digits hidden. Group ids
// and anything that is not mostly digits are written unchanged.
func Phone(k, v string) Field {
	return func(e *zerolog.Event) { e.Str(k, MaskPhone(v)) }
}

// MaskPhone keeps the first three and last two digits of a number,
// ignoring any "@server" suffix.
func MaskPhone(v string) string {
	num, suffix, _ := strings.Cut(v, "@")
	if strings.HasPrefix(suffix, "g.us") || len(num) < 7 {
		return v
	}
	for _, r := range num {
		if r < '0' || r > '9' {
			return v
		}
	}
	masked := num[:3] + strings.Repeat("*", len(num)-5) + num[len(num)-2:]
	if suffix != "" {
		masked += "@" + suffix
	}
	return masked
}
