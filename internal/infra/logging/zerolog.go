// Package logging adapts github.com/rs/zerolog to the engine's Logger
// interface.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

const badKey = "!BADKEY"

// Logger writes structured JSON lines through zerolog. Its method set matches
// core.Logger: a message followed by alternating keys and values.
type Logger struct {
	zl zerolog.Logger
}

// New returns a Logger writing to w at level (debug|info|warn|error). A nil
// writer selects os.Stderr; an empty level selects info.
func New(w io.Writer, level string) (*Logger, error) {
	if w == nil {
		w = os.Stderr
	}
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(level))
		if err != nil {
			return nil, fmt.Errorf("parse log level: %w", err)
		}
		lvl = parsed
	}
	zl := zerolog.New(w).Level(lvl).With().Timestamp().Str("component", "relkeeper").Logger()
	return &Logger{zl: zl}, nil
}

// FromZerolog wraps an existing zerolog logger.
func FromZerolog(zl zerolog.Logger) *Logger {
	return &Logger{zl: zl}
}

// Zerolog exposes the underlying logger.
func (l *Logger) Zerolog() zerolog.Logger { return l.zl }

// With returns a child logger carrying the given key/value pairs on every
// entry.
func (l *Logger) With(args ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i < len(args); i += 2 {
		key, val := pair(args, i)
		ctx = ctx.Interface(key, val)
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) Debug(msg string, args ...any) { emit(l.zl.Debug(), msg, args) }
func (l *Logger) Info(msg string, args ...any)  { emit(l.zl.Info(), msg, args) }
func (l *Logger) Warn(msg string, args ...any)  { emit(l.zl.Warn(), msg, args) }
func (l *Logger) Error(msg string, args ...any) { emit(l.zl.Error(), msg, args) }

func emit(ev *zerolog.Event, msg string, args []any) {
	if ev == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		key, val := pair(args, i)
		switch v := val.(type) {
		case error:
			ev = ev.AnErr(key, v)
		case string:
			ev = ev.Str(key, v)
		case int:
			ev = ev.Int(key, v)
		case bool:
			ev = ev.Bool(key, v)
		case fmt.Stringer:
			ev = ev.Stringer(key, v)
		default:
			ev = ev.Interface(key, v)
		}
	}
	ev.Msg(msg)
}

// pair returns the key/value at position i. A trailing value without key is
// reported under badKey, like log/slog does.
func pair(args []any, i int) (string, any) {
	if i+1 >= len(args) {
		return badKey, args[i]
	}
	key, ok := args[i].(string)
	if !ok {
		key = fmt.Sprint(args[i])
	}
	return key, args[i+1]
}
