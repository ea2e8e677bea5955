package log

import (
	"time"

	"go.uber.org/zap"
)

// Log is the structured logger carried through every WIND component.
type Log interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)

	With(fields ...Field) Log
}

// Level controls the minimum severity emitted by a Logger.
type Level uint8

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level. Unknown names fall back to info.
func ParseLevel(name string) Level {
	switch name {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Field is a typed key/value pair attached to a log entry.
type Field = zap.Field

// Field constructors.

func String(key, value string) Field { return zap.String(key, value) }

func Int(key string, value int) Field { return zap.Int(key, value) }

func Int64(key string, value int64) Field { return zap.Int64(key, value) }

func Uint32(key string, value uint32) Field { return zap.Uint32(key, value) }

func Uint64(key string, value uint64) Field { return zap.Uint64(key, value) }

func Float64(key string, value float64) Field { return zap.Float64(key, value) }

func Bool(key string, value bool) Field { return zap.Bool(key, value) }

func Duration(key string, value time.Duration) Field { return zap.Duration(key, value) }

func Error(err error) Field { return zap.Error(err) }

func Any(key string, value any) Field { return zap.Any(key, value) }
