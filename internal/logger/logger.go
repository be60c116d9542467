// Package logger is the process-wide leveled logger used by the coordinator.
//
// Call sites use printf-style helpers (Infof, Warnf, ...) and tag messages
// with a bracketed subsystem, e.g. "[session] opened". Output goes through a
// zap console core so the level can be changed at runtime.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level is a logging verbosity threshold.
type Level int8

const (
	// LevelTrace logs everything, including per-poll watcher chatter.
	LevelTrace Level = iota
	// LevelDebug logs diagnostic details.
	LevelDebug
	// LevelInfo is the default level.
	LevelInfo
	// LevelWarn logs recoverable problems only.
	LevelWarn
	// LevelError logs failures only.
	LevelError
)

// traceLevel sits one step below zap's debug level.
const traceLevel = zapcore.DebugLevel - 1

var (
	atomicLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	current     atomic.Pointer[zap.SugaredLogger]
)

func init() {
	current.Store(build(os.Stderr))
}

func build(w io.Writer) *zap.SugaredLogger {
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = encodeLevel
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	encCfg.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), atomicLevel)
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).Sugar()
}

func encodeLevel(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	if l == traceLevel {
		enc.AppendString("TRACE")
		return
	}
	zapcore.CapitalLevelEncoder(l, enc)
}

func (l Level) zap() zapcore.Level {
	switch l {
	case LevelTrace:
		return traceLevel
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// String returns the lower-case level name.
func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int8(l))
	}
}

// ParseLevel parses a level name (case-insensitive). "warning" is accepted as
// an alias for warn.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return LevelTrace, nil
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// SetLevel changes the minimum level that will be written.
func SetLevel(l Level) {
	atomicLevel.SetLevel(l.zap())
}

// Enabled reports whether messages at l are currently written.
func Enabled(l Level) bool {
	return atomicLevel.Enabled(l.zap())
}

// SetOutput redirects all subsequent log output to w. A nil w restores
// stderr.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	current.Store(build(w))
}

// Sync flushes buffered output.
func Sync() error {
	return current.Load().Sync()
}

// Tracef logs at trace level.
func Tracef(format string, args ...any) {
	current.Load().Logf(traceLevel, format, args...)
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	current.Load().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...any) {
	current.Load().Infof(format, args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...any) {
	current.Load().Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...any) {
	current.Load().Errorf(format, args...)
}
