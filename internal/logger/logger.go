// Package logger is the process-wide structured logger.
package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
)

func init() {
	sugared = build(os.Stdout)
}

func build(w io.Writer) *zap.SugaredLogger {
	if w == nil {
		w = os.Stdout
	}
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.AddSync(w), level)
	return zap.New(core).Sugar()
}

// SetOutput redirects all log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	sugared = build(w)
	mu.Unlock()
}

// SetLevel accepts debug, info, warn or error. Anything else means info.
func SetLevel(l string) {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case "debug":
		level.SetLevel(zapcore.DebugLevel)
	case "warn", "warning":
		level.SetLevel(zapcore.WarnLevel)
	case "error":
		level.SetLevel(zapcore.ErrorLevel)
	default:
		level.SetLevel(zapcore.InfoLevel)
	}
}

// Level reports the active level name.
func Level() string {
	return level.Level().String()
}

func active() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugared
}

func Debugf(format string, v ...any) { active().Debugf(format, v...) }

func Infof(format string, v ...any) { active().Infof(format, v...) }

func Warnf(format string, v ...any) { active().Warnf(format, v...) }

func Errorf(format string, v ...any) { active().Errorf(format, v...) }

// Sync flushes buffered entries; call before exit.
func Sync() {
	_ = active().Sync()
}
