// Package logger provides leveled structured logging.
package logger

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the process-wide structured logger. It is a no-op until Init is called.
var Log = zap.NewNop()

// Init initializes the default logger with the specified level and format.
// Format "text" selects a human-readable console encoder; anything else emits JSON.
func Init(level string, format string) {
	var l zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		l = zapcore.DebugLevel
	case "info":
		l = zapcore.InfoLevel
	case "warn":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	default:
		l = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if strings.ToLower(format) == "text" {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), zap.NewAtomicLevelAt(l))
	Log = zap.New(core, zap.AddCaller())
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Log.Sync()
}

func sugar() *zap.SugaredLogger {
	return Log.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func Debug(format string, args ...interface{}) {
	sugar().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	sugar().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	sugar().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	sugar().Errorf(format, args...)
}

// Fatal logs and exits the process with status 1.
func Fatal(format string, args ...interface{}) {
	sugar().Fatalf(format, args...)
}
