package utils

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions controls the process-wide logger built by ConfigureLogging.
type LogOptions struct {
	Level      string // debug, info, warn, error
	Local      bool   // console encoder instead of JSON
	FilePath   string // optional rotating file output
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	baseMu sync.RWMutex
	base   = zap.Must(zap.NewProduction())
)

// ConfigureLogging replaces the base logger every Logger is derived from.
// Loggers created before the call keep their old core.
func ConfigureLogging(opts LogOptions) error {
	level, err := zapcore.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if opts.Local {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encCfg)
	}

	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level),
	}
	if opts.FilePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(rotator), level))
	}

	SetBaseLogger(zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1)))
	return nil
}

// SetBaseLogger swaps the base logger. Tests use it with an observer core.
func SetBaseLogger(l *zap.Logger) {
	baseMu.Lock()
	defer baseMu.Unlock()
	base = l
}

func baseLogger() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// SyncLogging flushes buffered log entries.
func SyncLogging() {
	_ = baseLogger().Sync()
}

// Logger provides structured logging with a component name
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger with a given prefix
func NewLogger(prefix string) *Logger {
	return &Logger{sugar: baseLogger().Named(prefix).Sugar()}
}

// With returns a child logger carrying the given key-value pairs on every entry.
func (l *Logger) With(keyvals ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(keyvals...)}
}

// Info logs an informational message
func (l *Logger) Info(msg string, keyvals ...interface{}) {
	l.sugar.Infow(msg, keyvals...)
}

// Error logs an error message
func (l *Logger) Error(msg string, keyvals ...interface{}) {
	l.sugar.Errorw(msg, keyvals...)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string, keyvals ...interface{}) {
	l.sugar.Warnw(msg, keyvals...)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string, keyvals ...interface{}) {
	l.sugar.Debugw(msg, keyvals...)
}
