// Package logging holds the process-wide structured logger.
package logging

import (
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured key/value logging surface used across postmic.
type Logger interface {
	Infow(msg string, keysAndValues ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

var (
	mu      sync.RWMutex
	sugar   *zap.SugaredLogger
	current Logger = noopLogger{}
)

// Init builds the zap logger for level (debug, info, warn, error) and
// format (json or console) and installs it. Calls before Init are dropped.
func Init(level string, format string) (*zap.SugaredLogger, error) {
	encoding := "json"
	if strings.EqualFold(strings.TrimSpace(format), "console") {
		encoding = "console"
	}

	cfg := zap.Config{
		Encoding:         encoding,
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
		Level:            zap.NewAtomicLevelAt(parseLevel(level)),
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.CallerKey = "caller"
	if encoding == "console" {
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return nil, err
	}

	mu.Lock()
	defer mu.Unlock()
	sugar = logger.Sugar()
	current = sugar
	return sugar, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger replaces the package-level logger. Passing nil restores the
// logger built by Init, or the no-op logger.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l != nil {
		current = l
		return
	}
	if sugar != nil {
		current = sugar
		return
	}
	current = noopLogger{}
}

// Get returns the active logger.
func Get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// With returns a logger that prefixes every entry with keysAndValues.
func With(keysAndValues ...interface{}) Logger {
	return fieldLogger{fields: keysAndValues}
}

// fieldLogger resolves the active logger per call so SetLogger applies to
// loggers handed out before it ran.
type fieldLogger struct {
	fields []interface{}
}

func (f fieldLogger) merge(kv []interface{}) []interface{} {
	out := make([]interface{}, 0, len(f.fields)+len(kv))
	out = append(out, f.fields...)
	return append(out, kv...)
}

func (f fieldLogger) Infow(msg string, kv ...interface{})  { Get().Infow(msg, f.merge(kv)...) }
func (f fieldLogger) Debugw(msg string, kv ...interface{}) { Get().Debugw(msg, f.merge(kv)...) }
func (f fieldLogger) Warnw(msg string, kv ...interface{})  { Get().Warnw(msg, f.merge(kv)...) }
func (f fieldLogger) Errorw(msg string, kv ...interface{}) { Get().Errorw(msg, f.merge(kv)...) }
func (f fieldLogger) Sync() error                          { return Get().Sync() }

func Infow(msg string, keysAndValues ...interface{})  { Get().Infow(msg, keysAndValues...) }
func Debugw(msg string, keysAndValues ...interface{}) { Get().Debugw(msg, keysAndValues...) }
func Warnw(msg string, keysAndValues ...interface{})  { Get().Warnw(msg, keysAndValues...) }
func Errorw(msg string, keysAndValues ...interface{}) { Get().Errorw(msg, keysAndValues...) }

// Sync flushes buffered entries.
func Sync() error {
	return Get().Sync()
}

// SessionFields returns the canonical keys for a dictation session.
func SessionFields(sessionID string) []interface{} {
	return []interface{}{"session.id", sessionID}
}

// ChunkFields returns the canonical keys for an outbound audio chunk.
func ChunkFields(index int, samples int, final bool) []interface{} {
	return []interface{}{"chunk.index", index, "chunk.samples", samples, "chunk.final", final}
}
