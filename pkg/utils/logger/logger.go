package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a named zap SugaredLogger
type Logger struct {
	*zap.SugaredLogger
}

var (
	globalLogger *Logger
	mu           sync.RWMutex
)

// Init configures the process-wide logger. Production environments get JSON
// output, everything else the console encoder. Calling Init again replaces the
// root logger; loggers handed out earlier keep their old core.
func Init(level string, env string) {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if env == "production" {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	}

	core := zapcore.NewCore(
		encoder,
		zapcore.AddSync(os.Stdout),
		zap.NewAtomicLevelAt(parseLevel(level)),
	)

	l := zap.New(core, zap.AddCaller())

	mu.Lock()
	globalLogger = &Logger{l.Sugar()}
	mu.Unlock()
}

// UseNop silences all loggers created after the call. Tests use it to keep
// output quiet.
func UseNop() {
	mu.Lock()
	globalLogger = &Logger{zap.NewNop().Sugar()}
	mu.Unlock()
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// GetLogger returns a logger named after the calling component, e.g. "engine.monitor"
func GetLogger(name string) *Logger {
	mu.RLock()
	root := globalLogger
	mu.RUnlock()

	if root == nil {
		Init("info", "development")
		mu.RLock()
		root = globalLogger
		mu.RUnlock()
	}

	return &Logger{root.Named(name)}
}

// With returns a logger with additional structured context
func (l *Logger) With(args ...interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(args...)}
}

// WithField returns a logger with a single field added to the context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{l.SugaredLogger.With(key, value)}
}

// Sync flushes buffered log entries
func (l *Logger) Sync() error {
	return l.SugaredLogger.Sync()
}

// CronLogger adapts a Logger to the cron.Logger interface (Info and Error
// with alternating key/value pairs).
type CronLogger struct {
	l *Logger
}

// NewCronLogger wraps l for use with robfig/cron
func NewCronLogger(l *Logger) CronLogger {
	return CronLogger{l: l}
}

// Info logs routine scheduler messages at debug level; cron is chatty.
func (c CronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

// Error logs scheduler failures
func (c CronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
