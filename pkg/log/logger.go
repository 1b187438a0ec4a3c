package log

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// Logger wraps a zerolog.Logger behind the printf-style API used across the
// codebase.
type Logger struct {
	zl zerolog.Logger
}

func NewLogger(level string, out io.Writer) *Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	writer := out
	if f, ok := out.(*os.File); ok && isTerminal(f) {
		writer = zerolog.ConsoleWriter{Out: f, TimeFormat: "2006-01-02 15:04:05"}
	}

	zl := zerolog.New(writer).Level(lvl).With().Timestamp().Logger()
	return &Logger{zl: zl}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func (l *Logger) Debug(format string, args ...any) {
	l.zl.Debug().Msgf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.zl.Info().Msgf(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.zl.Warn().Msgf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.zl.Error().Msgf(format, args...)
}

func (l *Logger) Fatal(format string, args ...any) {
	l.zl.Fatal().Msgf(format, args...)
}

// With returns a logger tagged with a component name.
func (l *Logger) With(component string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", component).Logger()}
}

var (
	globalMu     sync.RWMutex
	globalLogger *Logger
)

// InitLogger configures the global logger. Level is one of debug, info, warn,
// error.
func InitLogger(level string) {
	globalMu.Lock()
	globalLogger = NewLogger(level, os.Stdout)
	globalMu.Unlock()
}

func GetLogger() *Logger {
	globalMu.RLock()
	l := globalLogger
	globalMu.RUnlock()
	if l != nil {
		return l
	}

	globalMu.Lock()
	defer globalMu.Unlock()
	if globalLogger == nil {
		globalLogger = NewLogger("info", os.Stdout)
	}
	return globalLogger
}

// Convenience functions
func Debug(format string, args ...any) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...any) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...any) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...any) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...any) {
	GetLogger().Fatal(format, args...)
}
