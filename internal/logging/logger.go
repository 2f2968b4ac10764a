package logging

import (
	"fmt"
	"log/slog"
	"os"
)

var Logger = slog.Default()

var level = new(slog.LevelVar) // dynamic level if we ever want to adjust it

// Init installs the process-wide logger. Call once from main before
// anything logs; packages that log earlier fall back to slog.Default.
func Init() {
	if os.Getenv("LOG_LEVEL") == "debug" {
		level.Set(slog.LevelDebug)
	}

	var handler slog.Handler
	if os.Getenv("LOG_FORMAT") == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}

	Logger = slog.New(handler)
}

// Shortcut helpers
func Info(msg string, args ...any)  { Logger.Info(msg, args...) }
func Warn(msg string, args ...any)  { Logger.Warn(msg, args...) }
func Error(msg string, args ...any) { Logger.Error(msg, args...) }
func Debug(msg string, args ...any) { Logger.Debug(msg, args...) }

// Fatal logs at error level and exits.
func Fatal(msg string, args ...any) {
	Logger.Error(msg, args...)
	os.Exit(1)
}

// SlogWriter adapts slog to the Printf-style loggers some libraries
// (e.g. the modbus handlers) expect for their debug output.
type SlogWriter struct {
	attrs []any
}

func WrapSlog(args ...any) *SlogWriter {
	return &SlogWriter{attrs: args}
}

func (w *SlogWriter) Printf(format string, v ...any) {
	Logger.Debug(fmt.Sprintf(format, v...), w.attrs...)
}

func (w *SlogWriter) Write(p []byte) (int, error) {
	Logger.Debug(string(p), w.attrs...)
	return len(p), nil
}
