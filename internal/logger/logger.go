// Package logger provides structured logging for the pagetree engine
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog with engine-specific functionality
type Logger struct {
	zlog zerolog.Logger
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for development
	Output     io.Writer
	WithCaller bool
}

// NewLogger creates a new structured logger
func NewLogger(cfg Config) *Logger {
	// Set global log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output
	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	// Pretty printing for development
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	// Create logger
	zlog := zerolog.New(output).
		With().
		Timestamp().
		Str("service", "pagetree").
		Logger()

	// Add caller information if requested
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}

	return &Logger{zlog: zlog}
}

// GetZerolog returns the underlying zerolog logger
func (l *Logger) GetZerolog() *zerolog.Logger {
	return &l.zlog
}

// Info logs an info message
func (l *Logger) Info(msg string) *zerolog.Event {
	return l.zlog.Info().Str("msg", msg)
}

// Debug logs a debug message
func (l *Logger) Debug(msg string) *zerolog.Event {
	return l.zlog.Debug().Str("msg", msg)
}

// Warn logs a warning message
func (l *Logger) Warn(msg string) *zerolog.Event {
	return l.zlog.Warn().Str("msg", msg)
}

// Error logs an error message
func (l *Logger) Error(msg string) *zerolog.Event {
	return l.zlog.Error().Str("msg", msg)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(msg string) *zerolog.Event {
	return l.zlog.Fatal().Str("msg", msg)
}

// WithFields returns a logger with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// PageStoreLogger returns a logger scoped to page store operations
// (open/allocate/free, spec §4.1).
func (l *Logger) PageStoreLogger(file string) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "pagestore").
			Str("file", file).
			Logger(),
	}
}

// SyncLogger returns a logger scoped to one sync's lifetime, tagged with
// the sync sequence number so every log line from prepare_sync through
// finish_sync can be correlated.
func (l *Logger) SyncLogger(seq uint64) *Logger {
	return &Logger{
		zlog: l.zlog.With().
			Str("component", "sync").
			Uint64("sync_seq", seq).
			Logger(),
	}
}

// LogSyncPhase logs a sync coordinator state transition with its duration
// (spec §4.8).
func (l *Logger) LogSyncPhase(phase string, duration time.Duration, err error) {
	event := l.zlog.Info().
		Str("component", "sync").
		Str("phase", phase).
		Dur("duration_ms", duration)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "sync").
			Str("phase", phase).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("sync phase completed")
}

// LogPageStoreOp logs a page store operation with structured fields
// (allocate, free, read, write).
func (l *Logger) LogPageStoreOp(operation string, duration time.Duration, pageCount int, err error) {
	event := l.zlog.Debug().
		Str("component", "pagestore").
		Str("operation", operation).
		Dur("duration_ms", duration).
		Int("page_count", pageCount)

	if err != nil {
		event = l.zlog.Error().
			Str("component", "pagestore").
			Str("operation", operation).
			Dur("duration_ms", duration).
			Err(err)
	}

	event.Msg("page store operation completed")
}

// LogEngineOpen logs engine startup.
func (l *Logger) LogEngineOpen(dir string) {
	l.zlog.Info().
		Str("event", "engine_open").
		Str("dir", dir).
		Msg("pagetree engine opening")
}

// LogEngineReady logs when the engine has finished reconstructing state
// and is ready to serve lookups and commits.
func (l *Logger) LogEngineReady() {
	l.zlog.Info().
		Str("event", "engine_ready").
		Msg("pagetree engine ready")
}

// LogWalRecovery logs the outcome of a WAL recovery scan at open time
// (spec §4.7, S6).
func (l *Logger) LogWalRecovery(replayed bool, entryCount int) {
	l.zlog.Info().
		Str("event", "wal_recovery").
		Bool("replayed", replayed).
		Int("entry_count", entryCount).
		Msg("WAL recovery scan completed")
}

// Global logger instance
var globalLogger *Logger

// InitGlobalLogger initializes the global logger
func InitGlobalLogger(cfg Config) {
	globalLogger = NewLogger(cfg)
	log.Logger = *globalLogger.GetZerolog()
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() *Logger {
	if globalLogger == nil {
		// Initialize with defaults if not set
		InitGlobalLogger(Config{
			Level:  "info",
			Pretty: true,
		})
	}
	return globalLogger
}
