// Package logging provides structured logging with rotating file and console output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// LogEntry represents a single log entry kept in the in-memory history
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
	Data      string `json:"data,omitempty"`
}

// Logger wraps zerolog with a rotating file sink and log history
type Logger struct {
	zlog    zerolog.Logger
	sink    io.WriteCloser
	logPath string
	mu      sync.RWMutex
	history []LogEntry
	maxHist int
}

// Config holds logger configuration
type Config struct {
	LogDir     string   // Directory for log files (default: ~/.cortexvoice/logs)
	Level      LogLevel // Minimum log level (default: info)
	MaxSizeMB  int      // Rotate after this many megabytes (default: 20)
	MaxBackups int      // Rotated files to keep (default: 5)
	MaxAgeDays int      // Days to retain rotated files (default: 14)
	MaxHistory int      // Max entries to keep in memory (default: 1000)
	Console    bool     // Also log to console (default: true)
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".cortexvoice", "logs"),
		Level:      LevelInfo,
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 14,
		MaxHistory: 1000,
		Console:    true,
	}
}

// New creates a new Logger with rotating file and console output
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, "cortexvoice.log")
	sink := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	var writers []io.Writer
	writers = append(writers, sink)

	if cfg.Console {
		consoleWriter := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: "15:04:05",
		}
		writers = append(writers, consoleWriter)
	}

	multi := io.MultiWriter(writers...)

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	zlog := zerolog.New(multi).With().
		Timestamp().
		Str("app", "cortexvoice").
		Logger()

	logger := &Logger{
		zlog:    zlog,
		sink:    sink,
		logPath: logPath,
		history: make([]LogEntry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	logger.Info("logging", "Logger initialized", map[string]interface{}{
		"logFile": logPath,
		"level":   string(cfg.Level),
	})

	return logger, nil
}

// addToHistory adds an entry to the in-memory log history
func (l *Logger) addToHistory(entry LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.history = append(l.history, entry)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
}

// GetHistory returns recent log entries
func (l *Logger) GetHistory(limit int) []LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}

	start := len(l.history) - limit
	if start < 0 {
		start = 0
	}

	result := make([]LogEntry, limit)
	copy(result, l.history[start:])
	return result
}

// GetLogPath returns the current log file path
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close flushes and closes the log sink
func (l *Logger) Close() error {
	l.Info("logging", "Logger shutting down", nil)
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

// formatData converts data map to string for storage
func formatData(data map[string]interface{}) string {
	if len(data) == 0 {
		return ""
	}
	result := ""
	for k, v := range data {
		if result != "" {
			result += ", "
		}
		result += fmt.Sprintf("%s=%v", k, v)
	}
	return result
}

// Debug logs a debug message
func (l *Logger) Debug(component, msg string, data map[string]interface{}) {
	event := l.zlog.Debug().Str("component", component)
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(msg)

	l.addToHistory(LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     "debug",
		Component: component,
		Message:   msg,
		Data:      formatData(data),
	})
}

// Info logs an info message
func (l *Logger) Info(component, msg string, data map[string]interface{}) {
	event := l.zlog.Info().Str("component", component)
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(msg)

	l.addToHistory(LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     "info",
		Component: component,
		Message:   msg,
		Data:      formatData(data),
	})
}

// Warn logs a warning message
func (l *Logger) Warn(component, msg string, data map[string]interface{}) {
	event := l.zlog.Warn().Str("component", component)
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(msg)

	l.addToHistory(LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     "warn",
		Component: component,
		Message:   msg,
		Data:      formatData(data),
	})
}

// Error logs an error message
func (l *Logger) Error(component, msg string, err error, data map[string]interface{}) {
	event := l.zlog.Error().Str("component", component)
	if err != nil {
		event = event.Err(err)
	}
	for k, v := range data {
		event = event.Interface(k, v)
	}
	event.Msg(msg)

	errStr := ""
	if err != nil {
		errStr = err.Error()
	}

	l.addToHistory(LogEntry{
		Timestamp: time.Now().Format("15:04:05.000"),
		Level:     "error",
		Component: component,
		Message:   msg,
		Data:      formatData(data) + " error=" + errStr,
	})
}

// Component returns a zerolog.Logger with the component field set.
// Packages that log directly through zerolog use this.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
