package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// LogLevel represents the severity of a log message
type LogLevel int32

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG: "\033[36m", // Cyan
		INFO:  "\033[32m", // Green
		WARN:  "\033[33m", // Yellow
		ERROR: "\033[31m", // Red
	}

	resetColor = "\033[0m"
)

// Logger provides leveled logging with module tags
type Logger struct {
	level    atomic.Int32
	useColor bool
	mu       sync.Mutex // serializes writes to out
	out      *log.Logger
}

var (
	defaultLogger atomic.Pointer[Logger]
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(level LogLevel, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger.Store(New(level, output, useColor))
	})
}

// New creates a new Logger instance
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	l := &Logger{
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	l.level.Store(int32(level))
	return l
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.level.Store(int32(level))
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return LogLevel(l.level.Load())
}

// Enabled reports whether messages at level would be written.
func (l *Logger) Enabled(level LogLevel) bool {
	return level < SILENT && level >= l.GetLevel()
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	prefix := "[" + levelNames[level] + "]"
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if module != "" {
		prefix = prefix + " [" + module + "]"
	}

	message := fmt.Sprintf(format, args...)

	l.mu.Lock()
	l.out.Printf("%s %s", prefix, message)
	l.mu.Unlock()
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Module is a logger bound to a module tag. The zero value logs through the
// global logger, and a nil *Logger also falls back to the global logger.
type Module struct {
	name string
	l    *Logger
}

// For returns a Module that logs through the global logger.
func For(name string) Module {
	return Module{name: name}
}

// For returns a Module bound to l.
func (l *Logger) For(name string) Module {
	return Module{name: name, l: l}
}

func (m Module) target() *Logger {
	if m.l != nil {
		return m.l
	}
	return defaultLogger.Load()
}

func (m Module) Debug(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.log(DEBUG, m.name, format, args...)
	}
}

func (m Module) Info(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.log(INFO, m.name, format, args...)
	}
}

func (m Module) Warn(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.log(WARN, m.name, format, args...)
	}
}

func (m Module) Error(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.log(ERROR, m.name, format, args...)
	}
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if l := defaultLogger.Load(); l != nil {
		l.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if l := defaultLogger.Load(); l != nil {
		return l.GetLevel()
	}
	return INFO
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	For(module).Debug(format, args...)
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	For(module).Info(format, args...)
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	For(module).Warn(format, args...)
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	For(module).Error(format, args...)
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
