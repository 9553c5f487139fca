package logger

import (
	"log"
	"os"
	"strings"

	"go.uber.org/atomic"
)

// Level orders log severities; messages below the current level are dropped
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	debugLogger = log.New(os.Stdout, "DEBUG: ", log.Ldate|log.Ltime|log.Lmicroseconds)
	infoLogger  = log.New(os.Stdout, "INFO:  ", log.Ldate|log.Ltime)
	warnLogger  = log.New(os.Stderr, "WARN:  ", log.Ldate|log.Ltime)
	errorLogger = log.New(os.Stderr, "ERROR: ", log.Ldate|log.Ltime)
	fatalLogger = log.New(os.Stderr, "FATAL: ", log.Ldate|log.Ltime)

	level = atomic.NewInt32(int32(LevelInfo))
)

// ParseLevel maps a config string (debug, info, warn, error) to a Level.
// Unknown values map to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum level that is written
func SetLevel(l Level) {
	level.Store(int32(l))
}

func enabled(l Level) bool {
	return int32(l) >= level.Load()
}

// Debug logs per-transfer diagnostics to stdout
func Debug(format string, v ...interface{}) {
	if enabled(LevelDebug) {
		debugLogger.Printf(format, v...)
	}
}

// Info logs informational messages to stdout
func Info(format string, v ...interface{}) {
	if enabled(LevelInfo) {
		infoLogger.Printf(format, v...)
	}
}

// Warn logs warning messages to stderr
func Warn(format string, v ...interface{}) {
	if enabled(LevelWarn) {
		warnLogger.Printf(format, v...)
	}
}

// Error logs error messages to stderr
func Error(format string, v ...interface{}) {
	if enabled(LevelError) {
		errorLogger.Printf(format, v...)
	}
}

// Fatal logs fatal error messages to stderr and exits with status 1
func Fatal(format string, v ...interface{}) {
	fatalLogger.Printf(format, v...)
	os.Exit(1)
}
