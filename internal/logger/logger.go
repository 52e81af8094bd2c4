package logger

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"runtime"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// Global logger instance
	globalLogger *logrus.Logger
	initMu       sync.Mutex

	secretPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)(private[_-]?key|secret|token|password)(["']?\s*[:=]\s*["']?)[^\s"',}]+`),
		regexp.MustCompile(`\b(0x)?[0-9a-fA-F]{64}\b`),
	}
)

// Initialize sets up the global logger from LOG_LEVEL and LOG_FORMAT.
func Initialize() *logrus.Logger {
	initMu.Lock()
	defer initMu.Unlock()

	if globalLogger != nil {
		return globalLogger
	}

	logger := logrus.New()

	// Configure logger based on environment
	logger.SetLevel(ParseLevel(os.Getenv("LOG_LEVEL")))

	// Configure log format
	if strings.ToLower(os.Getenv("LOG_FORMAT")) == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:    true,
			ForceColors:      true,
			CallerPrettyfier: callerPrettyfier,
		})
	} else {
		// Default to JSON format
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat:  "2006-01-02T15:04:05.000Z07:00",
			CallerPrettyfier: callerPrettyfier,
		})
	}

	// Enable reporting of the caller
	logger.SetReportCaller(true)

	// Ensure logs go to stdout
	logger.SetOutput(os.Stdout)

	globalLogger = logger
	return logger
}

// ParseLevel maps a LOG_LEVEL value to a logrus level, defaulting to info.
func ParseLevel(level string) logrus.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return logrus.DebugLevel
	case "info":
		return logrus.InfoLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Get returns the global logger instance, initializing it if necessary
func Get() *logrus.Logger {
	if globalLogger == nil {
		return Initialize()
	}
	return globalLogger
}

// WithModule creates a new entry with module name
func WithModule(moduleName string) *logrus.Entry {
	return Get().WithField("module", moduleName)
}

// Redact masks private keys, tokens and 32-byte hex strings in s.
func Redact(s string) string {
	out := secretPatterns[0].ReplaceAllString(s, "${1}${2}[REDACTED]")
	return secretPatterns[1].ReplaceAllString(out, "[REDACTED]")
}

// Helper function for formatting caller information
func callerPrettyfier(f *runtime.Frame) (string, string) {
	filename := path.Base(f.File)
	return fmt.Sprintf("%s()", f.Function), fmt.Sprintf("%s:%d", filename, f.Line)
}
