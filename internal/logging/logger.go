// Package logging provides structured logging for the ExposureLog core.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus logger with the call surface the rest of the
// core uses: leveled messages plus an optional context map.
type Logger struct {
	log *logrus.Logger
}

var (
	// global logger instance
	global *Logger
	once   sync.Once
)

// Init initializes the global logger. JSON output, one line per entry,
// so the app shell can forward log lines to platform logging as-is.
func Init(out io.Writer, level string) {
	once.Do(func() {
		global = NewLogger(out, level)
	})
}

// Get returns the global logger instance.
func Get() *Logger {
	if global == nil {
		Init(os.Stdout, "info")
	}
	return global
}

// NewLogger creates a standalone Logger. Unknown level strings fall
// back to info.
func NewLogger(out io.Writer, level string) *Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{})

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	l.SetLevel(parsed)

	return &Logger{log: l}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Debug(message)
}

// Info logs an info message.
func (l *Logger) Info(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Info(message)
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, context ...map[string]interface{}) {
	l.entry(nil, context...).Warn(message)
}

// Error logs an error message.
func (l *Logger) Error(message string, err error, context ...map[string]interface{}) {
	l.entry(err, context...).Error(message)
}

// ErrorWithCode logs an error message tagged with a stable error code
// for the UI layer's error surfacing.
func (l *Logger) ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	l.entry(err, context...).WithField("code", code).Error(message)
}

// entry builds a logrus entry from an optional error and context maps.
func (l *Logger) entry(err error, context ...map[string]interface{}) *logrus.Entry {
	fields := logrus.Fields{}
	for _, c := range context {
		for k, v := range c {
			fields[k] = v
		}
	}

	entry := l.log.WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	return entry
}

// Convenience functions using global logger

func Debug(message string, context ...map[string]interface{}) {
	Get().Debug(message, context...)
}

func Info(message string, context ...map[string]interface{}) {
	Get().Info(message, context...)
}

func Warn(message string, context ...map[string]interface{}) {
	Get().Warn(message, context...)
}

func Error(message string, err error, context ...map[string]interface{}) {
	Get().Error(message, err, context...)
}

func ErrorWithCode(message, code string, err error, context ...map[string]interface{}) {
	Get().ErrorWithCode(message, code, err, context...)
}
