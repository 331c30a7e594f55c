// Package logger provides the process-wide structured logger.
package logger

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Log is the shared logger. It is usable before Init with logrus defaults.
var Log = logrus.New()

// Init configures the shared logger with JSON output at the given level.
// An empty or unknown level falls back to LOG_LEVEL, then info.
func Init(level string) {
	InitWithOutput(level, os.Stdout)
}

// InitWithOutput is Init with an explicit writer.
func InitWithOutput(level string, w io.Writer) {
	Log.SetOutput(w)
	Log.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level == "" {
		level = "info"
	}

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	Log.SetLevel(logLevel)
}

// WithField returns an entry of the shared logger carrying one field.
func WithField(key string, value interface{}) *logrus.Entry {
	return Log.WithField(key, value)
}

// WithFields returns an entry of the shared logger carrying fields.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Log.WithFields(fields)
}
