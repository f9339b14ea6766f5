// Package logging provides structured logging for the workshop companion.
package logging

import (
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	// global logger instance
	global *logrus.Logger
	once   sync.Once
)

// Init initializes the global logger. Repeated calls are no-ops.
func Init(out io.Writer, level logrus.Level) {
	once.Do(func() {
		l := logrus.New()
		l.SetOutput(out)
		l.SetLevel(level)
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05Z07:00"})
		global = l
	})
}

// Get returns the global logger instance.
func Get() *logrus.Logger {
	if global == nil {
		Init(os.Stdout, logrus.InfoLevel)
	}
	return global
}

// ParseLevel maps a config string to a logrus level, defaulting to info.
func ParseLevel(s string) logrus.Level {
	level, err := logrus.ParseLevel(s)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// Convenience functions using the global logger

func Debug(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Debug(message)
}

func Info(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Info(message)
}

func Warn(message string, context map[string]interface{}) {
	Get().WithFields(logrus.Fields(context)).Warn(message)
}

func Error(message string, err error, context map[string]interface{}) {
	entry := Get().WithFields(logrus.Fields(context))
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
