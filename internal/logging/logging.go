// Package logging builds the structured logger shared by every component.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// New returns a logrus logger with the given level and format ("json" or "text").
// An unknown level falls back to info.
func New(level, format string) *logrus.Logger {
	logger := logrus.New()

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
