// Package logging configures the structured logger shared by every
// exported component of this module.
package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how New builds a logger.
type Options struct {
	// Level is parsed with logrus.ParseLevel; an empty string defaults
	// to "info".
	Level string
	// FilePath, when non-empty, also writes log output to a file rotated
	// through lumberjack, in addition to stderr.
	FilePath   string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// New builds a *logrus.Entry pre-populated with a "component" field.
// Callers that don't care about logging configuration can pass a zero
// Options value and get sane defaults.
func New(component string, opts Options) *logrus.Entry {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(opts.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	var out io.Writer = os.Stderr
	if opts.FilePath != "" {
		out = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    defaultInt(opts.MaxSizeMB, 100),
			MaxBackups: defaultInt(opts.MaxBackups, 3),
			MaxAge:     defaultInt(opts.MaxAgeDays, 28),
		})
	}
	logger.SetOutput(out)

	return logger.WithField("component", component)
}

// Nop returns a logger that discards everything, used as a safe default
// when a caller constructs a component without supplying a logger.
func Nop() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

func defaultInt(v, fallback int) int {
	if v <= 0 {
		return fallback
	}
	return v
}
