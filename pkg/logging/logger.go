package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/riveroon/twitch-archive/pkg/config"
)

// Logger represents a logger instance
type Logger = *logrus.Logger

// Fields represents structured logging fields
type Fields = logrus.Fields

// Level represents a log level
type Level = logrus.Level

// Log levels
const (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
)

// NewLogger creates a new configured logger instance
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetLevel(config.GetLogLevel())
	return logger
}

// NewLoggerWithService creates a logger with a service field
func NewLoggerWithService(serviceName string) *logrus.Logger {
	logger := NewLogger()

	// Add service name to all log entries
	logger = logger.WithField("service", serviceName).Logger

	return logger
}

// Output configures where a logger writes.
type Output struct {
	// File is an optional log file path. Empty disables file output.
	File string
	// Stderr redirects console output to stderr instead of stdout.
	Stderr bool
}

// ConfigureOutput points the logger at the configured destinations. The
// returned closer owns the log file, if one was opened.
func ConfigureOutput(logger *logrus.Logger, out Output) (io.Closer, error) {
	console := io.Writer(os.Stdout)
	if out.Stderr {
		console = os.Stderr
	}

	if out.File == "" {
		logger.SetOutput(console)
		return nil, nil
	}

	f, err := os.OpenFile(out.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	logger.SetOutput(io.MultiWriter(console, f))
	return f, nil
}
