// Package logging wraps logrus behind package-level helpers so the rest of
// the stack logs without carrying a logger around.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the logging level.
type Level logrus.Level

const (
	DebugLevel Level = Level(logrus.DebugLevel)
	InfoLevel  Level = Level(logrus.InfoLevel)
	WarnLevel  Level = Level(logrus.WarnLevel)
	ErrorLevel Level = Level(logrus.ErrorLevel)
	FatalLevel Level = Level(logrus.FatalLevel)
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logger.SetOutput(os.Stdout)
}

// SetLevel sets the logging level.
func SetLevel(level Level) {
	logger.SetLevel(logrus.Level(level))
}

// SetOutput redirects log output.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetFormatter replaces the log formatter.
func SetFormatter(f logrus.Formatter) {
	logger.SetFormatter(f)
}

// EnableFileLogging mirrors log output into a rotated file under dir.
// maxSize is megabytes, maxAge is days.
func EnableFileLogging(dir, file string, maxSize, maxBackups, maxAge int) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	rotate := &lumberjack.Logger{
		Filename:   filepath.Join(dir, file),
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     maxAge,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(os.Stdout, rotate))
	return nil
}

// WithFields creates a structured log entry.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return logger.WithFields(fields)
}

// Debugf logs a debug message.
func Debugf(format string, args ...interface{}) { logger.Debugf(format, args...) }

// Infof logs an info message.
func Infof(format string, args ...interface{}) { logger.Infof(format, args...) }

// Warnf logs a warning message.
func Warnf(format string, args ...interface{}) { logger.Warnf(format, args...) }

// Errorf logs an error message.
func Errorf(format string, args ...interface{}) { logger.Errorf(format, args...) }

// Fatalf logs a fatal message and exits.
func Fatalf(format string, args ...interface{}) { logger.Fatalf(format, args...) }
