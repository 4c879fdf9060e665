// Package plog provides the structured logger shared by the perffile and
// perfsession packages.
package plog

import "github.com/sirupsen/logrus"

const timeStampFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Logger is the structured logging interface used throughout this module.
// It embeds logrus.FieldLogger so callers can chain WithField/WithFields.
type Logger interface {
	logrus.FieldLogger
}

// logger is the shared package logger. Like the upstream log wrapper this
// is based on, it is a singleton that should be shared, not copied.
var logger = standardLogger()

func standardLogger() Logger {
	l := logrus.StandardLogger()
	l.SetFormatter(&logrus.TextFormatter{
		DisableColors:          true,
		FullTimestamp:          true,
		TimestampFormat:        timeStampFormat,
		DisableSorting:         true,
		DisableLevelTruncation: true,
		QuoteEmptyFields:       true,
	})
	l.SetLevel(logrus.InfoLevel)
	l.SetNoLock()
	return l
}

// Fields augments a structured log message with key/value pairs.
type Fields = logrus.Fields

// With returns a Logger carrying the given fields.
func With(fields Fields) Logger {
	return logger.WithFields(fields)
}

// SetLevel adjusts the level of the shared logger.
func SetLevel(level logrus.Level) {
	logger.(*logrus.Logger).SetLevel(level)
}

func Debugf(format string, args ...any) { logger.Debugf(format, args...) }
func Warnf(format string, args ...any)  { logger.Warnf(format, args...) }
func Errorf(format string, args ...any) { logger.Errorf(format, args...) }
func Infof(format string, args ...any)  { logger.Infof(format, args...) }
