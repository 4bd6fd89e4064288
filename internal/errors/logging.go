package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus.Logger with structured error logging
type Logger struct {
	*logrus.Logger
}

// NewLogger creates a new structured logger
func NewLogger() *Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{Logger: logger}
}

// FromLogrus reuses an already configured logrus logger
func FromLogrus(logger *logrus.Logger) *Logger {
	return &Logger{Logger: logger}
}

// appErrorFields flattens an AppError found anywhere in err's chain.
func appErrorFields(err error) logrus.Fields {
	appErr, ok := As(err)
	if !ok {
		return nil
	}

	fields := logrus.Fields{
		"error_code": appErr.Code,
		"retryable":  appErr.Retryable,
	}
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

func (l *Logger) entry(err error, fields []logrus.Fields) *logrus.Entry {
	entry := logrus.NewEntry(l.Logger)
	if err != nil {
		entry = entry.WithError(err)
	}
	if extra := appErrorFields(err); extra != nil {
		entry = entry.WithFields(extra)
	}
	for _, field := range fields {
		entry = entry.WithFields(field)
	}
	return entry
}

// LogError logs an error with structured context
func (l *Logger) LogError(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Error(message)
}

// LogWarn logs a warning with structured context
func (l *Logger) LogWarn(err error, message string, fields ...logrus.Fields) {
	l.entry(err, fields).Warn(message)
}

// LogRetryableError logs a retryable error at warn level, non-retryable at error level
func (l *Logger) LogRetryableError(err error, message string, fields ...logrus.Fields) {
	if IsRetryable(err) {
		l.LogWarn(err, message, fields...)
	} else {
		l.LogError(err, message, fields...)
	}
}

// WithContext adds context fields to subsequent log entries
func (l *Logger) WithContext(fields logrus.Fields) *logrus.Entry {
	return l.Logger.WithFields(fields)
}

// WithError adds an error to subsequent log entries
func (l *Logger) WithError(err error) *logrus.Entry {
	return l.entry(err, nil)
}
