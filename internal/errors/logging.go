package errors

import (
	"github.com/sirupsen/logrus"
)

// Logger logs errors with their code, retryability and context fields
// flattened into the entry.
type Logger struct {
	*logrus.Logger
}

// NewLogger returns a JSON logger writing to stderr.
func NewLogger() *Logger {
	l := logrus.New()
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{Logger: l}
}

// WrapLogger adapts l; nil yields a warn-level default.
func WrapLogger(l *logrus.Logger) *Logger {
	if l != nil {
		return &Logger{Logger: l}
	}
	l = logrus.New()
	l.SetLevel(logrus.WarnLevel)
	return &Logger{Logger: l}
}

// Fields returns the structured fields describing err. Plain errors
// contribute nothing beyond logrus' own "error" key.
func Fields(err error) logrus.Fields {
	appErr, ok := find(err)
	if !ok {
		return logrus.Fields{}
	}
	fields := make(logrus.Fields, len(appErr.Context)+2)
	for k, v := range appErr.Context {
		fields[k] = v
	}
	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	return fields
}

func (l *Logger) LogError(err error, message string, extra ...logrus.Fields) {
	l.WithError(err, extra...).Error(message)
}

func (l *Logger) LogWarn(err error, message string, extra ...logrus.Fields) {
	l.WithError(err, extra...).Warn(message)
}

// LogRetryableError logs at warn when the failure will be retried and at
// error otherwise.
func (l *Logger) LogRetryableError(err error, message string, extra ...logrus.Fields) {
	level := logrus.ErrorLevel
	if IsRetryable(err) {
		level = logrus.WarnLevel
	}
	l.WithError(err, extra...).Log(level, message)
}

// WithError starts an entry carrying err and its fields. Extra fields
// override error context with the same key.
func (l *Logger) WithError(err error, extra ...logrus.Fields) *logrus.Entry {
	entry := l.Logger.WithError(err).WithFields(Fields(err))
	for _, f := range extra {
		entry = entry.WithFields(f)
	}
	return entry
}
