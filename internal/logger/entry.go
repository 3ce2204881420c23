package logger

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Entry collects the metric fields of one log line: how long a unit of
// work took, how many rows or bytes it touched, how it ended.
//
// The line is written through the logger the Entry was started from. When
// ctx carries a logger (see SetRunID, SetPartition) its fields are merged
// in, so run and partition tags follow the work without being repeated.
type Entry struct {
	logger *Logger
	fields Fields
}

// Metrics starts an Entry on l.
//
//	log.Metrics(logger.Fields{logger.FieldMode: "append"}).WithCount(n).Info(ctx, "Partition written")
func (l *Logger) Metrics(fields Fields) *Entry {
	e := &Entry{logger: l, fields: make(Fields, len(fields))}
	for k, v := range fields {
		e.fields[k] = v
	}
	return e
}

// With returns a copy of e carrying the extra fields; later keys win.
func (e *Entry) With(fields Fields) *Entry {
	merged := make(Fields, len(e.fields)+len(fields))
	for k, v := range e.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Entry{logger: e.logger, fields: merged}
}

// WithField returns a copy of e carrying key.
func (e *Entry) WithField(key string, value interface{}) *Entry {
	return e.With(Fields{key: value})
}

// WithError attaches err under logrus' error key. A nil err is ignored.
func (e *Entry) WithError(err error) *Entry {
	if err == nil {
		return e
	}
	return e.WithField(logrus.ErrorKey, err)
}

// WithDuration records d in whole milliseconds.
func (e *Entry) WithDuration(d time.Duration) *Entry {
	return e.WithField(FieldDurationMs, d.Milliseconds())
}

// WithCount records a row, record or unit count.
func (e *Entry) WithCount(n int) *Entry {
	return e.WithField(FieldCount, n)
}

// WithSize records a payload size in bytes.
func (e *Entry) WithSize(bytes int64) *Entry {
	return e.WithField(FieldSize, bytes)
}

// WithStatus records how the work ended (completed, error, HTTP code...).
func (e *Entry) WithStatus(status interface{}) *Entry {
	return e.WithField(FieldStatus, status)
}

func (e *Entry) resolve(ctx context.Context) *Logger {
	l := e.logger
	if l == nil {
		l = GetDefault()
	}
	if cl, ok := contextLogger(ctx); ok && cl != l {
		l = l.WithFields(Fields(cl.Data))
	}
	return l.WithFields(e.fields)
}

// Debug writes the entry at debug level.
func (e *Entry) Debug(ctx context.Context, format string, args ...interface{}) {
	e.resolve(ctx).Debugf(format, args...)
}

// Info writes the entry at info level.
func (e *Entry) Info(ctx context.Context, format string, args ...interface{}) {
	e.resolve(ctx).Infof(format, args...)
}

// Warn writes the entry at warn level.
func (e *Entry) Warn(ctx context.Context, format string, args ...interface{}) {
	e.resolve(ctx).Warnf(format, args...)
}

// Error writes the entry at error level.
func (e *Entry) Error(ctx context.Context, format string, args ...interface{}) {
	e.resolve(ctx).Errorf(format, args...)
}
