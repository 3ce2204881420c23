package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrPoolExhausted means no source connection became free within the acquire timeout.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrSourceUnavailable means the remote source failed after the internal retry.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrSchemaMismatch means the remote table no longer exposes the expected columns.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrArchiveWriteFailure means a partition could not be committed. The prior
	// committed version is left in place.
	ErrArchiveWriteFailure = errors.New("archive write failure")

	// ErrValidationConfig means the validation ranges or thresholds are invalid.
	ErrValidationConfig = errors.New("invalid validation configuration")

	ErrRunInProgress   = errors.New("a run is already in progress")
	ErrUnknownRun      = errors.New("unknown run")
	ErrInvalidArgument = errors.New("invalid argument")
)

// SchemaMismatchError lists the columns the source failed to return.
type SchemaMismatchError struct {
	Table   string
	Missing []string
	Cause   error
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("schema mismatch on %s", e.Table)
	if len(e.Missing) > 0 {
		msg += ": missing columns " + strings.Join(e.Missing, ", ")
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

func (e *SchemaMismatchError) Unwrap() error {
	return e.Cause
}
