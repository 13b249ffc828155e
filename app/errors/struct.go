package errors

import (
	"errors"
	"maps"
)

// StructuredError is an error with a cause and metadata that slog renders as
// fields, e.g. the backup taken before a failed rollback.
type StructuredError struct {
	err      error
	metadata map[string]any
	cause    error
}

// Error implements the error interface.
func (e StructuredError) Error() string {
	return e.err.Error()
}

// Unwrap allows errors.Is and errors.As to match both the error and its cause.
func (e StructuredError) Unwrap() []error {
	var errs []error
	if e.err != nil {
		errs = append(errs, e.err)
	}
	if e.cause != nil {
		errs = append(errs, e.cause)
	}
	return errs
}

// Cause returns the cause error of this error.
func (e StructuredError) Cause() error {
	return e.cause
}

// Metadata returns a copy of the metadata map.
func (e StructuredError) Metadata() map[string]any {
	if e.metadata == nil {
		return nil
	}
	return maps.Clone(e.metadata)
}

// NewWith creates a new StructuredError from a message string with optional metadata.
func NewWith(msg string, fields ...any) *StructuredError {
	return With(errors.New(msg), fields...)
}

// NewWithCause creates a new StructuredError from a message string with a cause
// and optional metadata.
func NewWithCause(msg string, cause error, fields ...any) *StructuredError {
	return WithCause(errors.New(msg), cause, fields...)
}

// With adds metadata to an error. If the error is already a StructuredError,
// the metadata is merged and its cause is kept.
func With(err error, fields ...any) *StructuredError {
	var cause error
	if serr, ok := err.(*StructuredError); ok {
		cause = serr.cause
	}
	return build(err, cause, fields)
}

// WithCause is like With, but sets the cause of the error.
func WithCause(err error, cause error, fields ...any) *StructuredError {
	return build(err, cause, fields)
}

func build(err, cause error, fields []any) *StructuredError {
	if len(fields)%2 != 0 {
		panic("an even number of fields is required")
	}

	metadata := make(map[string]any, len(fields)/2)
	if serr, ok := err.(*StructuredError); ok {
		maps.Copy(metadata, serr.metadata)
		err = serr.err
	}
	// Newer metadata overwrites older.
	for i := 0; i < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			panic("keys must be strings")
		}
		metadata[key] = fields[i+1]
	}

	return &StructuredError{err: err, metadata: metadata, cause: cause}
}
