package types

import (
	"errors"
	"fmt"

	"github.com/glebarez/go-sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// BusyError is returned when the database is locked by another connection or
// process.
type BusyError struct {
	Op  string
	Err error
}

// Error returns a string representation of the error.
func (e BusyError) Error() string {
	return fmt.Sprintf("failed %s: database is busy: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e BusyError) Unwrap() error {
	return e.Err
}

// IntegrityError represents a data integrity violation.
type IntegrityError struct {
	Op  string
	Err error
}

// Error returns a string representation of the error.
func (e IntegrityError) Error() string {
	return fmt.Sprintf("failed %s: integrity error: %s", e.Op, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e IntegrityError) Unwrap() error {
	return e.Err
}

// LoadError represents an error that occurred while loading data from the database.
type LoadError struct {
	Object string
	Msg    string
	Err    error
}

// Error returns a string representation of the error.
func (e LoadError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("failed loading %s: %s", e.Object, msg)
}

// Unwrap returns the underlying error for error unwrapping.
func (e LoadError) Unwrap() error {
	return e.Err
}

// ScanError represents an error that occurred while scanning database results
// into Go types.
type ScanError struct {
	Object string
	Err    error
}

// Error returns a string representation of the error.
func (e ScanError) Error() string {
	return fmt.Sprintf("failed scanning %s data: %s", e.Object, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e ScanError) Unwrap() error {
	return e.Err
}

// Err converts an expected error returned by SQLite into a friendly DB error
// of one of the types defined above. Other errors are returned as is.
func Err(op string, err error) error {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return err
	}

	// Extended result codes carry the primary code in the lowest byte.
	switch sqlErr.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return BusyError{Op: op, Err: err}
	case sqlite3.SQLITE_CONSTRAINT:
		return IntegrityError{Op: op, Err: err}
	}

	return err
}
