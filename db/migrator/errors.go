package migrator

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidSteps is returned when a rollback is requested with less than one step.
var ErrInvalidSteps = errors.New("rollback steps must be greater than 0")

// InvalidMigrationError is returned when a migration file matches the naming
// convention, but can't be loaded as a usable migration.
type InvalidMigrationError struct {
	Version int64
	Name    string
	Path    string
	Msg     string
	Err     error
}

// Error returns a string representation of the error.
func (e InvalidMigrationError) Error() string {
	msg := e.Msg
	if e.Err != nil {
		if msg != "" {
			msg = fmt.Sprintf("%s: %s", msg, e.Err)
		} else {
			msg = e.Err.Error()
		}
	}
	if e.Version == 0 {
		return fmt.Sprintf("invalid migration '%s': %s", e.Path, msg)
	}
	return fmt.Sprintf("invalid migration %d (%s): %s", e.Version, e.Name, msg)
}

// Unwrap returns the underlying error for error unwrapping.
func (e InvalidMigrationError) Unwrap() error {
	return e.Err
}

// DependencyErrorKind distinguishes the reasons a dependency check can fail.
type DependencyErrorKind int

const (
	// DependencyUnmet means that a declared dependency isn't applied.
	DependencyUnmet DependencyErrorKind = iota
	// DependencyInvalid means that the dependency declaration itself is wrong,
	// i.e. a migration depends on itself or on a later version.
	DependencyInvalid
	// DependencyDependents means that an applied migration still depends on
	// the migration being rolled back.
	DependencyDependents
)

func (k DependencyErrorKind) String() string {
	switch k {
	case DependencyUnmet:
		return "unmet"
	case DependencyInvalid:
		return "invalid"
	case DependencyDependents:
		return "dependents"
	default:
		return fmt.Sprintf("DependencyErrorKind(%d)", int(k))
	}
}

// DependencyError is returned when a migration's dependencies prevent it from
// being applied or rolled back.
type DependencyError struct {
	Kind       DependencyErrorKind
	Version    int64
	Name       string
	Dependency int64
}

// Error returns a string representation of the error.
func (e DependencyError) Error() string {
	switch e.Kind {
	case DependencyInvalid:
		if e.Dependency == e.Version {
			return fmt.Sprintf("migration %d (%s) depends on itself", e.Version, e.Name)
		}
		return fmt.Sprintf("migration %d (%s) depends on later version %d",
			e.Version, e.Name, e.Dependency)
	case DependencyDependents:
		return fmt.Sprintf("migration %d (%s) is required by applied migration %d",
			e.Version, e.Name, e.Dependency)
	default:
		return fmt.Sprintf("migration %d (%s) depends on version %d, which is not applied",
			e.Version, e.Name, e.Dependency)
	}
}

// Direction is the direction a migration is executed in.
type Direction string

// Migration directions.
const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ExecutionError is returned when a migration's forward or backward operation
// fails.
type ExecutionError struct {
	Version   int64
	Name      string
	Direction Direction
	Err       error
}

// Error returns a string representation of the error.
func (e ExecutionError) Error() string {
	return fmt.Sprintf("failed running %s migration %d (%s): %s",
		e.Direction, e.Version, e.Name, e.Err)
}

// Unwrap returns the underlying error for error unwrapping.
func (e ExecutionError) Unwrap() error {
	return e.Err
}

// NoDownOperationError is returned when a rollback reaches a migration that
// doesn't define a backward operation.
type NoDownOperationError struct {
	Version int64
	Name    string
}

// Error returns a string representation of the error.
func (e NoDownOperationError) Error() string {
	return fmt.Sprintf("migration %d (%s) has no down operation and can't be rolled back",
		e.Version, e.Name)
}

// VersionNotFoundError is returned when a requested version isn't known.
type VersionNotFoundError struct {
	Version int64
}

// Error returns a string representation of the error.
func (e VersionNotFoundError) Error() string {
	return fmt.Sprintf("migration version %d not found", e.Version)
}

// VersionMismatchError is returned when restoring a backup taken at a schema
// version different from the current one.
type VersionMismatchError struct {
	BackupVersion  int64
	CurrentVersion int64
}

// Error returns a string representation of the error.
func (e VersionMismatchError) Error() string {
	return fmt.Sprintf("backup schema version %d doesn't match current schema version %d",
		e.BackupVersion, e.CurrentVersion)
}

// LockContentionError is returned when an operation is attempted while
// another one holds the migration lock.
type LockContentionError struct {
	Operation string
	HeldBy    string
	Since     time.Time
}

// Error returns a string representation of the error.
func (e LockContentionError) Error() string {
	return fmt.Sprintf("can't %s: migration lock held by %s since %s",
		e.Operation, e.HeldBy, e.Since.Format(time.RFC3339))
}

// PlanChangedError is returned when the migrations a rollback would reverse
// differ from the ones that were expected, e.g. because history changed after
// the rollback was confirmed.
type PlanChangedError struct {
	Expected []int64
	Actual   []int64
}

// Error returns a string representation of the error.
func (e PlanChangedError) Error() string {
	return fmt.Sprintf("rollback plan changed: expected to roll back %v, would roll back %v",
		e.Expected, e.Actual)
}

// HashMismatchWarning reports that a migration file changed after it was
// applied. It's returned alongside successful rollbacks and never aborts them,
// since the down operation may no longer be the exact inverse of what ran.
type HashMismatchWarning struct {
	Version      int64
	Name         string
	Path         string
	RecordedHash string
	CurrentHash  string
}

// Error returns a string representation of the warning.
func (w HashMismatchWarning) Error() string {
	return fmt.Sprintf("migration %d (%s) changed since it was applied: "+
		"recorded hash %s, current hash %s", w.Version, w.Name, w.RecordedHash, w.CurrentHash)
}

// LogFields returns the fields that identify the migration, for logging.
func (e InvalidMigrationError) LogFields() []any {
	if e.Version == 0 {
		return []any{"path", e.Path}
	}
	return []any{"version", e.Version, "name", e.Name, "path", e.Path}
}

// LogFields returns the fields that identify the migration, for logging.
func (e DependencyError) LogFields() []any {
	return []any{"version", e.Version, "name", e.Name, "dependency", e.Dependency}
}

// LogFields returns the fields that identify the migration, for logging.
func (e ExecutionError) LogFields() []any {
	return []any{"version", e.Version, "name", e.Name, "direction", string(e.Direction)}
}

// LogFields returns the fields that identify the migration, for logging.
func (e NoDownOperationError) LogFields() []any {
	return []any{"version", e.Version, "name", e.Name}
}

// LogFields returns the fields that identify the migration, for logging.
func (e VersionNotFoundError) LogFields() []any {
	return []any{"version", e.Version}
}

// LogFields returns the schema versions, for logging.
func (e VersionMismatchError) LogFields() []any {
	return []any{"backup_version", e.BackupVersion, "current_version", e.CurrentVersion}
}

// LogFields returns the lock holder, for logging.
func (e LockContentionError) LogFields() []any {
	return []any{"held_by", e.HeldBy, "since", e.Since}
}

// LogFields returns the fields that identify the migration, for logging.
func (w HashMismatchWarning) LogFields() []any {
	return []any{"version", w.Version, "name", w.Name, "path", w.Path}
}
