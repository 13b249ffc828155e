// Package migrator manages versioned schema migrations and their rollback.
//
// Features:
//   - Loads migrations from a directory of SQL files named
//     `{YYYYMMDDhhmmss}_{name}.sql` or `{YYYYMMDD}_{hhmmss}_{name}.sql`, with
//     `-- +migrate` directives for metadata and the Up and Down sections
//   - Supports migration bodies implemented in Go, registered by version
//   - Enforces declared dependencies between migrations
//   - Applies each migration and records it in a single transaction
//   - Rolls back by number of steps or to a target version, detecting files
//     that changed since they were applied
//   - Takes a logical backup before every rollback and every risky migration,
//     and restores backups taken at the current schema version
//   - Keeps the history of applied migrations and an audit trail of rollbacks
//     in the database itself
package migrator
