package db

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	//nolint:revive,nolintlint // Idiomatic way of loading DB libraries.
	_ "github.com/glebarez/go-sqlite"

	"go.hackfix.me/syllabus/db/migrator"
	"go.hackfix.me/syllabus/db/types"
)

// DriverName is the database/sql driver name of the SQLite backend.
const DriverName = "sqlite"

// DB wraps sql.DB, and implements the migration backend for SQLite.
type DB struct {
	*sql.DB
	path   string
	logger *slog.Logger
}

var (
	_ types.Querier     = (*DB)(nil)
	_ migrator.Backend = (*DB)(nil)
)

// Open creates and configures a new SQLite database connection.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var d *DB
	if isMemory(path) {
		defer func() {
			if d != nil {
				// See https://github.com/mattn/go-sqlite3#faq
				d.SetMaxIdleConns(10)
				d.SetConnMaxLifetime(time.Duration(math.Inf(1)))
			}
		}()
	}

	sqliteDB, err := sql.Open(DriverName, path)
	if err != nil {
		return nil, fmt.Errorf("failed opening SQLite database: %w", err)
	}

	d = &DB{DB: sqliteDB, path: path, logger: logger.With("database", path)}

	// Enable foreign key enforcement
	_, err = d.ExecContext(ctx, `PRAGMA foreign_keys = ON;`)
	if err != nil {
		return nil, fmt.Errorf("failed enabling foreign key enforcement: %w", err)
	}

	return d, nil
}

// Handle returns the underlying database handle.
func (d *DB) Handle() *sql.DB {
	return d.DB
}

// DriverName returns the database/sql driver name.
func (d *DB) DriverName() string {
	return DriverName
}

// Location returns the path of the database file, or an empty string for
// in-memory databases.
func (d *DB) Location() string {
	if isMemory(d.path) {
		return ""
	}
	loc := strings.TrimPrefix(d.path, "file:")
	loc, _, _ = strings.Cut(loc, "?")
	return loc
}

func isMemory(path string) bool {
	return strings.Contains(path, "mode=memory") || strings.Contains(path, ":memory:")
}
