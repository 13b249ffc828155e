package migrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

const (
	historyTable  = "_migrations"
	rollbackTable = "_rollbacks"
)

func init() {
	// The pure-Go SQLite driver registers itself as "sqlite", which sqlx
	// doesn't know about.
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// MigrationRecord is the history entry of an applied migration.
type MigrationRecord struct {
	Version     int64
	Name        string
	ContentHash string
	AppliedAt   time.Time
}

// RollbackRecord is the audit entry of a rolled back migration.
type RollbackRecord struct {
	ID           int64
	Version      int64
	Name         string
	RolledBackAt time.Time
}

type migrationRow struct {
	Version     int64  `db:"version"`
	Name        string `db:"name"`
	ContentHash string `db:"content_hash"`
	AppliedAt   int64  `db:"applied_at"`
}

func (r migrationRow) record() MigrationRecord {
	return MigrationRecord{
		Version:     r.Version,
		Name:        r.Name,
		ContentHash: r.ContentHash,
		AppliedAt:   time.Unix(0, r.AppliedAt).UTC(),
	}
}

type rollbackRow struct {
	ID           int64  `db:"id"`
	Version      int64  `db:"version"`
	Name         string `db:"name"`
	RolledBackAt int64  `db:"rolled_back_at"`
}

func (r rollbackRow) record() RollbackRecord {
	return RollbackRecord{
		ID:           r.ID,
		Version:      r.Version,
		Name:         r.Name,
		RolledBackAt: time.Unix(0, r.RolledBackAt).UTC(),
	}
}

// history persists migration and rollback records in the backend.
type history struct {
	db *sqlx.DB
}

func (h *history) init(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			version      INTEGER PRIMARY KEY,
			name         TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			applied_at   INTEGER NOT NULL
		)`, historyTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id             INTEGER PRIMARY KEY,
			version        INTEGER NOT NULL,
			name           TEXT NOT NULL,
			rolled_back_at INTEGER NOT NULL
		)`, rollbackTable),
	}
	for _, stmt := range stmts {
		if _, err := h.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed creating migration history tables: %w", err)
		}
	}

	return nil
}

// migrations returns all applied migrations, in the order they were applied.
func (h *history) migrations(ctx context.Context) ([]MigrationRecord, error) {
	var rows []migrationRow
	err := h.db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT version, name, content_hash, applied_at FROM %s
		ORDER BY applied_at ASC, version ASC`, historyTable))
	if err != nil {
		return nil, fmt.Errorf("failed loading migration history: %w", err)
	}

	records := make([]MigrationRecord, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}

	return records, nil
}

// rollbacks returns the rollback audit trail, oldest first.
func (h *history) rollbacks(ctx context.Context) ([]RollbackRecord, error) {
	var rows []rollbackRow
	err := h.db.SelectContext(ctx, &rows, fmt.Sprintf(
		`SELECT id, version, name, rolled_back_at FROM %s
		ORDER BY rolled_back_at ASC, id ASC`, rollbackTable))
	if err != nil {
		return nil, fmt.Errorf("failed loading rollback history: %w", err)
	}

	records := make([]RollbackRecord, len(rows))
	for i, r := range rows {
		records[i] = r.record()
	}

	return records, nil
}

// currentVersion returns the version of the most recently applied migration,
// or 0 if no migrations were applied.
func (h *history) currentVersion(ctx context.Context) (int64, error) {
	var version int64
	err := h.db.GetContext(ctx, &version, fmt.Sprintf(
		`SELECT version FROM %s ORDER BY applied_at DESC, version DESC LIMIT 1`, historyTable))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed loading current schema version: %w", err)
	}

	return version, nil
}

func insertRecord(ctx context.Context, tx *sqlx.Tx, rec MigrationRecord) error {
	_, err := tx.NamedExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (version, name, content_hash, applied_at)
		VALUES (:version, :name, :content_hash, :applied_at)`, historyTable),
		migrationRow{
			Version:     rec.Version,
			Name:        rec.Name,
			ContentHash: rec.ContentHash,
			AppliedAt:   rec.AppliedAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("failed recording migration %d: %w", rec.Version, err)
	}

	return nil
}

func removeRecord(ctx context.Context, tx *sqlx.Tx, version int64) error {
	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE version = ?`, historyTable), version)
	if err != nil {
		return fmt.Errorf("failed removing migration %d from history: %w", version, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed getting affected rows: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected to remove 1 history record for migration %d, removed %d",
			version, n)
	}

	return nil
}

func appendRollback(ctx context.Context, tx *sqlx.Tx, rec *RollbackRecord) error {
	res, err := tx.NamedExecContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (id, version, name, rolled_back_at)
		VALUES (NULL, :version, :name, :rolled_back_at)`, rollbackTable),
		rollbackRow{
			Version:      rec.Version,
			Name:         rec.Name,
			RolledBackAt: rec.RolledBackAt.UnixNano(),
		})
	if err != nil {
		return fmt.Errorf("failed recording rollback of migration %d: %w", rec.Version, err)
	}

	rec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert ID: %w", err)
	}

	return nil
}
