package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"go.hackfix.me/syllabus/db/migrator"
	"go.hackfix.me/syllabus/db/queries"
	"go.hackfix.me/syllabus/db/types"
)

// sqliteSequence is the table SQLite uses to track AUTOINCREMENT counters.
// It's created by SQLite itself, so only its rows are exported.
const sqliteSequence = "sqlite_sequence"

// Export returns a logical snapshot of the schema and data of all tables,
// including the migration history.
func (d *DB) Export(ctx context.Context) (*migrator.Snapshot, error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return nil, types.Err("starting export", err)
	}
	//nolint:errcheck // Read-only transaction.
	defer tx.Rollback()

	objects, err := queries.Objects(ctx, tx, nil)
	if err != nil {
		return nil, err
	}

	snap := &migrator.Snapshot{
		Objects: make([]migrator.SchemaObject, 0, len(objects)),
		Tables:  []migrator.TableData{},
	}
	tables := []string{}
	for _, o := range objects {
		snap.Objects = append(snap.Objects, migrator.SchemaObject{
			Type: o.Type, Name: o.Name, Table: o.Table, SQL: o.SQL,
		})
		if o.Type == "table" {
			tables = append(tables, o.Name)
		}
	}

	hasSeq, err := queries.HasTable(ctx, tx, sqliteSequence)
	if err != nil {
		return nil, err
	}
	if hasSeq {
		tables = append(tables, sqliteSequence)
	}

	for _, table := range tables {
		columns, rows, err := queries.TableRows(ctx, tx, table)
		if err != nil {
			return nil, err
		}
		td := migrator.TableData{Name: table, Columns: columns, Rows: make([][]migrator.Cell, len(rows))}
		for i, row := range rows {
			cells := make([]migrator.Cell, len(row))
			for j, v := range row {
				if cells[j], err = migrator.NewCell(v); err != nil {
					return nil, fmt.Errorf("failed exporting table '%s' column '%s': %w",
						table, columns[j], err)
				}
			}
			td.Rows[i] = cells
		}
		snap.Tables = append(snap.Tables, td)
	}

	d.logger.Debug("exported database", "objects", len(snap.Objects), "tables", len(snap.Tables))

	return snap, nil
}

// Import replaces the schema and data of the database with the snapshot,
// within a single transaction. Tables are created and populated before
// indexes, views and triggers are recreated, so triggers don't fire on
// restored rows.
func (d *DB) Import(ctx context.Context, snap *migrator.Snapshot) (err error) {
	tx, err := d.BeginTx(ctx, nil)
	if err != nil {
		return types.Err("starting import", err)
	}
	defer func() {
		if err != nil {
			//nolint:errcheck // The original error is more relevant.
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `PRAGMA defer_foreign_keys = ON`); err != nil {
		return fmt.Errorf("failed deferring foreign key enforcement: %w", err)
	}

	existing, err := queries.Objects(ctx, tx, types.NewFilter("type IN (?, ?)", []any{"view", "table"}))
	if err != nil {
		return err
	}
	// Views first, since they may depend on tables.
	for _, o := range slices.Backward(existing) {
		stmt := fmt.Sprintf(`DROP %s IF EXISTS %s`, strings.ToUpper(o.Type), queries.QuoteIdent(o.Name))
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return types.Err(fmt.Sprintf("dropping %s '%s'", o.Type, o.Name), err)
		}
	}

	for _, o := range snap.Objects {
		if o.Type != "table" {
			continue
		}
		if _, err = tx.ExecContext(ctx, o.SQL); err != nil {
			return types.Err(fmt.Sprintf("creating table '%s'", o.Name), err)
		}
	}

	for _, td := range snap.Tables {
		if err = insertRows(ctx, tx, td); err != nil {
			return err
		}
	}

	for _, o := range snap.Objects {
		if o.Type == "table" {
			continue
		}
		if _, err = tx.ExecContext(ctx, o.SQL); err != nil {
			return types.Err(fmt.Sprintf("creating %s '%s'", o.Type, o.Name), err)
		}
	}

	if err = tx.Commit(); err != nil {
		return types.Err("committing import", err)
	}

	d.logger.Debug("imported database", "objects", len(snap.Objects), "tables", len(snap.Tables))

	return nil
}

func insertRows(ctx context.Context, q types.Querier, td migrator.TableData) error {
	if td.Name == sqliteSequence {
		// Recreating AUTOINCREMENT tables populates it.
		if _, err := q.ExecContext(ctx, `DELETE FROM sqlite_sequence`); err != nil {
			return types.Err("resetting AUTOINCREMENT counters", err)
		}
	}
	if len(td.Rows) == 0 {
		return nil
	}

	cols := make([]string, len(td.Columns))
	for i, c := range td.Columns {
		cols[i] = queries.QuoteIdent(c)
	}
	stmt := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s)`, queries.QuoteIdent(td.Name),
		strings.Join(cols, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", "))

	for i, row := range td.Rows {
		if len(row) != len(td.Columns) {
			return fmt.Errorf("table '%s' row %d has %d values, expected %d",
				td.Name, i, len(row), len(td.Columns))
		}
		args := make([]any, len(row))
		for j, cell := range row {
			v, err := cell.Value()
			if err != nil {
				return fmt.Errorf("table '%s' row %d column '%s': %w", td.Name, i, td.Columns[j], err)
			}
			args[j] = v
		}
		if _, err := q.ExecContext(ctx, stmt, args...); err != nil {
			return types.Err(fmt.Sprintf("restoring table '%s'", td.Name), err)
		}
	}

	return nil
}
