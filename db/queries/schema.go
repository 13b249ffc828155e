package queries

import (
	"context"
	"fmt"
	"strings"

	"go.hackfix.me/syllabus/db/types"
)

// Object is a schema object defined in sqlite_master.
type Object struct {
	Type  string
	Name  string
	Table string
	SQL   string
}

// Objects returns the schema objects that can be recreated from their SQL
// definition, in the order they should be recreated: tables, views, indexes
// and triggers, each in creation order. Objects managed by SQLite itself are
// excluded.
func Objects(ctx context.Context, d types.Querier, filter *types.Filter) ([]Object, error) {
	where := types.NewFilter(`sql IS NOT NULL AND name NOT LIKE 'sqlite\_%' ESCAPE '\'`, nil)
	if filter != nil {
		where = where.And(filter)
	}

	rows, err := d.QueryContext(ctx, fmt.Sprintf(
		`SELECT type, name, tbl_name, sql FROM sqlite_master
		WHERE %s
		ORDER BY CASE type
			WHEN 'table' THEN 0 WHEN 'view' THEN 1 WHEN 'index' THEN 2 ELSE 3
		END, rowid`, where.Where), where.Args...)
	if err != nil {
		return nil, types.LoadError{Object: "schema", Err: err}
	}
	defer rows.Close()

	objects := []Object{}
	for rows.Next() {
		var o Object
		if err = rows.Scan(&o.Type, &o.Name, &o.Table, &o.SQL); err != nil {
			return nil, types.ScanError{Object: "schema", Err: err}
		}
		objects = append(objects, o)
	}

	if err = rows.Err(); err != nil {
		return nil, types.LoadError{Object: "schema", Err: err}
	}

	return objects, nil
}

// Tables returns a map of all table names in the database that contain user
// data. Internal tables, whose names start with an underscore or "sqlite_",
// are excluded.
func Tables(ctx context.Context, d types.Querier) (map[string]struct{}, error) {
	objects, err := Objects(ctx, d, types.NewFilter("type = ?", []any{"table"}))
	if err != nil {
		return nil, err
	}

	tables := make(map[string]struct{}, len(objects))
	for _, o := range objects {
		if !strings.HasPrefix(o.Name, "_") {
			tables[o.Name] = struct{}{}
		}
	}

	return tables, nil
}

// HasTable returns true if the table with the given name exists.
func HasTable(ctx context.Context, d types.Querier, name string) (bool, error) {
	var n int
	err := d.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, types.LoadError{Object: fmt.Sprintf("table '%s'", name), Err: err}
	}

	return n > 0, nil
}

// TableRows returns the column names and all rows of a table. Values are
// returned in their SQLite storage class, so text stays text regardless of
// the declared column type.
func TableRows(ctx context.Context, d types.Querier, table string) ([]string, [][]any, error) {
	obj := fmt.Sprintf("table '%s'", table)
	columns, err := tableColumns(ctx, d, table)
	if err != nil {
		return nil, nil, types.LoadError{Object: obj, Err: err}
	}

	// The driver parses text in DATE/DATETIME/TIMESTAMP columns into
	// time.Time. Expressions have no declared type, so it leaves them alone.
	exprs := make([]string, len(columns))
	for i, col := range columns {
		exprs[i] = fmt.Sprintf(
			`CASE typeof(%[1]s) WHEN 'text' THEN CAST(%[1]s AS TEXT) ELSE %[1]s END`,
			QuoteIdent(col))
	}
	rows, err := d.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s`,
		strings.Join(exprs, ", "), QuoteIdent(table)))
	if err != nil {
		return nil, nil, types.LoadError{Object: obj, Err: err}
	}
	defer rows.Close()

	data := [][]any{}
	for rows.Next() {
		row := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range row {
			ptrs[i] = &row[i]
		}
		if err = rows.Scan(ptrs...); err != nil {
			return nil, nil, types.ScanError{Object: obj, Err: err}
		}
		data = append(data, row)
	}

	if err = rows.Err(); err != nil {
		return nil, nil, types.LoadError{Object: obj, Err: err}
	}

	return columns, data, nil
}

func tableColumns(ctx context.Context, d types.Querier, table string) ([]string, error) {
	rows, err := d.QueryContext(ctx, fmt.Sprintf(`SELECT * FROM %s LIMIT 0`, QuoteIdent(table)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return rows.Columns()
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
