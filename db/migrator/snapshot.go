package migrator

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Backend is the storage the engine migrates. Migration bodies and history
// writes run against Handle; Export and Import are used for backups, and must
// capture and replace the full logical state, including the history tables.
type Backend interface {
	Handle() *sql.DB
	// DriverName is the database/sql driver name, and identifies the backend
	// in backups.
	DriverName() string
	// Location is where the backend stores its data. It may be empty for
	// in-memory backends.
	Location() string
	Export(ctx context.Context) (*Snapshot, error)
	Import(ctx context.Context, s *Snapshot) error
}

// Snapshot is a backend-agnostic logical export of the full backend state.
type Snapshot struct {
	Objects []SchemaObject `json:"objects"`
	Tables  []TableData    `json:"tables"`
}

// SchemaObject is a schema definition, such as a table, index, trigger or
// view, in the order it should be recreated.
type SchemaObject struct {
	Type  string `json:"type"`
	Name  string `json:"name"`
	Table string `json:"table"`
	SQL   string `json:"sql"`
}

// TableData holds all rows of a single table.
type TableData struct {
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    [][]Cell `json:"rows"`
}

// CellKind is the storage class of a Cell.
type CellKind string

// Cell kinds.
const (
	CellNull CellKind = "null"
	CellInt  CellKind = "int"
	CellReal CellKind = "real"
	CellText CellKind = "text"
	CellBlob CellKind = "blob"
	CellTime CellKind = "time"
)

// Cell is a single typed column value. The explicit kind keeps integers and
// binary data intact through JSON serialization.
type Cell struct {
	Kind CellKind `json:"k"`
	Int  int64    `json:"i,omitempty"`
	Real float64  `json:"r,omitempty"`
	Text string   `json:"s,omitempty"`
	Blob []byte   `json:"b,omitempty"`
}

// NewCell converts a value scanned from the database into a Cell.
func NewCell(v any) (Cell, error) {
	switch val := v.(type) {
	case nil:
		return Cell{Kind: CellNull}, nil
	case int64:
		return Cell{Kind: CellInt, Int: val}, nil
	case int:
		return Cell{Kind: CellInt, Int: int64(val)}, nil
	case bool:
		var i int64
		if val {
			i = 1
		}
		return Cell{Kind: CellInt, Int: i}, nil
	case float64:
		return Cell{Kind: CellReal, Real: val}, nil
	case string:
		return Cell{Kind: CellText, Text: val}, nil
	case []byte:
		return Cell{Kind: CellBlob, Blob: append([]byte{}, val...)}, nil
	case time.Time:
		// Only for backends that can't return the stored value as text.
		return Cell{Kind: CellTime, Text: val.Format(time.RFC3339Nano)}, nil
	default:
		return Cell{}, fmt.Errorf("unsupported value type %T", v)
	}
}

// Value returns the value to bind when inserting the cell.
func (c Cell) Value() (any, error) {
	switch c.Kind {
	case CellNull:
		return nil, nil
	case CellInt:
		return c.Int, nil
	case CellReal:
		return c.Real, nil
	case CellText:
		return c.Text, nil
	case CellBlob:
		if c.Blob == nil {
			return []byte{}, nil
		}
		return c.Blob, nil
	case CellTime:
		t, err := time.Parse(time.RFC3339Nano, c.Text)
		if err != nil {
			return nil, fmt.Errorf("invalid time value '%s': %w", c.Text, err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown cell kind '%s'", c.Kind)
	}
}
