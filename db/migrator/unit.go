package migrator

import (
	"context"
	"database/sql"
	"log/slog"
	"slices"
	"strings"
	"time"
	"unicode"
)

// Execer is the read/write surface migration bodies run against. It's scoped
// to the transaction of a single migration.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitConfig is passed to every migration body.
type UnitConfig struct {
	Logger *slog.Logger
	Params map[string]string
	Now    time.Time
}

// Unit is the forward operation of a migration.
type Unit interface {
	Up(ctx context.Context, e Execer, cfg UnitConfig) error
}

// Reverser is implemented by units that can be rolled back.
type Reverser interface {
	Down(ctx context.Context, e Execer, cfg UnitConfig) error
}

// Funcs adapts plain functions to a Unit. If DownFn is nil, the unit can't be
// rolled back.
type Funcs struct {
	UpFn   func(ctx context.Context, e Execer, cfg UnitConfig) error
	DownFn func(ctx context.Context, e Execer, cfg UnitConfig) error
}

// Up implements the Unit interface.
func (f Funcs) Up(ctx context.Context, e Execer, cfg UnitConfig) error {
	return f.UpFn(ctx, e, cfg)
}

// Down implements the Reverser interface.
func (f Funcs) Down(ctx context.Context, e Execer, cfg UnitConfig) error {
	if f.DownFn == nil {
		return nil
	}
	return f.DownFn(ctx, e, cfg)
}

func (f Funcs) reversible() bool {
	return f.DownFn != nil
}

// Migration is a versioned, named unit of schema or data changes discovered
// in the migration source directory.
type Migration struct {
	Version         int64
	Name            string
	Description     string
	Path            string
	Hash            string
	Dependencies    []int64
	DataDestructive bool
	Risky           bool
	Unit            Unit
}

// Reversible returns true if the migration defines a backward operation.
func (m *Migration) Reversible() bool {
	if m.Unit == nil {
		return false
	}
	switch u := m.Unit.(type) {
	case *sqlUnit:
		return len(u.down) > 0
	case Funcs:
		return u.reversible()
	case *Funcs:
		return u.reversible()
	}
	_, ok := m.Unit.(Reverser)
	return ok
}

func (m *Migration) down(ctx context.Context, e Execer, cfg UnitConfig) error {
	r, ok := m.Unit.(Reverser)
	if !ok || !m.Reversible() {
		return NoDownOperationError{Version: m.Version, Name: m.Name}
	}
	return r.Down(ctx, e, cfg)
}

// sqlUnit executes the Up and Down sections of a migration file.
type sqlUnit struct {
	up   []string
	down []string
}

var _ Reverser = (*sqlUnit)(nil)

func (u *sqlUnit) Up(ctx context.Context, e Execer, _ UnitConfig) error {
	return execStatements(ctx, e, u.up)
}

func (u *sqlUnit) Down(ctx context.Context, e Execer, _ UnitConfig) error {
	return execStatements(ctx, e, u.down)
}

func execStatements(ctx context.Context, e Execer, stmts []string) error {
	for _, stmt := range stmts {
		if _, err := e.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// splitStatements splits SQL into individual statements on semicolons that
// aren't part of string literals, quoted identifiers or comments. Statements
// that contain only comments are dropped.
func splitStatements(src string) []string {
	var (
		stmts   []string
		cur     strings.Builder
		quote   rune
		hasCode bool
	)

	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" && hasCode {
			stmts = append(stmts, s)
		}
		cur.Reset()
		hasCode = false
	}

	runes := []rune(src)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch {
		case quote != 0:
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
			hasCode = true
			cur.WriteRune(r)
		case r == '-' && i+1 < len(runes) && runes[i+1] == '-':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
			cur.WriteRune('\n')
		case r == '/' && i+1 < len(runes) && runes[i+1] == '*':
			i += 2
			for i+1 < len(runes) && (runes[i] != '*' || runes[i+1] != '/') {
				i++
			}
			i++
			cur.WriteRune(' ')
		case r == ';':
			if inTriggerBody(cur.String()) {
				cur.WriteRune(r)
				continue
			}
			flush()
		default:
			if !isSpace(r) {
				hasCode = true
			}
			cur.WriteRune(r)
		}
	}
	flush()

	return stmts
}

// inTriggerBody returns true if stmt is a CREATE TRIGGER statement whose
// BEGIN ... END block hasn't been closed yet. CASE expressions in the body
// also end with END, so they're counted as well.
func inTriggerBody(stmt string) bool {
	words := strings.FieldsFunc(strings.ToUpper(stmt), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	if len(words) < 2 || words[0] != "CREATE" {
		return false
	}
	if !slices.Contains(words[1:min(4, len(words))], "TRIGGER") {
		return false
	}

	var opened, closed int
	for _, w := range words {
		switch w {
		case "BEGIN", "CASE":
			opened++
		case "END":
			closed++
		}
	}

	return opened > 0 && closed < opened
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}
