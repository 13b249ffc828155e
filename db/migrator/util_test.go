package migrator_test

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/syllabus/crypto"
	"go.hackfix.me/syllabus/db"
	"go.hackfix.me/syllabus/db/migrator"
	"go.hackfix.me/syllabus/db/queries"
)

const (
	migrationsDir = "/migrations"
	backupDir     = "/backups"
)

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock returns increasing times, one second apart, so that history
// records are ordered by the time they were created.
type testClock struct {
	mx sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

type testEnv struct {
	ctx context.Context
	fs  vfs.FileSystem
	db  *db.DB
	m   *migrator.Migrator
}

func newTestEnv(t *testing.T, files map[string]string, opts ...migrator.Option) *testEnv {
	t.Helper()

	ctx := context.Background()

	// A unique name per test, to avoid clashing of in-memory SQLite DBs.
	rndName, err := crypto.RandomData(12)
	require.NoError(t, err)

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	d, err := db.Open(ctx,
		fmt.Sprintf("file:syllabus-%x?mode=memory&cache=shared", rndName),
		slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	fs := memoryfs.New()
	require.NoError(t, fs.MkdirAll(migrationsDir, 0o755))
	for name, content := range files {
		writeFile(t, fs, name, content)
	}

	clock := &testClock{t: timeNow}
	opts = append([]migrator.Option{
		migrator.WithBackupDir(backupDir),
		migrator.WithLogger(slog.New(slog.DiscardHandler)),
		migrator.WithTimeNow(clock.Now),
	}, opts...)

	m, err := migrator.New(ctx, d, fs, migrationsDir, opts...)
	require.NoError(t, err)

	return &testEnv{ctx: ctx, fs: fs, db: d, m: m}
}

func writeFile(t *testing.T, fs vfs.FileSystem, name, content string) {
	t.Helper()
	err := vfs.WriteFile(fs, filepath.Join(migrationsDir, name), []byte(content), 0o644)
	require.NoError(t, err)
}

func (e *testEnv) tables(t *testing.T) []string {
	t.Helper()
	tables, err := queries.Tables(e.ctx, e.db)
	require.NoError(t, err)
	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	return names
}

func (e *testEnv) appliedVersions(t *testing.T) []int64 {
	t.Helper()
	records, err := e.m.MigrationHistory(e.ctx)
	require.NoError(t, err)
	versions := make([]int64, len(records))
	for i, rec := range records {
		versions[i] = rec.Version
	}
	return versions
}

func (e *testEnv) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	err := e.db.QueryRowContext(e.ctx,
		fmt.Sprintf("SELECT COUNT(*) FROM %s", queries.QuoteIdent(table))).Scan(&n)
	require.NoError(t, err)
	return n
}

func recordVersions(records []migrator.RollbackRecord) []int64 {
	versions := make([]int64, len(records))
	for i, rec := range records {
		versions[i] = rec.Version
	}
	return versions
}

// Migration files shared by tests.
var (
	migUsers = `-- +migrate Description: Create users
-- +migrate Up
CREATE TABLE users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL,
  avatar BLOB
);
INSERT INTO users (name) VALUES ('alice');

-- +migrate Down
DROP TABLE users;
`
	migNotes = `-- +migrate Dependencies: 20250101000001
-- +migrate Up
CREATE TABLE notes (
  id INTEGER PRIMARY KEY,
  user_id INTEGER NOT NULL REFERENCES users (id),
  body TEXT
);
CREATE INDEX notes_user_idx ON notes (user_id);

-- +migrate Down
DROP TABLE notes;
`
	migTags = `-- +migrate DataDestructive: true
-- +migrate Up
CREATE TABLE tags (name TEXT PRIMARY KEY);
INSERT INTO tags (name) VALUES ('go'), ('sql');

-- +migrate Down
DROP TABLE tags;
`
)

const (
	vUsers int64 = 20250101000001
	vNotes int64 = 20250101000002
	vTags  int64 = 20250101000003
)

func baseFiles() map[string]string {
	return map[string]string{
		"20250101000001_create_users.sql": migUsers,
		"20250101000002_create_notes.sql": migNotes,
		"20250101000003_create_tags.sql":  migTags,
	}
}
