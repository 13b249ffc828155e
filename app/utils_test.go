package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/require"

	actx "go.hackfix.me/syllabus/app/context"
	"go.hackfix.me/syllabus/crypto"
	"go.hackfix.me/syllabus/db"
	"go.hackfix.me/syllabus/db/queries"
)

var timeNow = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func timeNowFn() time.Time {
	return timeNow
}

const migrationsDir = "/migrations"

type testApp struct {
	*App
	fs             vfs.FileSystem
	db             *db.DB
	stdin          *safeBuffer
	stdout, stderr *hookWriter
	env            *mockEnv
	flushOutputs   func() error
}

func newTestApp(ctx context.Context, opts ...Option) (*testApp, error) {
	// A unique name per app, to avoid clashing of in-memory SQLite DBs.
	rndName, err := crypto.RandomData(12)
	if err != nil {
		return nil, err
	}

	// Not using just :memory: to avoid 'no such table' issue.
	// See https://github.com/mattn/go-sqlite3#faq
	d, err := db.Open(ctx,
		fmt.Sprintf("file:syllabus-%x?mode=memory&cache=shared", rndName),
		slog.New(slog.DiscardHandler))
	if err != nil {
		return nil, err
	}

	fs := memoryfs.New()
	if err = fs.MkdirAll(migrationsDir, 0o755); err != nil {
		return nil, err
	}

	var (
		stdin            = newSafeBuffer()
		stdoutW, stderrW = newHookWriter(), newHookWriter()
	)

	env := &mockEnv{env: map[string]string{
		"SYLLABUS_MIGRATIONS_DIR": migrationsDir,
	}}
	opts = append([]Option{
		WithTimeNow(timeNowFn),
		WithEnv(env),
		WithDB(d),
		WithContext(ctx),
		WithFDs(stdin, stdoutW, stderrW),
		WithFS(fs),
		WithLogger(false, false),
	}, opts...)
	app, err := New("syllabus", "/config.json", "/data", opts...)
	if err != nil {
		return nil, err
	}

	tapp := &testApp{
		App: app, fs: fs, db: d, stdout: stdoutW, stderr: stderrW,
		stdin: stdin, env: env,
	}
	tapp.flushOutputs = func() error {
		stdoutW.Reset()
		if _, rerr := stdoutW.ReadFrom(stdoutW.tmp); rerr != nil {
			return rerr
		}
		stdoutW.tmp.Reset()

		stderrW.Reset()
		if _, rerr := stderrW.ReadFrom(stderrW.tmp); rerr != nil {
			return rerr
		}
		stderrW.tmp.Reset()

		return nil
	}

	return tapp, nil
}

// Run executes the CLI with args. The outputs of the previous command are
// replaced with the outputs of this one, even if it fails.
func (ta *testApp) Run(args ...string) error {
	err := ta.App.Run(args)
	if ferr := ta.flushOutputs(); ferr != nil {
		return ferr
	}

	return err
}

func (ta *testApp) writeMigration(t *testing.T, name, content string) {
	t.Helper()
	err := vfs.WriteFile(ta.fs, migrationsDir+"/"+name, []byte(content), 0o644)
	require.NoError(t, err)
}

func (ta *testApp) tables(t *testing.T) []string {
	t.Helper()
	tables, err := queries.Tables(context.Background(), ta.db)
	require.NoError(t, err)

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	return names
}

// lines returns the non-empty lines of s, with repeated whitespace collapsed,
// so that table output can be compared regardless of column widths.
func lines(s string) []string {
	out := []string{}
	for _, l := range strings.Split(s, "\n") {
		if f := strings.Fields(l); len(f) > 0 {
			out = append(out, strings.Join(f, " "))
		}
	}
	return out
}

type mockEnv struct {
	mx  sync.RWMutex
	env map[string]string
}

var _ actx.Environment = (*mockEnv)(nil)

func (me *mockEnv) Get(key string) string {
	me.mx.RLock()
	defer me.mx.RUnlock()
	return me.env[key]
}

func (me *mockEnv) Set(key, val string) error {
	me.mx.Lock()
	defer me.mx.Unlock()
	me.env[key] = val
	return nil
}

func (me *mockEnv) Environ() []string {
	me.mx.RLock()
	defer me.mx.RUnlock()
	environ := make([]string, 0, len(me.env))
	for k, v := range me.env {
		environ = append(environ, k+"="+v)
	}
	return environ
}

// hookWriter is an io.Writer implementation that collects the output of each
// command in a temporary buffer, which is moved to the main buffer once the
// command finishes.
type hookWriter struct {
	*safeBuffer             // main buffer read by tests
	tmp         *safeBuffer // temp buffer written to during each command
}

func newHookWriter() *hookWriter {
	return &hookWriter{safeBuffer: newSafeBuffer(), tmp: newSafeBuffer()}
}

func (hw *hookWriter) Write(p []byte) (n int, err error) {
	return hw.tmp.Write(p)
}

// safeBuffer is a thread-safe buffer.
type safeBuffer struct {
	mx  sync.RWMutex
	buf *bytes.Buffer
}

var _ io.ReadWriter = (*safeBuffer)(nil)

func newSafeBuffer() *safeBuffer {
	return &safeBuffer{buf: &bytes.Buffer{}}
}

func (b *safeBuffer) Read(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Read(p)
}

func (b *safeBuffer) Write(p []byte) (n int, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *safeBuffer) ReadFrom(r io.Reader) (n int64, err error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.ReadFrom(r)
}

func (b *safeBuffer) Reset() {
	b.mx.Lock()
	defer b.mx.Unlock()
	b.buf.Reset()
}

func (b *safeBuffer) String() string {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.buf.String()
}
