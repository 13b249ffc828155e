package migrator

import (
	"cmp"
	"context"
	"errors"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mandelsoft/vfs/pkg/vfs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("go.hackfix.me/syllabus/db/migrator")

// Migrator discovers, applies and rolls back migrations against a Backend.
// Mutating operations are serialized by an exclusive lock, and fail
// immediately with LockContentionError if another one is in progress.
type Migrator struct {
	backend   Backend
	fs        vfs.FileSystem
	dir       string
	backupDir string
	units     map[int64]Unit
	params    map[string]string
	logger    *slog.Logger
	timeNow   func() time.Time

	lock    lock
	hist    *history
	disc    *discoverer
	backups *backupManager
}

// Option is a function that allows configuring the Migrator.
type Option func(*Migrator)

// WithBackupDir sets the directory where backups are written. By default
// backups are stored in a "backups" directory next to the backend's storage
// location.
func WithBackupDir(dir string) Option {
	return func(m *Migrator) {
		m.backupDir = dir
	}
}

// WithLogger sets the logger used by the Migrator.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Migrator) {
		m.logger = logger
	}
}

// WithParams sets the parameters passed to migration bodies.
func WithParams(params map[string]string) Option {
	return func(m *Migrator) {
		m.params = maps.Clone(params)
	}
}

// WithTimeNow sets the function used to retrieve the current time.
func WithTimeNow(timeNowFn func() time.Time) Option {
	return func(m *Migrator) {
		m.timeNow = timeNowFn
	}
}

// WithUnits registers migration bodies implemented in Go. The migration file
// with the matching version must exist, and must have an empty Up section.
func WithUnits(units map[int64]Unit) Option {
	return func(m *Migrator) {
		maps.Copy(m.units, units)
	}
}

// New returns a new Migrator that loads migrations from dir on fs, and
// creates the history tables in the backend if they don't exist.
func New(ctx context.Context, backend Backend, fs vfs.FileSystem, dir string, opts ...Option) (*Migrator, error) {
	if backend == nil {
		return nil, errors.New("migration backend is required")
	}
	if fs == nil {
		return nil, errors.New("filesystem is required")
	}

	m := &Migrator{
		backend: backend,
		fs:      fs,
		dir:     dir,
		units:   map[int64]Unit{},
		logger:  slog.Default(),
		timeNow: time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	m.hist = &history{db: sqlx.NewDb(backend.Handle(), backend.DriverName())}
	m.disc = &discoverer{fs: fs, dir: dir, units: m.units, logger: m.logger}
	m.backups = &backupManager{
		fs: fs, backend: backend, hist: m.hist, dir: m.backupDir,
		timeNow: m.now, logger: m.logger,
	}

	if err := m.hist.init(ctx); err != nil {
		return nil, err
	}

	return m, nil
}

// Dir returns the migration source directory.
func (m *Migrator) Dir() string {
	return m.dir
}

// Discover returns all migrations in the source directory, sorted by version.
func (m *Migrator) Discover() ([]*Migration, error) {
	return m.disc.discover()
}

// RunResult is the outcome of RunMigrations.
type RunResult struct {
	Applied []MigrationRecord
	Backups []*Backup
}

// RunMigrations applies all pending migrations in ascending version order. It
// stops at the first failure; migrations applied before it stay applied. The
// returned result describes what was done, even when an error is returned.
func (m *Migrator) RunMigrations(ctx context.Context) (res *RunResult, err error) {
	g, err := m.lock.acquire("run migrations", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	ctx, span := tracer.Start(ctx, "migrator.RunMigrations")
	defer func() { endSpan(span, err) }()

	res = &RunResult{}

	migrations, err := m.disc.discover()
	if err != nil {
		return res, err
	}
	if err = validateSet(migrations); err != nil {
		return res, err
	}

	records, err := m.hist.migrations(ctx)
	if err != nil {
		return res, err
	}
	applied := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		applied[rec.Version] = struct{}{}
	}

	pending := pendingOf(migrations, applied)
	if len(pending) == 0 {
		m.logger.Debug("no pending migrations")
		return res, nil
	}

	m.logger.Info("applying migrations", "count", len(pending))
	for _, mig := range pending {
		var (
			rec    *MigrationRecord
			backup *Backup
		)
		rec, backup, err = m.apply(ctx, mig, applied)
		if backup != nil {
			res.Backups = append(res.Backups, backup)
		}
		if err != nil {
			return res, err
		}
		if rec == nil {
			continue
		}
		res.Applied = append(res.Applied, *rec)
		applied[mig.Version] = struct{}{}
	}
	span.SetAttributes(attribute.Int("migrations.applied", len(res.Applied)))

	return res, nil
}

// Pending returns the migrations that haven't been applied yet.
func (m *Migrator) Pending(ctx context.Context) ([]*Migration, error) {
	migrations, err := m.disc.discover()
	if err != nil {
		return nil, err
	}
	records, err := m.hist.migrations(ctx)
	if err != nil {
		return nil, err
	}
	applied := make(map[int64]struct{}, len(records))
	for _, rec := range records {
		applied[rec.Version] = struct{}{}
	}

	return pendingOf(migrations, applied), nil
}

// MigrationStatus describes the state of a single migration. Migration is nil
// if the migration was applied but its file no longer exists, and Record is
// nil if the migration is pending.
type MigrationStatus struct {
	Migration *Migration
	Record    *MigrationRecord
	// Drifted is true if the migration file changed after it was applied.
	Drifted bool
}

// Version returns the version of the migration.
func (s MigrationStatus) Version() int64 {
	if s.Migration != nil {
		return s.Migration.Version
	}
	return s.Record.Version
}

// Status returns the state of all discovered and applied migrations, sorted
// by version.
func (m *Migrator) Status(ctx context.Context) ([]MigrationStatus, error) {
	migrations, err := m.disc.discover()
	if err != nil {
		return nil, err
	}
	records, err := m.hist.migrations(ctx)
	if err != nil {
		return nil, err
	}

	byVersion := make(map[int64]*MigrationRecord, len(records))
	for i := range records {
		byVersion[records[i].Version] = &records[i]
	}

	status := make([]MigrationStatus, 0, len(migrations))
	for _, mig := range migrations {
		st := MigrationStatus{Migration: mig}
		if rec, ok := byVersion[mig.Version]; ok {
			st.Record = rec
			st.Drifted = rec.ContentHash != mig.Hash
			delete(byVersion, mig.Version)
		}
		status = append(status, st)
	}
	for _, rec := range byVersion {
		status = append(status, MigrationStatus{Record: rec})
	}
	sortStatus(status)

	return status, nil
}

// MigrationHistory returns the records of applied migrations, ordered by the
// time they were applied.
func (m *Migrator) MigrationHistory(ctx context.Context) ([]MigrationRecord, error) {
	return m.hist.migrations(ctx)
}

// RollbackHistory returns the rollback audit trail, ordered by the time the
// rollbacks happened.
func (m *Migrator) RollbackHistory(ctx context.Context) ([]RollbackRecord, error) {
	return m.hist.rollbacks(ctx)
}

// CurrentVersion returns the schema version of the backend, i.e. the version
// of the most recently applied migration, or 0 if none were applied.
func (m *Migrator) CurrentVersion(ctx context.Context) (int64, error) {
	return m.hist.currentVersion(ctx)
}

func (m *Migrator) now() time.Time {
	return m.timeNow().UTC()
}

func (m *Migrator) unitConfig(mig *Migration) UnitConfig {
	return UnitConfig{
		Logger: m.logger.With("version", mig.Version, "name", mig.Name),
		Params: maps.Clone(m.params),
		Now:    m.now(),
	}
}

func pendingOf(migrations []*Migration, applied map[int64]struct{}) []*Migration {
	pending := make([]*Migration, 0, len(migrations))
	for _, mig := range migrations {
		if _, ok := applied[mig.Version]; !ok {
			pending = append(pending, mig)
		}
	}
	return pending
}

func migrationAttrs(mig *Migration) trace.SpanStartOption {
	return trace.WithAttributes(
		attribute.Int64("migration.version", mig.Version),
		attribute.String("migration.name", mig.Name),
	)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func sortStatus(status []MigrationStatus) {
	slices.SortStableFunc(status, func(a, b MigrationStatus) int {
		return cmp.Compare(a.Version(), b.Version())
	})
}
