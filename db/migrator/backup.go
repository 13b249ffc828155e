package migrator

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/attribute"

	"go.hackfix.me/syllabus/crypto"
)

// BackupExt is the extension of backup files.
const BackupExt = ".backup.json"

const backupTimeFormat = "20060102T150405.000000000Z"

// Backup describes a snapshot of the full backend state written to a file.
type Backup struct {
	ID            string    `json:"id"`
	Path          string    `json:"-"`
	Backend       string    `json:"backend"`
	Location      string    `json:"location"`
	SchemaVersion int64     `json:"schema_version"`
	CreatedAt     time.Time `json:"created_at"`
	// Checksum is the BLAKE2b-256 checksum of the serialized snapshot.
	Checksum string `json:"checksum"`
}

type backupFile struct {
	Backup
	Snapshot json.RawMessage `json:"snapshot"`
}

// backupManager creates, restores and manages backup files.
type backupManager struct {
	fs      vfs.FileSystem
	backend Backend
	hist    *history
	dir     string
	timeNow func() time.Time
	logger  *slog.Logger
}

// dirPath returns the directory backups are written to.
func (bm *backupManager) dirPath() (string, error) {
	if bm.dir != "" {
		return bm.dir, nil
	}
	loc := bm.backend.Location()
	if loc == "" {
		return "", errors.New("backup directory isn't configured, and the backend has no storage location")
	}
	return filepath.Join(filepath.Dir(loc), "backups"), nil
}

// defaultPath returns an unused timestamped path in the backup directory.
func (bm *backupManager) defaultPath(createdAt time.Time) (string, error) {
	dir, err := bm.dirPath()
	if err != nil {
		return "", err
	}

	base := bm.backend.DriverName()
	if loc := bm.backend.Location(); loc != "" {
		base = strings.TrimSuffix(filepath.Base(loc), filepath.Ext(loc))
	}
	stem := fmt.Sprintf("%s-%s", base, createdAt.UTC().Format(backupTimeFormat))

	path := filepath.Join(dir, stem+BackupExt)
	for i := 1; ; i++ {
		exists, _, err := stat(bm.fs, path)
		if err != nil {
			return "", fmt.Errorf("failed checking backup path '%s': %w", path, err)
		}
		if !exists {
			return path, nil
		}
		path = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, BackupExt))
	}
}

// create exports the backend state and writes it to path. If path is empty,
// a timestamped file is created in the backup directory.
func (bm *backupManager) create(ctx context.Context, path string) (b *Backup, err error) {
	ctx, span := tracer.Start(ctx, "migrator.backup")
	defer func() { endSpan(span, err) }()

	createdAt := bm.timeNow()
	if path == "" {
		if path, err = bm.defaultPath(createdAt); err != nil {
			return nil, err
		}
	}

	version, err := bm.hist.currentVersion(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := bm.backend.Export(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed exporting backend state: %w", err)
	}
	snapData, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("failed serializing snapshot: %w", err)
	}

	b = &Backup{
		ID:            cuid2.Generate(),
		Path:          path,
		Backend:       bm.backend.DriverName(),
		Location:      bm.backend.Location(),
		SchemaVersion: version,
		CreatedAt:     createdAt,
		Checksum:      crypto.Checksum(snapData),
	}

	data, err := json.MarshalIndent(backupFile{Backup: *b, Snapshot: snapData}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed serializing backup: %w", err)
	}

	if err = bm.fs.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed creating backup directory: %w", err)
	}
	if err = vfs.WriteFile(bm.fs, path, data, 0o600); err != nil {
		return nil, fmt.Errorf("failed writing backup file '%s': %w", path, err)
	}

	span.SetAttributes(attribute.String("backup.path", path))
	bm.logger.Info("created backup", "backup", path, "schema_version", version)

	return b, nil
}

// load reads the backup at path, and verifies the checksum of its snapshot.
func (bm *backupManager) load(path string) (*Backup, *Snapshot, error) {
	data, err := vfs.ReadFile(bm.fs, path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed reading backup file '%s': %w", path, err)
	}

	var bf backupFile
	if err = json.Unmarshal(data, &bf); err != nil {
		return nil, nil, fmt.Errorf("failed parsing backup file '%s': %w", path, err)
	}
	bf.Path = path

	if !cuid2.IsCuid(bf.ID) {
		return nil, nil, fmt.Errorf("invalid backup file '%s': invalid ID '%s'", path, bf.ID)
	}

	// The snapshot is indented within the file, but checksummed compact.
	var snapData bytes.Buffer
	if err = json.Compact(&snapData, bf.Snapshot); err != nil {
		return nil, nil, fmt.Errorf("failed parsing backup snapshot '%s': %w", path, err)
	}
	if !crypto.VerifyChecksum(snapData.Bytes(), bf.Checksum) {
		return nil, nil, fmt.Errorf("invalid backup file '%s': checksum mismatch", path)
	}

	var snap Snapshot
	if err = json.Unmarshal(snapData.Bytes(), &snap); err != nil {
		return nil, nil, fmt.Errorf("failed parsing backup snapshot '%s': %w", path, err)
	}

	return &bf.Backup, &snap, nil
}

// restore replaces the backend state with the snapshot in the backup at path.
// Unless force is true, the backup must have been taken at the current schema
// version.
func (bm *backupManager) restore(ctx context.Context, path string, force bool) (b *Backup, err error) {
	ctx, span := tracer.Start(ctx, "migrator.restore")
	defer func() { endSpan(span, err) }()

	b, snap, err := bm.load(path)
	if err != nil {
		return nil, err
	}

	current, err := bm.hist.currentVersion(ctx)
	if err != nil {
		return nil, err
	}
	if b.SchemaVersion != current {
		if !force {
			return nil, VersionMismatchError{BackupVersion: b.SchemaVersion, CurrentVersion: current}
		}
		bm.logger.Warn("restoring backup with different schema version",
			"backup", path, "backup_version", b.SchemaVersion, "current_version", current)
	}

	if err = bm.backend.Import(ctx, snap); err != nil {
		return nil, fmt.Errorf("failed importing backup '%s': %w", path, err)
	}
	// Backups taken with other tools may lack the history tables.
	if err = bm.hist.init(ctx); err != nil {
		return nil, err
	}

	bm.logger.Info("restored backup", "backup", path, "schema_version", b.SchemaVersion)

	return b, nil
}

// list returns the valid backups in the backup directory, newest first.
func (bm *backupManager) list() ([]*Backup, error) {
	dir, err := bm.dirPath()
	if err != nil {
		return nil, err
	}
	if _, isDir, err := stat(bm.fs, dir); err != nil {
		return nil, fmt.Errorf("failed checking backup directory '%s': %w", dir, err)
	} else if !isDir {
		return []*Backup{}, nil
	}

	entries, err := vfs.ReadDir(bm.fs, dir)
	if err != nil {
		return nil, fmt.Errorf("failed reading backup directory '%s': %w", dir, err)
	}

	backups := make([]*Backup, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), BackupExt) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		b, _, err := bm.load(path)
		if err != nil {
			bm.logger.Warn("skipping invalid backup", "backup", path, "error", err)
			continue
		}
		backups = append(backups, b)
	}

	slices.SortStableFunc(backups, func(a, b *Backup) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.Path, a.Path)
	})

	return backups, nil
}

// prune removes backups created more than olderThan ago.
func (bm *backupManager) prune(olderThan time.Duration) ([]*Backup, error) {
	backups, err := bm.list()
	if err != nil {
		return nil, err
	}

	cutoff := bm.timeNow().Add(-olderThan)
	removed := []*Backup{}
	for _, b := range backups {
		if !b.CreatedAt.Before(cutoff) {
			continue
		}
		if err = bm.fs.Remove(b.Path); err != nil {
			return removed, fmt.Errorf("failed removing backup '%s': %w", b.Path, err)
		}
		bm.logger.Debug("removed backup", "backup", b.Path)
		removed = append(removed, b)
	}

	return removed, nil
}

// Backup writes a snapshot of the full backend state to path. If path is
// empty, a timestamped file is created in the backup directory.
func (m *Migrator) Backup(ctx context.Context, path string) (*Backup, error) {
	g, err := m.lock.acquire("create backup", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	return m.backups.create(ctx, path)
}

// Restore replaces the full backend state with the backup at path. It fails
// with VersionMismatchError if the backup was taken at a different schema
// version than the current one, unless force is true.
func (m *Migrator) Restore(ctx context.Context, path string, force bool) (*Backup, error) {
	g, err := m.lock.acquire("restore backup", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	return m.backups.restore(ctx, path, force)
}

// Backups returns the backups in the backup directory, newest first.
func (m *Migrator) Backups() ([]*Backup, error) {
	return m.backups.list()
}

// PruneBackups removes backups created more than olderThan ago, and returns
// the removed ones.
func (m *Migrator) PruneBackups(olderThan time.Duration) ([]*Backup, error) {
	if olderThan < 0 {
		return nil, fmt.Errorf("invalid backup age '%s'", olderThan)
	}

	g, err := m.lock.acquire("prune backups", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	return m.backups.prune(olderThan)
}
