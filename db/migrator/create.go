package migrator

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mandelsoft/vfs/pkg/vfs"
)

const versionFormat = "20060102150405"

var rxNonSlug = regexp.MustCompile(`[^a-z0-9]+`)

const migrationTemplate = `-- +migrate Description: %s
-- +migrate Dependencies:
-- +migrate DataDestructive: false
-- +migrate Risky: false

-- +migrate Up
SELECT 1;

-- +migrate Down
SELECT 1;
`

// CreateMigration writes a new migration file to the source directory, with
// a version minted from the current time, and returns its metadata. The Up
// and Down sections hold no-op placeholder statements, so the new file never
// blocks discovery of the other migrations.
func (m *Migrator) CreateMigration(name, description string) (*Migration, error) {
	slug := slugify(name)
	if slug == "" {
		return nil, fmt.Errorf("invalid migration name '%s'", name)
	}
	if description == "" {
		description = strings.ReplaceAll(slug, "_", " ")
	}
	description = strings.Join(strings.Fields(description), " ")

	if err := m.fs.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed creating migrations directory '%s': %w", m.dir, err)
	}

	taken, err := m.takenVersions()
	if err != nil {
		return nil, err
	}

	ts := m.now().Truncate(time.Second)
	var version int64
	for {
		version, err = strconv.ParseInt(ts.Format(versionFormat), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("failed minting migration version: %w", err)
		}
		if _, ok := taken[version]; !ok {
			break
		}
		ts = ts.Add(time.Second)
	}

	path := filepath.Join(m.dir, fmt.Sprintf("%d_%s%s", version, slug, FileExt))
	if err = vfs.WriteFile(m.fs, path, []byte(fmt.Sprintf(migrationTemplate, description)), 0o644); err != nil {
		return nil, fmt.Errorf("failed writing migration file '%s': %w", path, err)
	}

	m.logger.Info("created migration", "version", version, "name", slug, "path", path)

	return &Migration{
		Version:     version,
		Name:        slug,
		Description: description,
		Path:        path,
	}, nil
}

// takenVersions returns the versions used by files in the source directory,
// including files that fail to load.
func (m *Migrator) takenVersions() (map[int64]struct{}, error) {
	entries, err := vfs.ReadDir(m.fs, m.dir)
	if err != nil {
		return nil, fmt.Errorf("failed reading migrations directory '%s': %w", m.dir, err)
	}

	taken := make(map[int64]struct{}, len(entries))
	for _, entry := range entries {
		if version, _, ok := ParseFilename(entry.Name()); ok {
			taken[version] = struct{}{}
		}
	}

	return taken, nil
}

func slugify(name string) string {
	return strings.Trim(rxNonSlug.ReplaceAllString(strings.ToLower(name), "_"), "_")
}
