package migrator

import (
	"bufio"
	"bytes"
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/syllabus/crypto"
)

// FileExt is the extension of migration files.
const FileExt = ".sql"

const directivePrefix = "-- +migrate"

var (
	// 20250102150405_create_notes
	rxVersionFull = regexp.MustCompile(`^(\d{14})_([\w-]+)$`)
	// 20250102_150405_create_notes
	rxVersionSplit = regexp.MustCompile(`^(\d{8})_(\d{6})_([\w-]+)$`)
)

// ParseFilename extracts the version and name from a migration filename.
// It returns false if the filename doesn't follow either of the supported
// conventions, in which case the file isn't a migration.
func ParseFilename(filename string) (version int64, name string, ok bool) {
	if filepath.Ext(filename) != FileExt {
		return 0, "", false
	}
	stem := strings.TrimSuffix(filename, FileExt)

	var digits string
	if m := rxVersionFull.FindStringSubmatch(stem); m != nil {
		digits, name = m[1], m[2]
	} else if m := rxVersionSplit.FindStringSubmatch(stem); m != nil {
		digits, name = m[1]+m[2], m[3]
	} else {
		return 0, "", false
	}

	version, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, "", false
	}

	return version, name, true
}

// ParseVersion parses a version in either the 14 digit or the date_time form.
func ParseVersion(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if len(s) == 15 && s[8] == '_' {
		s = s[:8] + s[9:]
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid migration version '%s'", s)
	}
	return v, nil
}

// discoverer loads migrations from a directory.
type discoverer struct {
	fs     vfs.FileSystem
	dir    string
	units  map[int64]Unit
	logger *slog.Logger
}

// discover scans the source directory and returns all migrations sorted by
// version. Files that don't follow the naming convention are skipped. The
// content hash of every file is computed on each call.
func (d *discoverer) discover() ([]*Migration, error) {
	if _, isDir, err := stat(d.fs, d.dir); err != nil {
		return nil, fmt.Errorf("failed checking migrations directory '%s': %w", d.dir, err)
	} else if !isDir {
		d.logger.Debug("migrations directory doesn't exist", "path", d.dir)
		return []*Migration{}, nil
	}

	entries, err := vfs.ReadDir(d.fs, d.dir)
	if err != nil {
		return nil, fmt.Errorf("failed reading migrations directory '%s': %w", d.dir, err)
	}

	migrations := make([]*Migration, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version, name, ok := ParseFilename(entry.Name())
		if !ok {
			d.logger.Debug("skipping non-migration file", "file", entry.Name())
			continue
		}

		m, err := d.load(filepath.Join(d.dir, entry.Name()), version, name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, m)
	}

	slices.SortStableFunc(migrations, func(a, b *Migration) int {
		if c := cmp.Compare(a.Version, b.Version); c != 0 {
			return c
		}
		return strings.Compare(a.Path, b.Path)
	})

	return migrations, nil
}

// find returns the migration with the given version, or nil if it doesn't
// exist in the source directory.
func (d *discoverer) find(version int64) (*Migration, error) {
	migrations, err := d.discover()
	if err != nil {
		return nil, err
	}
	for _, m := range migrations {
		if m.Version == version {
			return m, nil
		}
	}
	return nil, nil //nolint:nilnil // Not finding a migration isn't an error here.
}

func (d *discoverer) load(path string, version int64, name string) (*Migration, error) {
	invalid := func(msg string, err error) error {
		return InvalidMigrationError{Version: version, Name: name, Path: path, Msg: msg, Err: err}
	}

	if version == 0 {
		return nil, invalid("version must be greater than 0", nil)
	}

	data, err := vfs.ReadFile(d.fs, path)
	if err != nil {
		return nil, invalid("failed reading file", err)
	}

	src, err := parseSource(data)
	if err != nil {
		return nil, invalid("failed parsing file", err)
	}

	if src.version != 0 && src.version != version {
		return nil, invalid(fmt.Sprintf(
			"version directive %d doesn't match filename version", src.version), nil)
	}

	m := &Migration{
		Version:         version,
		Name:            name,
		Description:     src.description,
		Path:            path,
		Hash:            crypto.ContentHash(data),
		Dependencies:    src.dependencies,
		DataDestructive: src.dataDestructive,
		Risky:           src.risky,
	}
	if m.Description == "" {
		m.Description = strings.ReplaceAll(name, "_", " ")
	}

	upStmts := splitStatements(src.up)
	goUnit, hasGoUnit := d.units[version]
	switch {
	case hasGoUnit && len(upStmts) > 0:
		return nil, invalid("both SQL and a registered unit define the up operation", nil)
	case hasGoUnit && missingUp(goUnit):
		return nil, invalid("missing up operation", nil)
	case hasGoUnit:
		m.Unit = goUnit
	case len(upStmts) > 0:
		m.Unit = &sqlUnit{up: upStmts, down: splitStatements(src.down)}
	default:
		return nil, invalid("missing up operation", nil)
	}

	return m, nil
}

// missingUp returns true if a registered unit has no forward operation.
func missingUp(u Unit) bool {
	switch f := u.(type) {
	case nil:
		return true
	case Funcs:
		return f.UpFn == nil
	case *Funcs:
		return f == nil || f.UpFn == nil
	}
	return false
}

// source is the parsed content of a migration file.
type source struct {
	description     string
	version         int64
	dependencies    []int64
	dataDestructive bool
	risky           bool
	up, down        string
}

func parseSource(data []byte) (*source, error) {
	src := &source{}
	var (
		upBuf, downBuf strings.Builder
		section        *strings.Builder
		seenUp         bool
		seenDown       bool
	)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if !strings.HasPrefix(trimmed, directivePrefix) {
			if section != nil {
				section.WriteString(line)
				section.WriteString("\n")
			}
			continue
		}

		key, value, hasValue := strings.Cut(strings.TrimSpace(trimmed[len(directivePrefix):]), ":")
		value = strings.TrimSpace(value)

		switch normalizeKey(key) {
		case "up":
			if seenUp {
				return nil, fmt.Errorf("line %d: duplicate Up section", lineNum)
			}
			if seenDown {
				return nil, fmt.Errorf("line %d: Up section must come before Down", lineNum)
			}
			seenUp = true
			section = &upBuf
			continue
		case "down":
			if seenDown {
				return nil, fmt.Errorf("line %d: duplicate Down section", lineNum)
			}
			seenDown = true
			section = &downBuf
			continue
		}

		if section != nil {
			return nil, fmt.Errorf("line %d: directive '%s' must appear before the Up section",
				lineNum, strings.TrimSpace(key))
		}

		var err error
		switch normalizeKey(key) {
		case "description":
			src.description = value
		case "version":
			src.version, err = ParseVersion(value)
		case "dependencies", "dependson":
			src.dependencies, err = parseDependencies(value)
		case "datadestructive":
			src.dataDestructive, err = parseFlag(value, hasValue)
		case "risky":
			src.risky, err = parseFlag(value, hasValue)
		default:
			err = fmt.Errorf("unknown directive '%s'", strings.TrimSpace(key))
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNum, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	src.up = upBuf.String()
	src.down = downBuf.String()

	return src, nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(key)
}

func parseFlag(value string, hasValue bool) (bool, error) {
	if !hasValue || value == "" {
		return true, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid boolean value '%s'", value)
	}
	return b, nil
}

func parseDependencies(value string) ([]int64, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || isSpace(r)
	})

	deps := make([]int64, 0, len(fields))
	var errs []error
	for _, f := range fields {
		v, err := ParseVersion(f)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !slices.Contains(deps, v) {
			deps = append(deps, v)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	slices.Sort(deps)

	return deps, nil
}
