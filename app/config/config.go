package config

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"maps"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/mandelsoft/vfs/pkg/vfs"

	"go.hackfix.me/syllabus/xtime"
)

// Config represents the application configuration, backed by a filesystem for
// persistence.
type Config struct {
	Database   Database
	Migrations Migrations
	Backup     Backup

	fs   vfs.FileSystem
	path string
}

// NewConfig creates a new Config instance with the specified filesystem
// and configuration file path.
func NewConfig(fs vfs.FileSystem, path string) *Config {
	return &Config{fs: fs, path: path}
}

// Load reads and parses the configuration file from the filesystem.
// If the file doesn't exist, it initializes with an empty configuration.
func (c *Config) Load() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed creating configuration directory: %w", err)
	}

	configJSON, err := vfs.ReadFile(c.fs, c.path)
	if err != nil && !vfs.IsErrNotExist(err) {
		return fmt.Errorf("failed reading configuration file: %w", err)
	}

	// Ensure that unmarshalling JSON doesn't fail if the file doesn't exist or is empty.
	if len(configJSON) == 0 {
		configJSON = []byte("{}")
	}

	if err = json.Unmarshal(configJSON, c); err != nil {
		return fmt.Errorf("failed parsing configuration file: %w", err)
	}

	return nil
}

// Path returns the filesystem path where the configuration is stored.
func (c *Config) Path() string {
	return c.path
}

// Save writes the current configuration to the filesystem as JSON.
func (c *Config) Save() error {
	if err := c.fs.MkdirAll(filepath.Dir(c.path), 0o755); err != nil {
		return fmt.Errorf("failed creating configuration directory: %w", err)
	}
	configJSON, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed serializing configuration data: %w", err)
	}
	if err = vfs.WriteFile(c.fs, c.path, configJSON, 0o644); err != nil {
		return fmt.Errorf("failed writing configuration file: %w", err)
	}

	return nil
}

// Database defines options of the database migrations are applied to.
type Database struct {
	// Path is the path of the SQLite database file.
	Path sql.Null[string] `json:"path"`
}

// Migrations defines options of the migration source.
type Migrations struct {
	// Dir is the directory migration files are loaded from, and created in.
	Dir sql.Null[string] `json:"dir"`
	// Params are passed to migration bodies implemented in Go.
	Params map[string]string `json:"params"`
}

// Backup defines options of database backups.
type Backup struct {
	// Dir is the directory backups are written to.
	Dir sql.Null[string] `json:"dir"`
	// Retention is the age after which backups are removed by 'backup prune',
	// unless overridden on the command line.
	// It serializes from/to xtime.Duration string values. Minimum value: 1 hour.
	Retention sql.Null[time.Duration] `json:"retention"`
}

type cfgWrapper struct {
	Database   dbCfgWrapper     `json:"database"`
	Migrations migCfgWrapper    `json:"migrations"`
	Backup     backupCfgWrapper `json:"backup"`
}
type dbCfgWrapper struct {
	Path string `json:"path,omitempty"`
}
type migCfgWrapper struct {
	Dir    string            `json:"dir,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}
type backupCfgWrapper struct {
	Dir       string `json:"dir,omitempty"`
	Retention string `json:"retention,omitempty"`
}

// MarshalJSON implements custom JSON marshaling to convert sql.Null values
// to their underlying types, omitting invalid/null fields from the output.
func (c Config) MarshalJSON() ([]byte, error) {
	w := cfgWrapper{}

	if c.Database.Path.Valid {
		w.Database.Path = c.Database.Path.V
	}

	if c.Migrations.Dir.Valid {
		w.Migrations.Dir = c.Migrations.Dir.V
	}
	if len(c.Migrations.Params) > 0 {
		w.Migrations.Params = maps.Clone(c.Migrations.Params)
	}

	if c.Backup.Dir.Valid {
		w.Backup.Dir = c.Backup.Dir.V
	}
	if c.Backup.Retention.Valid {
		w.Backup.Retention = xtime.FormatDuration(c.Backup.Retention.V, time.Hour)
	}

	//nolint:wrapcheck // This is fine.
	return json.Marshal(w)
}

// UnmarshalJSON implements custom JSON unmarshaling to convert plain values
// into sql.Null types and parse duration strings into time.Duration values.
func (c *Config) UnmarshalJSON(data []byte) error {
	var w cfgWrapper
	if err := json.Unmarshal(data, &w); err != nil {
		//nolint:wrapcheck // This is fine.
		return err
	}

	if w.Database.Path != "" {
		c.Database.Path = sql.Null[string]{V: w.Database.Path, Valid: true}
	}

	if w.Migrations.Dir != "" {
		c.Migrations.Dir = sql.Null[string]{V: w.Migrations.Dir, Valid: true}
	}
	if len(w.Migrations.Params) > 0 {
		c.Migrations.Params = w.Migrations.Params
	}

	if w.Backup.Dir != "" {
		c.Backup.Dir = sql.Null[string]{V: w.Backup.Dir, Valid: true}
	}
	if w.Backup.Retention != "" {
		dur, err := parseRetention(w.Backup.Retention)
		if err != nil {
			return err
		}
		c.Backup.Retention = sql.Null[time.Duration]{V: dur, Valid: true}
	}

	return nil
}

// envOverrides are the configuration values that can be set from the process
// environment. They take precedence over values in the configuration file.
type envOverrides struct {
	DatabasePath    string `env:"DATABASE_PATH"`
	MigrationsDir   string `env:"MIGRATIONS_DIR"`
	BackupDir       string `env:"BACKUP_DIR"`
	BackupRetention string `env:"BACKUP_RETENTION"`
}

// LoadEnv overrides configuration values with the SYLLABUS_* environment
// variables found in environ, which is in the "key=value" form returned by
// os.Environ.
func (c *Config) LoadEnv(environ []string) error {
	var o envOverrides
	err := env.ParseWithOptions(&o, env.Options{
		Environment: env.ToMap(environ),
		Prefix:      "SYLLABUS_",
	})
	if err != nil {
		return fmt.Errorf("failed parsing environment variables: %w", err)
	}

	if o.DatabasePath != "" {
		c.Database.Path = sql.Null[string]{V: o.DatabasePath, Valid: true}
	}
	if o.MigrationsDir != "" {
		c.Migrations.Dir = sql.Null[string]{V: o.MigrationsDir, Valid: true}
	}
	if o.BackupDir != "" {
		c.Backup.Dir = sql.Null[string]{V: o.BackupDir, Valid: true}
	}
	if o.BackupRetention != "" {
		dur, err := parseRetention(o.BackupRetention)
		if err != nil {
			return err
		}
		c.Backup.Retention = sql.Null[time.Duration]{V: dur, Valid: true}
	}

	return nil
}

// SetDefaults sets default configuration values if they weren't set already.
// Relative default paths are placed under dataDir.
func (c *Config) SetDefaults(dataDir string) {
	if !c.Database.Path.Valid {
		c.Database.Path = sql.Null[string]{V: filepath.Join(dataDir, "syllabus.db"), Valid: true}
	}
	if !c.Migrations.Dir.Valid {
		c.Migrations.Dir = sql.Null[string]{V: "migrations", Valid: true}
	}
	if !c.Backup.Dir.Valid {
		c.Backup.Dir = sql.Null[string]{V: filepath.Join(dataDir, "backups"), Valid: true}
	}
	if !c.Backup.Retention.Valid {
		// ~1 month
		c.Backup.Retention = sql.Null[time.Duration]{V: 24 * time.Hour * 30, Valid: true}
	}
}

func parseRetention(s string) (time.Duration, error) {
	dur, err := xtime.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("failed parsing backup retention: %w", err)
	}
	if dur < time.Hour {
		return 0, fmt.Errorf("invalid backup retention '%s': must be at least 1 hour", s)
	}
	return dur, nil
}
