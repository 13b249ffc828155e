package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mandelsoft/vfs/pkg/memoryfs"

	"go.hackfix.me/syllabus/app/config"
	actx "go.hackfix.me/syllabus/app/context"
	"go.hackfix.me/syllabus/cli"
	"go.hackfix.me/syllabus/db"
	"go.hackfix.me/syllabus/db/migrator"
)

// App is the application.
type App struct {
	name string
	ctx  *actx.Context
	cli  *cli.CLI
	// the logging level is set via the CLI, if the app was initialized with the
	// WithLogger option.
	logLevel *slog.LevelVar
	// migration bodies implemented in Go, registered with WithUnits.
	units map[int64]migrator.Unit
}

// New initializes a new application.
func New(name, configFilePath, dataDir string, opts ...Option) (*App, error) {
	version, err := actx.GetVersion()
	if err != nil {
		return nil, err
	}

	defaultCtx := &actx.Context{
		Ctx:     context.Background(),
		FS:      memoryfs.New(),
		Logger:  slog.Default(),
		TimeNow: time.Now,
		Version: version,
	}
	app := &App{name: name, ctx: defaultCtx, units: map[int64]migrator.Unit{}}

	for _, opt := range opts {
		opt(app)
	}

	ver := fmt.Sprintf("%s %s", app.name, app.ctx.Version.String())
	app.cli, err = cli.New(app.name, configFilePath, dataDir, ver)
	if err != nil {
		return nil, err
	}

	return app, nil
}

// Run initializes the application environment and starts execution of the
// application.
func (app *App) Run(args []string) error {
	if err := app.cli.Parse(args); err != nil {
		return err
	}

	if app.logLevel != nil {
		app.logLevel.Set(app.cli.Log.Level)
		slog.SetLogLoggerLevel(app.cli.Log.Level)
	}

	if err := app.loadConfig(); err != nil {
		return err
	}

	closeDB, err := app.openDB()
	if err != nil {
		return err
	}
	defer closeDB()

	if err = app.initMigrator(); err != nil {
		return err
	}

	if err = app.cli.Execute(app.ctx); err != nil {
		return err
	}

	return nil
}

func (app *App) loadConfig() error {
	if app.ctx.Config != nil {
		return nil
	}

	cfg := config.NewConfig(app.ctx.FS, app.cli.ConfigFile)
	if err := cfg.Load(); err != nil {
		return err
	}
	if app.ctx.Env != nil {
		if err := cfg.LoadEnv(app.ctx.Env.Environ()); err != nil {
			return err
		}
	}
	cfg.SetDefaults(app.cli.DataDir)
	app.ctx.Config = cfg

	return nil
}

// openDB opens the database at the configured path, unless one was provided
// with WithDB. The returned function closes the database if it was opened here.
func (app *App) openDB() (func(), error) {
	if app.ctx.DB != nil {
		return func() {}, nil
	}

	path := app.ctx.Config.Database.Path.V
	if err := app.ctx.FS.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed creating database directory: %w", err)
	}

	d, err := db.Open(app.ctx.Ctx, path, app.ctx.Logger)
	if err != nil {
		return nil, err
	}
	app.ctx.DB = d

	return func() {
		if cerr := d.Close(); cerr != nil {
			app.ctx.Logger.Warn("failed closing database", "error", cerr)
		}
		app.ctx.DB = nil
	}, nil
}

func (app *App) initMigrator() error {
	cfg := app.ctx.Config
	m, err := migrator.New(app.ctx.Ctx, app.ctx.DB, app.ctx.FS, cfg.Migrations.Dir.V,
		migrator.WithBackupDir(cfg.Backup.Dir.V),
		migrator.WithLogger(app.ctx.Logger),
		migrator.WithParams(cfg.Migrations.Params),
		migrator.WithTimeNow(app.ctx.TimeNow),
		migrator.WithUnits(app.units),
	)
	if err != nil {
		return fmt.Errorf("failed initializing migrator: %w", err)
	}
	app.ctx.Migrator = m

	return nil
}
