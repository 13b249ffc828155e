package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/alecthomas/kong"

	actx "go.hackfix.me/syllabus/app/context"
	aerrors "go.hackfix.me/syllabus/app/errors"
)

// The Backup command manages database backups.
type Backup struct {
	Create struct {
		Path string `arg:"" optional:"" help:"Backup file path. Defaults to a timestamped file in the backup directory."`
	} `kong:"cmd,help='Create a backup of the database.'"`
	Restore struct {
		Path  string `arg:"" help:"Backup file path."`
		Force bool   `help:"Restore even if the backup was taken at a different schema version."`
	} `kong:"cmd,help='Restore the database from a backup.'"`
	List  struct{} `kong:"cmd,help='List backups in the backup directory.',aliases='ls'"`
	Prune struct {
		OlderThan time.Duration `type:"age" placeholder:"AGE" help:"Remove backups older than this age, e.g. '30d'. Defaults to the configured retention."`
	} `kong:"cmd,help='Remove old backups from the backup directory.'"`
}

// Run the backup command.
func (c *Backup) Run(kctx *kong.Context, appCtx *actx.Context) error {
	switch commandPath(kctx) {
	case "backup create":
		b, err := appCtx.Migrator.Backup(appCtx.Ctx, c.Create.Path)
		if err != nil {
			return aerrors.NewWithCause("failed creating backup", err)
		}
		fmt.Fprintf(appCtx.Stdout, "Created backup %s at schema version %d\n", b.Path, b.SchemaVersion)
	case "backup restore":
		b, err := appCtx.Migrator.Restore(appCtx.Ctx, c.Restore.Path, c.Restore.Force)
		if err != nil {
			return aerrors.NewWithCause("failed restoring backup", err, "path", c.Restore.Path)
		}
		fmt.Fprintf(appCtx.Stdout, "Restored backup %s at schema version %d\n", b.ID, b.SchemaVersion)
	case "backup list":
		backups, err := appCtx.Migrator.Backups()
		if err != nil {
			return aerrors.NewWithCause("failed listing backups", err)
		}
		if len(backups) == 0 {
			return nil
		}

		data := make([][]string, len(backups))
		for i, b := range backups {
			data[i] = []string{
				b.ID, formatTime(b.CreatedAt), strconv.FormatInt(b.SchemaVersion, 10), b.Path,
			}
		}
		header := []string{"ID", "Created At", "Schema Version", "Path"}
		if err = renderTable(appCtx.Stdout, header, data); err != nil {
			return aerrors.NewWithCause("failed rendering backups", err)
		}
	case "backup prune":
		olderThan := c.Prune.OlderThan
		if olderThan == 0 {
			olderThan = appCtx.Config.Backup.Retention.V
		}
		removed, err := appCtx.Migrator.PruneBackups(olderThan)
		for _, b := range removed {
			fmt.Fprintf(appCtx.Stdout, "Removed backup %s\n", b.Path)
		}
		if err != nil {
			return aerrors.NewWithCause("failed pruning backups", err)
		}
	}

	return nil
}
