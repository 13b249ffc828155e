package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/alecthomas/kong"

	actx "go.hackfix.me/syllabus/app/context"
	aerrors "go.hackfix.me/syllabus/app/errors"
	"go.hackfix.me/syllabus/crypto"
	"go.hackfix.me/syllabus/db/migrator"
)

// The Migrate command applies, inspects and rolls back schema migrations.
type Migrate struct {
	Up     struct{} `kong:"cmd,help='Apply all pending migrations.'"`
	Status struct{} `kong:"cmd,help='Show discovered and applied migrations.'"`
	History struct {
		Rollbacks bool `help:"Show the rollback audit trail instead of applied migrations."`
	} `kong:"cmd,help='Show the migration history.'"`
	Rollback struct {
		Steps int    `short:"n" default:"1" help:"Number of most recently applied migrations to roll back."`
		To    *int64 `placeholder:"VERSION" help:"Roll back every migration applied after this version, ignoring --steps. 0 rolls back everything."`
		Yes   bool   `short:"y" help:"Don't ask for confirmation before rolling back data destructive migrations."`
	} `kong:"cmd,help='Roll back applied migrations.'"`
	Check struct {
		Version int64 `arg:"" help:"Migration version."`
	} `kong:"cmd,help='Report whether rolling back a migration is expected to lose data.'"`
	Create struct {
		Name        string `arg:"" help:"Migration name, e.g. 'add_users_email'."`
		Description string `help:"Migration description. Defaults to the name."`
	} `kong:"cmd,help='Create a new migration file.'"`
}

// Run the migrate command.
func (c *Migrate) Run(kctx *kong.Context, appCtx *actx.Context) error {
	switch commandPath(kctx) {
	case "migrate up":
		return c.runUp(appCtx)
	case "migrate status":
		return c.runStatus(appCtx)
	case "migrate history":
		return c.runHistory(appCtx)
	case "migrate rollback":
		return c.runRollback(appCtx)
	case "migrate check":
		return c.runCheck(appCtx)
	case "migrate create":
		return c.runCreate(appCtx)
	}

	return nil
}

func (c *Migrate) runUp(appCtx *actx.Context) error {
	res, err := appCtx.Migrator.RunMigrations(appCtx.Ctx)
	if res != nil {
		for _, b := range res.Backups {
			fmt.Fprintf(appCtx.Stdout, "Created backup %s\n", b.Path)
		}
		for _, rec := range res.Applied {
			fmt.Fprintf(appCtx.Stdout, "Applied migration %d (%s)\n", rec.Version, rec.Name)
		}
	}
	if err != nil {
		return aerrors.NewWithCause("failed applying migrations", err)
	}
	if len(res.Applied) == 0 {
		fmt.Fprintln(appCtx.Stdout, "No pending migrations.")
	}

	return nil
}

func (c *Migrate) runStatus(appCtx *actx.Context) error {
	status, err := appCtx.Migrator.Status(appCtx.Ctx)
	if err != nil {
		return aerrors.NewWithCause("failed reading migration status", err)
	}
	if len(status) == 0 {
		return nil
	}

	data := make([][]string, len(status))
	for i, st := range status {
		var (
			name, state, hash string
			appliedAt         = "-"
		)
		switch {
		case st.Migration == nil:
			name, state = st.Record.Name, "missing"
			hash = crypto.ShortHash(st.Record.ContentHash)
		case st.Record == nil:
			name, state = st.Migration.Name, "pending"
			hash = crypto.ShortHash(st.Migration.Hash)
		case st.Drifted:
			name, state = st.Migration.Name, "drifted"
			hash = crypto.ShortHash(st.Migration.Hash)
		default:
			name, state = st.Migration.Name, "applied"
			hash = crypto.ShortHash(st.Migration.Hash)
		}
		if st.Record != nil {
			appliedAt = formatTime(st.Record.AppliedAt)
		}
		data[i] = []string{strconv.FormatInt(st.Version(), 10), name, state, appliedAt, hash}
	}

	header := []string{"Version", "Name", "Status", "Applied At", "Hash"}
	if err = renderTable(appCtx.Stdout, header, data); err != nil {
		return aerrors.NewWithCause("failed rendering migration status", err)
	}

	return nil
}

func (c *Migrate) runHistory(appCtx *actx.Context) error {
	var (
		header []string
		data   [][]string
	)
	if c.History.Rollbacks {
		rollbacks, err := appCtx.Migrator.RollbackHistory(appCtx.Ctx)
		if err != nil {
			return aerrors.NewWithCause("failed reading rollback history", err)
		}
		header = []string{"ID", "Version", "Name", "Rolled Back At"}
		for _, rb := range rollbacks {
			data = append(data, []string{
				strconv.FormatInt(rb.ID, 10), strconv.FormatInt(rb.Version, 10),
				rb.Name, formatTime(rb.RolledBackAt),
			})
		}
	} else {
		history, err := appCtx.Migrator.MigrationHistory(appCtx.Ctx)
		if err != nil {
			return aerrors.NewWithCause("failed reading migration history", err)
		}
		header = []string{"Version", "Name", "Applied At"}
		for _, rec := range history {
			data = append(data, []string{
				strconv.FormatInt(rec.Version, 10), rec.Name, formatTime(rec.AppliedAt),
			})
		}
	}

	if len(data) == 0 {
		return nil
	}
	if err := renderTable(appCtx.Stdout, header, data); err != nil {
		return aerrors.NewWithCause("failed rendering migration history", err)
	}

	return nil
}

func (c *Migrate) runRollback(appCtx *actx.Context) error {
	var (
		plan []migrator.MigrationRecord
		err  error
	)
	if c.Rollback.To != nil {
		plan, err = appCtx.Migrator.PlanRollbackToVersion(appCtx.Ctx, *c.Rollback.To)
	} else {
		plan, err = appCtx.Migrator.PlanRollback(appCtx.Ctx, c.Rollback.Steps)
	}
	if err != nil {
		return aerrors.NewWithCause("failed planning rollback", err)
	}
	if len(plan) == 0 {
		fmt.Fprintln(appCtx.Stdout, "Nothing to roll back.")
		return nil
	}

	reports, err := appCtx.Migrator.PlanSafety(plan)
	if err != nil {
		return aerrors.NewWithCause("failed checking rollback safety", err)
	}
	destructive := false
	for _, r := range reports {
		if r.Warning != "" {
			appCtx.Logger.Warn(r.Warning, "version", r.Version)
		}
		destructive = destructive || r.DataDestructive
	}

	if destructive && !c.Rollback.Yes {
		ok, cerr := confirm(appCtx.Stdin, appCtx.Stdout, fmt.Sprintf(
			"Rolling back %d migration(s) may lose data. Continue? [y/N] ", len(plan)))
		if cerr != nil {
			return aerrors.NewWithCause("failed reading confirmation", cerr)
		}
		if !ok {
			return errors.New("rollback aborted")
		}
	}

	var res *migrator.RollbackResult
	expect := migrator.ExpectPlan(plan)
	if c.Rollback.To != nil {
		res, err = appCtx.Migrator.RollbackToVersion(appCtx.Ctx, *c.Rollback.To, expect)
	} else {
		res, err = appCtx.Migrator.RollbackMigration(appCtx.Ctx, c.Rollback.Steps, expect)
	}

	errFields := []any{}
	if res != nil {
		if res.Backup != nil {
			fmt.Fprintf(appCtx.Stdout, "Created backup %s\n", res.Backup.Path)
			errFields = append(errFields, "backup", res.Backup.Path)
		}
		for _, rb := range res.Reverted {
			fmt.Fprintf(appCtx.Stdout, "Rolled back migration %d (%s)\n", rb.Version, rb.Name)
		}
		for _, w := range res.Warnings {
			fmt.Fprintf(appCtx.Stdout, "Warning: %s\n", w.Error())
		}
		errFields = append(errFields, "state", string(res.State))
	}
	if err != nil {
		return aerrors.NewWithCause("failed rolling back migrations", err, errFields...)
	}

	return nil
}

func (c *Migrate) runCheck(appCtx *actx.Context) error {
	report, err := appCtx.Migrator.CheckRollbackSafety(appCtx.Ctx, c.Check.Version)
	if err != nil {
		return aerrors.NewWithCause("failed checking rollback safety", err,
			"version", c.Check.Version)
	}

	warning := report.Warning
	if warning == "" {
		warning = "-"
	}
	header := []string{"Version", "Name", "Safe", "Data Destructive", "Reversible", "Warning"}
	data := [][]string{{
		strconv.FormatInt(report.Version, 10), report.Name, yesNo(report.Safe),
		yesNo(report.DataDestructive), yesNo(report.Reversible), warning,
	}}
	if err = renderTable(appCtx.Stdout, header, data); err != nil {
		return aerrors.NewWithCause("failed rendering safety report", err)
	}

	return nil
}

func (c *Migrate) runCreate(appCtx *actx.Context) error {
	mig, err := appCtx.Migrator.CreateMigration(c.Create.Name, c.Create.Description)
	if err != nil {
		return aerrors.NewWithCause("failed creating migration", err, "name", c.Create.Name)
	}
	fmt.Fprintf(appCtx.Stdout, "Created migration %s\n", mig.Path)

	return nil
}

// confirm writes prompt to w and reads a yes/no answer from r. Anything other
// than "y" or "yes" is a no, including a missing input.
func confirm(r io.Reader, w io.Writer, prompt string) (bool, error) {
	if r == nil {
		return false, nil
	}
	if _, err := fmt.Fprint(w, prompt); err != nil {
		return false, err //nolint:wrapcheck // This is wrapped by the caller.
	}

	answer, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return false, err //nolint:wrapcheck // This is wrapped by the caller.
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true, nil
	}

	return false, nil
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

// commandPath returns the names of the selected commands, without arguments.
func commandPath(kctx *kong.Context) string {
	cmdPath := []string{}
	for _, p := range kctx.Path {
		if p.Command != nil {
			cmdPath = append(cmdPath, p.Command.Name)
		}
	}

	return strings.Join(cmdPath, " ")
}
