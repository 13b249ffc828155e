package migrator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.hackfix.me/syllabus/db/migrator"
)

func TestRollbackMigration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		steps        int
		expReverted  []int64
		expRemaining []int64
		expTables    []string
	}{
		{
			name:         "ok/one_step",
			steps:        1,
			expReverted:  []int64{vTags},
			expRemaining: []int64{vUsers, vNotes},
			expTables:    []string{"users", "notes"},
		},
		{
			name:         "ok/two_steps",
			steps:        2,
			expReverted:  []int64{vTags, vNotes},
			expRemaining: []int64{vUsers},
			expTables:    []string{"users"},
		},
		{
			name:         "ok/more_steps_than_applied",
			steps:        10,
			expReverted:  []int64{vTags, vNotes, vUsers},
			expRemaining: []int64{},
			expTables:    []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, baseFiles())
			_, err := env.m.RunMigrations(env.ctx)
			require.NoError(t, err)

			plan, err := env.m.PlanRollback(env.ctx, tt.steps)
			require.NoError(t, err)
			require.Len(t, plan, len(tt.expReverted))

			res, err := env.m.RollbackMigration(env.ctx, tt.steps)
			require.NoError(t, err)
			assert.Equal(t, migrator.RollbackHistoryUpdated, res.State)
			assert.Equal(t, tt.expReverted, recordVersions(res.Reverted))
			assert.Empty(t, res.Warnings)
			require.NotNil(t, res.Backup)
			assert.Equal(t, vTags, res.Backup.SchemaVersion)

			assert.Equal(t, tt.expRemaining, env.appliedVersions(t))
			assert.ElementsMatch(t, tt.expTables, env.tables(t))

			rollbacks, err := env.m.RollbackHistory(env.ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.expReverted, recordVersions(rollbacks))
			for i := 1; i < len(rollbacks); i++ {
				assert.True(t, rollbacks[i].RolledBackAt.After(rollbacks[i-1].RolledBackAt))
				assert.Greater(t, rollbacks[i].ID, rollbacks[i-1].ID)
			}
		})
	}

	t.Run("err/invalid_steps", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RollbackMigration(env.ctx, 0)
		assert.ErrorIs(t, err, migrator.ErrInvalidSteps)
		_, err = env.m.PlanRollback(env.ctx, -1)
		assert.ErrorIs(t, err, migrator.ErrInvalidSteps)
	})

	t.Run("ok/nothing_applied", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		res, err := env.m.RollbackMigration(env.ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, migrator.RollbackIdle, res.State)
		assert.Empty(t, res.Reverted)
		assert.Nil(t, res.Backup)

		backups, err := env.m.Backups()
		require.NoError(t, err)
		assert.Empty(t, backups)
	})

	t.Run("ok/hash_mismatch_warning", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		history, err := env.m.MigrationHistory(env.ctx)
		require.NoError(t, err)
		recorded := history[2].ContentHash

		writeFile(t, env.fs, "20250101000003_create_tags.sql", migTags+"-- changed after applying\n")

		res, err := env.m.RollbackMigration(env.ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{vTags}, recordVersions(res.Reverted))
		require.Len(t, res.Warnings, 1)

		w := res.Warnings[0]
		assert.Equal(t, vTags, w.Version)
		assert.Equal(t, "create_tags", w.Name)
		assert.Equal(t, recorded, w.RecordedHash)
		assert.NotEqual(t, recorded, w.CurrentHash)
		assert.ErrorContains(t, w, "changed since it was applied")

		assert.ElementsMatch(t, []string{"users", "notes"}, env.tables(t))
	})

	t.Run("err/no_down_operation", func(t *testing.T) {
		t.Parallel()

		files := baseFiles()
		files["20250101000002_create_notes.sql"] = `-- +migrate Up
CREATE TABLE notes (id INTEGER PRIMARY KEY);
`
		env := newTestEnv(t, files)
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		res, err := env.m.RollbackMigration(env.ctx, 2)
		var noDownErr migrator.NoDownOperationError
		require.ErrorAs(t, err, &noDownErr)
		assert.Equal(t, migrator.NoDownOperationError{Version: vNotes, Name: "create_notes"}, noDownErr)
		assert.Equal(t, migrator.RollbackFailed, res.State)
		assert.Empty(t, res.Reverted)

		// The check happens before any change is made.
		assert.Equal(t, []int64{vUsers, vNotes, vTags}, env.appliedVersions(t))
		assert.ElementsMatch(t, []string{"users", "notes", "tags"}, env.tables(t))
		backups, err := env.m.Backups()
		require.NoError(t, err)
		assert.Empty(t, backups)
	})

	t.Run("err/down_fails", func(t *testing.T) {
		t.Parallel()

		files := baseFiles()
		files["20250101000002_create_notes.sql"] = `-- +migrate Up
CREATE TABLE notes (id INTEGER PRIMARY KEY);
-- +migrate Down
DROP TABLE notes;
DROP TABLE missing_table;
`
		env := newTestEnv(t, files)
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		res, err := env.m.RollbackMigration(env.ctx, 3)
		var execErr migrator.ExecutionError
		require.ErrorAs(t, err, &execErr)
		assert.Equal(t, vNotes, execErr.Version)
		assert.Equal(t, migrator.DirectionDown, execErr.Direction)

		assert.Equal(t, migrator.RollbackFailed, res.State)
		assert.Equal(t, []int64{vTags}, recordVersions(res.Reverted))
		assert.NotNil(t, res.Backup)

		// Earlier reversals stay, and the failed one is rolled back entirely.
		assert.Equal(t, []int64{vUsers, vNotes}, env.appliedVersions(t))
		assert.ElementsMatch(t, []string{"users", "notes"}, env.tables(t))
	})

	t.Run("err/missing_file", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		require.NoError(t, env.fs.Remove(migrationsDir+"/20250101000003_create_tags.sql"))

		_, err = env.m.RollbackMigration(env.ctx, 1)
		var invErr migrator.InvalidMigrationError
		require.ErrorAs(t, err, &invErr)
		assert.Equal(t, vTags, invErr.Version)
		assert.Equal(t, []int64{vUsers, vNotes, vTags}, env.appliedVersions(t))
	})

	t.Run("err/dependents", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		// Make users appear as the most recently applied migration, while
		// notes, which depends on it, remains applied.
		_, err = env.db.ExecContext(env.ctx,
			`UPDATE _migrations SET applied_at = applied_at + 1000000000000 WHERE version = ?`, vUsers)
		require.NoError(t, err)

		_, err = env.m.RollbackMigration(env.ctx, 1)
		var depErr migrator.DependencyError
		require.ErrorAs(t, err, &depErr)
		assert.Equal(t, migrator.DependencyError{
			Kind: migrator.DependencyDependents, Version: vUsers, Name: "create_users",
			Dependency: vNotes,
		}, depErr)
		assert.ElementsMatch(t, []string{"users", "notes", "tags"}, env.tables(t))
	})
}

func TestRollbackToVersion(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		target       int64
		expReverted  []int64
		expRemaining []int64
		expErr       error
	}{
		{
			name:         "ok/to_first",
			target:       vUsers,
			expReverted:  []int64{vTags, vNotes},
			expRemaining: []int64{vUsers},
		},
		{
			name:         "ok/to_latest",
			target:       vTags,
			expReverted:  []int64{},
			expRemaining: []int64{vUsers, vNotes, vTags},
		},
		{
			name:         "ok/to_zero",
			target:       0,
			expReverted:  []int64{vTags, vNotes, vUsers},
			expRemaining: []int64{},
		},
		{
			name:         "err/not_found",
			target:       20250101000009,
			expRemaining: []int64{vUsers, vNotes, vTags},
			expErr:       migrator.VersionNotFoundError{Version: 20250101000009},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			env := newTestEnv(t, baseFiles())
			_, err := env.m.RunMigrations(env.ctx)
			require.NoError(t, err)

			res, err := env.m.RollbackToVersion(env.ctx, tt.target)
			if tt.expErr != nil {
				assert.Equal(t, tt.expErr, err)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.expReverted, recordVersions(res.Reverted))
				assert.Equal(t, len(tt.expReverted) > 0, res.Backup != nil)
			}

			assert.Equal(t, tt.expRemaining, env.appliedVersions(t))

			version, err := env.m.CurrentVersion(env.ctx)
			require.NoError(t, err)
			var expVersion int64
			if len(tt.expRemaining) > 0 {
				expVersion = tt.expRemaining[len(tt.expRemaining)-1]
			}
			assert.Equal(t, expVersion, version)
		})
	}
}

func TestRollbackExpectPlan(t *testing.T) {
	t.Parallel()

	t.Run("ok/unchanged", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		plan, err := env.m.PlanRollbackToVersion(env.ctx, vUsers)
		require.NoError(t, err)

		res, err := env.m.RollbackToVersion(env.ctx, vUsers, migrator.ExpectPlan(plan))
		require.NoError(t, err)
		assert.Equal(t, []int64{vTags, vNotes}, recordVersions(res.Reverted))
	})

	t.Run("err/history_changed", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		plan, err := env.m.PlanRollback(env.ctx, 1)
		require.NoError(t, err)

		// Another rollback completes between planning and rolling back.
		_, err = env.m.RollbackMigration(env.ctx, 1)
		require.NoError(t, err)

		res, err := env.m.RollbackMigration(env.ctx, 1, migrator.ExpectPlan(plan))
		var pcErr migrator.PlanChangedError
		require.ErrorAs(t, err, &pcErr)
		assert.Equal(t, migrator.PlanChangedError{
			Expected: []int64{vTags}, Actual: []int64{vNotes},
		}, pcErr)
		assert.Equal(t, migrator.RollbackFailed, res.State)
		assert.Empty(t, res.Reverted)
		assert.Nil(t, res.Backup)

		assert.Equal(t, []int64{vUsers, vNotes}, env.appliedVersions(t))
		assert.ElementsMatch(t, []string{"users", "notes"}, env.tables(t))
	})
}

func TestRollbackRoundTrip(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, baseFiles())

	for range 2 {
		res, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)
		require.Len(t, res.Applied, 3)

		_, err = env.m.RollbackToVersion(env.ctx, 0)
		require.NoError(t, err)
		assert.Empty(t, env.tables(t))
	}

	_, err := env.m.RunMigrations(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{vUsers, vNotes, vTags}, env.appliedVersions(t))
	assert.Equal(t, 1, env.count(t, "users"))

	rollbacks, err := env.m.RollbackHistory(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{vTags, vNotes, vUsers, vTags, vNotes, vUsers}, recordVersions(rollbacks))

	// Each rollback took a backup.
	backups, err := env.m.Backups()
	require.NoError(t, err)
	assert.Len(t, backups, 2)
	for _, b := range backups {
		_, err = env.fs.Stat(b.Path)
		assert.NoError(t, err)
	}
}
