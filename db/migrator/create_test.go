package migrator_test

import (
	"strings"
	"testing"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateMigration(t *testing.T) {
	t.Parallel()

	t.Run("ok", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)

		mig, err := env.m.CreateMigration("Add Comments!", "")
		require.NoError(t, err)
		assert.Equal(t, int64(20250101000001), mig.Version)
		assert.Equal(t, "add_comments", mig.Name)
		assert.Equal(t, "add comments", mig.Description)
		assert.Equal(t, migrationsDir+"/20250101000001_add_comments.sql", mig.Path)

		data, err := vfs.ReadFile(env.fs, mig.Path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "-- +migrate Description: add comments\n")
		assert.Contains(t, string(data), "-- +migrate Up\n")
		assert.Contains(t, string(data), "-- +migrate Down\n")

		assert.Contains(t, string(data), "-- +migrate Up\nSELECT 1;\n")

		// The placeholder is a loadable no-op.
		res, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
		assert.Equal(t, mig.Version, res.Applied[0].Version)
		assert.Empty(t, env.tables(t))

		report, err := env.m.CheckRollbackSafety(env.ctx, mig.Version)
		require.NoError(t, err)
		assert.True(t, report.Safe)
		assert.True(t, report.Reversible)

		rbRes, err := env.m.RollbackMigration(env.ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{mig.Version}, recordVersions(rbRes.Reverted))

		filled := strings.Replace(string(data),
			"-- +migrate Up\nSELECT 1;\n", "-- +migrate Up\nCREATE TABLE comments (body TEXT);\n", 1)
		filled = strings.Replace(filled,
			"-- +migrate Down\nSELECT 1;\n", "-- +migrate Down\nDROP TABLE comments;\n", 1)
		require.NoError(t, vfs.WriteFile(env.fs, mig.Path, []byte(filled), 0o644))

		res, err = env.m.RunMigrations(env.ctx)
		require.NoError(t, err)
		require.Len(t, res.Applied, 1)
		assert.ElementsMatch(t, []string{"comments"}, env.tables(t))
	})

	t.Run("ok/status_and_rollback_after_create", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, baseFiles())
		_, err := env.m.RunMigrations(env.ctx)
		require.NoError(t, err)

		mig, err := env.m.CreateMigration("add_x", "")
		require.NoError(t, err)

		status, err := env.m.Status(env.ctx)
		require.NoError(t, err)
		require.Len(t, status, 4)
		assert.Equal(t, mig.Version, status[3].Version())
		assert.Nil(t, status[3].Record)

		report, err := env.m.CheckRollbackSafety(env.ctx, vNotes)
		require.NoError(t, err)
		assert.True(t, report.Safe)

		res, err := env.m.RollbackMigration(env.ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, []int64{vTags}, recordVersions(res.Reverted))
		assert.ElementsMatch(t, []string{"notes", "users"}, env.tables(t))
	})

	t.Run("ok/version_collision", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, map[string]string{
			"20250101000002_taken.sql": "-- +migrate Up\nSELECT 1;",
		})

		first, err := env.m.CreateMigration("first", "The first one")
		require.NoError(t, err)
		assert.Equal(t, int64(20250101000001), first.Version)
		assert.Equal(t, "The first one", first.Description)

		second, err := env.m.CreateMigration("second", "")
		require.NoError(t, err)
		assert.Equal(t, int64(20250101000003), second.Version)
	})

	t.Run("ok/creates_dir", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		require.NoError(t, env.fs.RemoveAll(migrationsDir))

		mig, err := env.m.CreateMigration("init", "")
		require.NoError(t, err)
		_, err = env.fs.Stat(mig.Path)
		assert.NoError(t, err)
	})

	t.Run("err/invalid_name", func(t *testing.T) {
		t.Parallel()

		env := newTestEnv(t, nil)
		_, err := env.m.CreateMigration("!!!", "")
		assert.EqualError(t, err, "invalid migration name '!!!'")
	})
}
