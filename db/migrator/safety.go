package migrator

import (
	"context"
	"fmt"
	"slices"
)

// SafetyReport describes the risk of rolling back a single migration.
type SafetyReport struct {
	Version         int64
	Name            string
	Safe            bool
	DataDestructive bool
	Reversible      bool
	Warning         string
}

// CheckRollbackSafety reports whether rolling back the migration with the
// given version is expected to lose data. The migration may be applied or
// pending. It's advisory only; rollbacks don't consult it, and always take a
// backup.
func (m *Migrator) CheckRollbackSafety(ctx context.Context, version int64) (SafetyReport, error) {
	mig, err := m.disc.find(version)
	if err != nil {
		return SafetyReport{}, err
	}

	records, err := m.hist.migrations(ctx)
	if err != nil {
		return SafetyReport{}, err
	}
	rec := MigrationRecord{Version: version}
	idx := slices.IndexFunc(records, func(r MigrationRecord) bool {
		return r.Version == version
	})
	switch {
	case idx >= 0:
		rec = records[idx]
	case mig != nil:
		rec.Name = mig.Name
	default:
		return SafetyReport{}, VersionNotFoundError{Version: version}
	}

	return safetyOf(rec, mig), nil
}

// PlanSafety returns the safety report of every migration in plan, as
// returned by PlanRollback or PlanRollbackToVersion.
func (m *Migrator) PlanSafety(plan []MigrationRecord) ([]SafetyReport, error) {
	migrations, err := m.disc.discover()
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	reports := make([]SafetyReport, len(plan))
	for i, rec := range plan {
		reports[i] = safetyOf(rec, byVersion[rec.Version])
	}

	return reports, nil
}

// safetyOf builds the report of an applied migration. mig is nil if the
// migration file no longer exists.
func safetyOf(rec MigrationRecord, mig *Migration) SafetyReport {
	r := SafetyReport{Version: rec.Version, Name: rec.Name, Safe: true}
	if mig == nil {
		r.Safe = false
		r.Warning = fmt.Sprintf(
			"migration %d (%s) file not found; it can't be rolled back", rec.Version, rec.Name)
		return r
	}

	r.DataDestructive = mig.DataDestructive
	r.Reversible = mig.Reversible()

	switch {
	case r.DataDestructive:
		r.Safe = false
		r.Warning = fmt.Sprintf(
			"rolling back migration %d (%s) is data destructive and may lose data", mig.Version, mig.Name)
	case !r.Reversible:
		r.Warning = fmt.Sprintf(
			"migration %d (%s) has no down operation and can't be rolled back", mig.Version, mig.Name)
	}

	return r
}
