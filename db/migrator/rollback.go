package migrator

import (
	"context"
	"fmt"
	"slices"

	"github.com/mandelsoft/vfs/pkg/vfs"
	"go.opentelemetry.io/otel/attribute"

	"go.hackfix.me/syllabus/crypto"
)

// RollbackState is the phase a rollback reached.
type RollbackState string

// Rollback states.
const (
	RollbackIdle           RollbackState = "idle"
	RollbackBackupPending  RollbackState = "backup_pending"
	RollbackReversing      RollbackState = "reversing"
	RollbackHistoryUpdated RollbackState = "history_updated"
	RollbackFailed         RollbackState = "failed"
)

// RollbackResult is the outcome of a rollback. On failure it still reports
// the migrations reverted before the failing one, and the backup taken.
type RollbackResult struct {
	Reverted []RollbackRecord
	Warnings []HashMismatchWarning
	Backup   *Backup
	State    RollbackState
}

// RollbackOption configures a single rollback.
type RollbackOption func(*rollbackOptions)

type rollbackOptions struct {
	expected []int64
	expect   bool
}

// ExpectPlan makes the rollback fail with PlanChangedError, before anything
// is changed, unless it would reverse exactly the migrations in plan, in the
// same order. plan is usually the result of PlanRollback or
// PlanRollbackToVersion that a user confirmed.
func ExpectPlan(plan []MigrationRecord) RollbackOption {
	versions := planVersions(plan)
	return func(o *rollbackOptions) {
		o.expected = versions
		o.expect = true
	}
}

// checkPlan is called with the migration lock held.
func checkPlan(plan []MigrationRecord, opts []RollbackOption) error {
	o := &rollbackOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if !o.expect {
		return nil
	}
	if actual := planVersions(plan); !slices.Equal(o.expected, actual) {
		return PlanChangedError{Expected: o.expected, Actual: actual}
	}
	return nil
}

func planVersions(plan []MigrationRecord) []int64 {
	versions := make([]int64, len(plan))
	for i, rec := range plan {
		versions[i] = rec.Version
	}
	return versions
}

// RollbackMigration reverses the steps most recently applied migrations, one
// at a time, most recent first. If fewer migrations are applied, all of them
// are reversed.
func (m *Migrator) RollbackMigration(
	ctx context.Context, steps int, opts ...RollbackOption,
) (*RollbackResult, error) {
	if steps < 1 {
		return nil, ErrInvalidSteps
	}

	g, err := m.lock.acquire("roll back migrations", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	plan, err := m.PlanRollback(ctx, steps)
	if err == nil {
		err = checkPlan(plan, opts)
	}
	if err != nil {
		return &RollbackResult{State: RollbackFailed}, err
	}

	return m.rollback(ctx, plan)
}

// RollbackToVersion reverses all applied migrations with a version greater
// than target, most recent first. A target of 0 reverses all migrations.
func (m *Migrator) RollbackToVersion(
	ctx context.Context, target int64, opts ...RollbackOption,
) (*RollbackResult, error) {
	g, err := m.lock.acquire("roll back to version", m.now())
	if err != nil {
		return nil, err
	}
	defer g.release()

	plan, err := m.PlanRollbackToVersion(ctx, target)
	if err == nil {
		err = checkPlan(plan, opts)
	}
	if err != nil {
		return &RollbackResult{State: RollbackFailed}, err
	}

	return m.rollback(ctx, plan)
}

// PlanRollback returns the records RollbackMigration would reverse, in the
// order it would reverse them. It doesn't change any state.
func (m *Migrator) PlanRollback(ctx context.Context, steps int) ([]MigrationRecord, error) {
	if steps < 1 {
		return nil, ErrInvalidSteps
	}

	records, err := m.hist.migrations(ctx)
	if err != nil {
		return nil, err
	}
	slices.Reverse(records)

	return records[:min(steps, len(records))], nil
}

// PlanRollbackToVersion returns the records RollbackToVersion would reverse,
// in the order it would reverse them. It doesn't change any state.
func (m *Migrator) PlanRollbackToVersion(ctx context.Context, target int64) ([]MigrationRecord, error) {
	records, err := m.hist.migrations(ctx)
	if err != nil {
		return nil, err
	}

	if target != 0 && !slices.ContainsFunc(records, func(r MigrationRecord) bool {
		return r.Version == target
	}) {
		return nil, VersionNotFoundError{Version: target}
	}

	plan := make([]MigrationRecord, 0, len(records))
	for _, rec := range slices.Backward(records) {
		if rec.Version > target {
			plan = append(plan, rec)
		}
	}

	return plan, nil
}

// rollback reverses the records in plan, in order. All checks that can be
// done upfront run before any change is made, and a single backup is taken
// before the first migration is reversed.
func (m *Migrator) rollback(ctx context.Context, plan []MigrationRecord) (res *RollbackResult, err error) {
	ctx, span := tracer.Start(ctx, "migrator.rollback")
	defer func() { endSpan(span, err) }()
	span.SetAttributes(attribute.Int("migrations.planned", len(plan)))

	res = &RollbackResult{State: RollbackIdle}
	if len(plan) == 0 {
		m.logger.Debug("nothing to roll back")
		return res, nil
	}

	defer func() {
		if err != nil {
			res.State = RollbackFailed
		}
	}()

	units, err := m.resolvePlan(ctx, plan)
	if err != nil {
		return res, err
	}

	res.State = RollbackBackupPending
	m.logger.Info("creating backup before rollback", "count", len(plan))
	res.Backup, err = m.backups.create(ctx, "")
	if err != nil {
		return res, fmt.Errorf("failed creating backup before rollback: %w", err)
	}

	for i, rec := range plan {
		mig := units[i]
		res.State = RollbackReversing

		if w, ok := m.checkDrift(mig, rec); ok {
			m.logger.Warn(w.Error(), w.LogFields()...)
			res.Warnings = append(res.Warnings, w)
		}

		var rb *RollbackRecord
		rb, err = m.reverse(ctx, mig)
		if err != nil {
			return res, err
		}
		res.Reverted = append(res.Reverted, *rb)
		res.State = RollbackHistoryUpdated
	}

	return res, nil
}

// resolvePlan loads the migration for every record in plan, and checks that
// each one can be reversed, and that no migration that remains applied
// depends on it.
func (m *Migrator) resolvePlan(ctx context.Context, plan []MigrationRecord) ([]*Migration, error) {
	migrations, err := m.disc.discover()
	if err != nil {
		return nil, err
	}
	byVersion := make(map[int64]*Migration, len(migrations))
	for _, mig := range migrations {
		byVersion[mig.Version] = mig
	}

	records, err := m.hist.migrations(ctx)
	if err != nil {
		return nil, err
	}
	reversing := make(map[int64]struct{}, len(plan))
	for _, rec := range plan {
		reversing[rec.Version] = struct{}{}
	}
	remaining := make([]*Migration, 0, len(records))
	for _, rec := range records {
		if _, ok := reversing[rec.Version]; ok {
			continue
		}
		if mig, ok := byVersion[rec.Version]; ok {
			remaining = append(remaining, mig)
		}
	}

	units := make([]*Migration, len(plan))
	for i, rec := range plan {
		mig, ok := byVersion[rec.Version]
		if !ok {
			return nil, InvalidMigrationError{
				Version: rec.Version, Name: rec.Name,
				Msg: "migration file not found in source directory",
			}
		}
		if !mig.Reversible() {
			return nil, NoDownOperationError{Version: mig.Version, Name: mig.Name}
		}
		if err := checkDependents(mig, remaining); err != nil {
			return nil, err
		}
		units[i] = mig
	}

	return units, nil
}

// checkDrift rereads the file of mig, and reports whether its content differs
// from what was applied.
func (m *Migrator) checkDrift(mig *Migration, rec MigrationRecord) (HashMismatchWarning, bool) {
	hash := mig.Hash
	if data, err := vfs.ReadFile(m.fs, mig.Path); err == nil {
		hash = crypto.ContentHash(data)
	} else {
		m.logger.Warn("failed rereading migration file", "path", mig.Path, "error", err)
	}

	if hash == rec.ContentHash {
		return HashMismatchWarning{}, false
	}

	return HashMismatchWarning{
		Version:      mig.Version,
		Name:         mig.Name,
		Path:         mig.Path,
		RecordedHash: rec.ContentHash,
		CurrentHash:  hash,
	}, true
}
