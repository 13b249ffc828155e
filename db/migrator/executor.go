package migrator

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// apply runs the forward operation of mig and records it in the history,
// both within a single backend transaction. Migrations already in applied are
// skipped. If mig is risky, a backup is taken before running it, and returned
// even if applying fails.
func (m *Migrator) apply(
	ctx context.Context, mig *Migration, applied map[int64]struct{},
) (rec *MigrationRecord, backup *Backup, err error) {
	if _, ok := applied[mig.Version]; ok {
		return nil, nil, nil
	}

	ctx, span := tracer.Start(ctx, "migrator.apply", migrationAttrs(mig))
	defer func() { endSpan(span, err) }()

	logger := m.logger.With("version", mig.Version, "name", mig.Name)

	if err = Validate(mig, applied); err != nil {
		return nil, nil, err
	}

	if mig.Risky {
		logger.Info("creating backup before applying risky migration")
		backup, err = m.backups.create(ctx, "")
		if err != nil {
			return nil, nil, fmt.Errorf(
				"failed creating backup before applying risky migration %d (%s): %w",
				mig.Version, mig.Name, err)
		}
	}

	logger.Debug("applying migration", "path", mig.Path)

	err = m.inTx(ctx, func(tx *sqlx.Tx) error {
		if uerr := mig.Unit.Up(ctx, tx, m.unitConfig(mig)); uerr != nil {
			return ExecutionError{
				Version: mig.Version, Name: mig.Name, Direction: DirectionUp, Err: uerr,
			}
		}

		rec = &MigrationRecord{
			Version:     mig.Version,
			Name:        mig.Name,
			ContentHash: mig.Hash,
			AppliedAt:   m.now(),
		}

		return insertRecord(ctx, tx, *rec)
	})
	if err != nil {
		return nil, backup, err
	}

	logger.Info("applied migration")

	return rec, backup, nil
}

// reverse runs the backward operation of mig, removes its history record and
// appends a rollback record, all within a single backend transaction.
func (m *Migrator) reverse(ctx context.Context, mig *Migration) (rb *RollbackRecord, err error) {
	ctx, span := tracer.Start(ctx, "migrator.reverse", migrationAttrs(mig))
	defer func() { endSpan(span, err) }()

	err = m.inTx(ctx, func(tx *sqlx.Tx) error {
		if derr := mig.down(ctx, tx, m.unitConfig(mig)); derr != nil {
			if _, ok := derr.(NoDownOperationError); ok {
				return derr
			}
			return ExecutionError{
				Version: mig.Version, Name: mig.Name, Direction: DirectionDown, Err: derr,
			}
		}

		if rerr := removeRecord(ctx, tx, mig.Version); rerr != nil {
			return rerr
		}

		rb = &RollbackRecord{Version: mig.Version, Name: mig.Name, RolledBackAt: m.now()}

		return appendRollback(ctx, tx, rb)
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("rolled back migration", "version", mig.Version, "name", mig.Name)

	return rb, nil
}

// inTx runs fn within a backend transaction, which is committed if fn
// succeeds, and rolled back otherwise.
func (m *Migrator) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := m.hist.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed starting transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rerr := tx.Rollback(); rerr != nil {
				m.logger.Warn("failed rolling back transaction", "error", rerr)
			}
		}
	}()

	if err = fn(tx); err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed committing transaction: %w", err)
	}

	return nil
}
