package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/denismitr/duckup/event"
	"github.com/denismitr/duckup/internal/logger"
	"github.com/denismitr/duckup/migration"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const connectTimeout = 10 * time.Second

const tableExistsQuery = "SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name = ?;"

type Config struct {
	HistoryTable    string
	Locker          Locker
	TolerateOrphans bool
	SkipChecksums   bool
}

// SQLGateway runs migrations against an embedded database reachable
// through database/sql. It owns the connection handle and the transaction
// boundaries for the duration of a run: every module executes inside its
// own transaction together with its history record, so a module is either
// wholly applied or wholly unapplied.
type SQLGateway struct {
	db              *sqlx.DB
	lg              logger.Logger
	sink            event.Sink
	locker          Locker
	history         history
	tolerateOrphans bool
	verifyChecksums bool
}

var _ Gateway = (*SQLGateway)(nil)
var _ ServiceGateway = (*SQLGateway)(nil)

func NewSQLGateway(db *sql.DB, driverName string, cfg Config) (*SQLGateway, error) {
	if db == nil {
		return nil, errors.Wrap(ErrConnection, "nil database handle")
	}

	table := cfg.HistoryTable
	if table == "" {
		table = DefaultHistoryTable
	}

	locker := cfg.Locker
	if locker == nil {
		locker = NullLocker{}
	}

	g := &SQLGateway{
		db:              sqlx.NewDb(db, driverName),
		lg:              &logger.NullLogger{},
		sink:            event.NullSink{},
		locker:          locker,
		history:         history{table: table},
		tolerateOrphans: cfg.TolerateOrphans,
		verifyChecksums: !cfg.SkipChecksums,
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	if err := g.db.PingContext(ctx); err != nil {
		return nil, errors.Wrapf(ErrConnection, "%s", err.Error())
	}

	return g, nil
}

func (g *SQLGateway) SetLogger(lg logger.Logger) {
	g.lg = lg
}

func (g *SQLGateway) SetSink(sink event.Sink) {
	g.sink = sink
}

func (g *SQLGateway) Close() error {
	return g.db.Close()
}

func (g *SQLGateway) Migrate(
	ctx context.Context,
	modules migration.Modules,
	p Plan,
) (migration.Modules, error) {
	var migrated migration.Modules

	err := g.underLock(ctx, func(ctx context.Context) error {
		if err := g.CreateHistoryTable(ctx); err != nil {
			return err
		}

		records, err := g.history.all(ctx, g.db)
		if err != nil {
			return err
		}

		if g.verifyChecksums {
			if err := VerifyChecksums(modules, records); err != nil {
				return err
			}
		}

		scheduled, err := ScheduleForMigration(modules, records, p, g.tolerateOrphans)
		if err != nil {
			return err
		}

		if len(scheduled) == 0 {
			return ErrNoPending
		}

		for i := range scheduled {
			// cancellation is honored only in the gap between
			// migrations, never mid transaction
			if err := cancelled(ctx); err != nil {
				return err
			}

			if err := g.migrateOne(ctx, scheduled[i]); err != nil {
				return err
			}

			migrated = append(migrated, scheduled[i])
		}

		return nil
	})

	return migrated, err
}

func (g *SQLGateway) Rollback(
	ctx context.Context,
	modules migration.Modules,
	p Plan,
) (migration.Modules, error) {
	var rolledBack migration.Modules

	err := g.underLock(ctx, func(ctx context.Context) error {
		exists, err := g.historyTableExists(ctx)
		if err != nil {
			return err
		}

		// an absent ledger means nothing was ever applied; do not
		// create it just to find that out
		if !exists {
			return ErrNoApplied
		}

		records, err := g.history.all(ctx, g.db)
		if err != nil {
			return err
		}

		if g.verifyChecksums {
			if err := VerifyChecksums(modules, records); err != nil {
				return err
			}
		}

		scheduled, skipped, err := ScheduleForRollback(modules, records, p, g.tolerateOrphans)
		if err != nil {
			return err
		}

		for i := range skipped {
			g.lg.Debugf("skipping orphaned record [%s]", skipped[i].ID)
			g.sink.Emit(event.Event{
				Op:        event.OpDowngrade,
				Phase:     event.PhaseSkipped,
				Key:       skipped[i].ID,
				StartedAt: time.Now(),
			})
		}

		if len(scheduled) == 0 {
			return ErrNoApplied
		}

		for i := range scheduled {
			if err := cancelled(ctx); err != nil {
				return err
			}

			if err := g.rollbackOne(ctx, scheduled[i]); err != nil {
				return err
			}

			rolledBack = append(rolledBack, scheduled[i])
		}

		return nil
	})

	return rolledBack, err
}

// Refresh rolls the planned set back and migrates everything pending
// again. Informational outcomes of one leg do not abort the other.
func (g *SQLGateway) Refresh(
	ctx context.Context,
	modules migration.Modules,
	p Plan,
) (migration.Modules, migration.Modules, error) {
	rolledBack, err := g.Rollback(ctx, modules, p)
	if err != nil && !errors.Is(err, ErrNoApplied) {
		return rolledBack, nil, err
	}

	migrated, err := g.Migrate(ctx, modules, p)
	if err != nil && !errors.Is(err, ErrNoPending) {
		return rolledBack, migrated, err
	}

	if len(rolledBack) == 0 && len(migrated) == 0 {
		return nil, nil, ErrNoPending
	}

	return rolledBack, migrated, nil
}

func (g *SQLGateway) ReadRecords(ctx context.Context) ([]migration.Record, error) {
	exists, err := g.historyTableExists(ctx)
	if err != nil {
		return nil, err
	}

	if !exists {
		return nil, nil
	}

	return g.history.all(ctx, g.db)
}

func (g *SQLGateway) CreateHistoryTable(ctx context.Context) error {
	q := g.history.ensureQuery()
	g.lg.SQL(q)

	if _, err := g.db.ExecContext(ctx, q); err != nil {
		return errors.Wrapf(ErrRecordStore, "could not create history table: %s", err.Error())
	}

	return nil
}

func (g *SQLGateway) DropHistoryTable(ctx context.Context) error {
	q := g.history.dropQuery()
	g.lg.SQL(q)

	if _, err := g.db.ExecContext(ctx, q); err != nil {
		return errors.Wrap(err, "could not drop history table")
	}

	return nil
}

func (g *SQLGateway) ShowTables(ctx context.Context) ([]string, error) {
	var tables []string
	if err := sqlx.SelectContext(ctx, g.db, &tables, showTablesQuery); err != nil {
		return nil, errors.Wrap(err, "could not list tables")
	}

	return tables, nil
}

func (g *SQLGateway) migrateOne(ctx context.Context, m migration.Module) error {
	key := migration.KeyOf(m)
	started := time.Now()

	g.sink.Emit(event.Event{
		Op:          event.OpUpgrade,
		Phase:       event.PhaseStart,
		Key:         key,
		Description: m.Description(),
		StartedAt:   started,
	})
	g.lg.Debugf("migrating [%s]", key)

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		err = errors.Wrapf(err, "could not begin transaction for [%s]", key)
		g.emitFailure(event.OpUpgrade, m, started, err)
		return err
	}

	if err := m.Up(ctx, tx); err != nil {
		return g.failOne(tx, event.OpUpgrade, DirectionUp, m, started, err)
	}

	record := migration.Record{
		ID:        m.ID(),
		AppliedAt: time.Now().UTC(),
		Checksum:  migration.ChecksumOf(m),
	}

	if err := g.history.insert(ctx, tx, record); err != nil {
		return g.failOne(tx, event.OpUpgrade, DirectionUp, m, started, err)
	}

	if err := tx.Commit(); err != nil {
		return g.failOne(tx, event.OpUpgrade, DirectionUp, m, started,
			errors.Wrap(err, "could not commit"))
	}

	g.lg.Successf("migrated [%s]", key)
	g.sink.Emit(event.Event{
		Op:          event.OpUpgrade,
		Phase:       event.PhaseApplied,
		Key:         key,
		Description: m.Description(),
		StartedAt:   started,
		Elapsed:     time.Since(started),
	})

	return nil
}

func (g *SQLGateway) rollbackOne(ctx context.Context, m migration.Module) error {
	key := migration.KeyOf(m)
	started := time.Now()

	g.sink.Emit(event.Event{
		Op:          event.OpDowngrade,
		Phase:       event.PhaseStart,
		Key:         key,
		Description: m.Description(),
		StartedAt:   started,
	})
	g.lg.Debugf("rolling back [%s]", key)

	tx, err := g.db.BeginTxx(ctx, nil)
	if err != nil {
		err = errors.Wrapf(err, "could not begin transaction for [%s]", key)
		g.emitFailure(event.OpDowngrade, m, started, err)
		return err
	}

	if err := m.Down(ctx, tx); err != nil {
		return g.failOne(tx, event.OpDowngrade, DirectionDown, m, started, err)
	}

	if err := g.history.remove(ctx, tx, m.ID()); err != nil {
		return g.failOne(tx, event.OpDowngrade, DirectionDown, m, started, err)
	}

	if err := tx.Commit(); err != nil {
		return g.failOne(tx, event.OpDowngrade, DirectionDown, m, started,
			errors.Wrap(err, "could not commit"))
	}

	g.lg.Successf("rolled back [%s]", key)
	g.sink.Emit(event.Event{
		Op:          event.OpDowngrade,
		Phase:       event.PhaseReverted,
		Key:         key,
		Description: m.Description(),
		StartedAt:   started,
		Elapsed:     time.Since(started),
	})

	return nil
}

// failOne rolls back the transaction of the failing migration only;
// migrations committed earlier in the run stay applied.
func (g *SQLGateway) failOne(
	tx *sqlx.Tx,
	op event.Op,
	direction Direction,
	m migration.Module,
	started time.Time,
	cause error,
) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		cause = errors.Wrapf(cause, "also failed to roll back transaction: %s", rbErr.Error())
	}

	g.emitFailure(op, m, started, cause)

	return &ExecutionError{
		Key:       migration.KeyOf(m),
		Direction: direction,
		Err:       cause,
	}
}

func (g *SQLGateway) emitFailure(op event.Op, m migration.Module, started time.Time, err error) {
	g.lg.Error(err)
	g.sink.Emit(event.Event{
		Op:          op,
		Phase:       event.PhaseFailed,
		Key:         migration.KeyOf(m),
		Description: m.Description(),
		StartedAt:   started,
		Elapsed:     time.Since(started),
		Err:         err,
	})
}

func (g *SQLGateway) historyTableExists(ctx context.Context) (bool, error) {
	var count int
	if err := sqlx.GetContext(ctx, g.db, &count, tableExistsQuery, g.history.table); err != nil {
		return false, errors.Wrapf(ErrRecordStore, "%s", err.Error())
	}

	return count > 0, nil
}

func (g *SQLGateway) underLock(ctx context.Context, f func(context.Context) error) error {
	if err := g.locker.Lock(ctx); err != nil {
		return errors.Wrap(err, "database lock failed")
	}

	err := f(ctx)

	if uErr := g.locker.Unlock(); uErr != nil {
		if err == nil {
			err = uErr
		} else {
			err = errors.Wrap(err, uErr.Error())
		}
	}

	return err
}

func cancelled(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
