// Package duckup is a schema migration engine for embedded databases:
// it applies ordered, reversible schema/data changes to a single database
// file and durably tracks which changes have been applied in a history
// table inside that same file.
package duckup

import (
	"context"
	"database/sql"

	"github.com/denismitr/duckup/event"
	"github.com/denismitr/duckup/internal/database"
	"github.com/denismitr/duckup/internal/logger"
	"github.com/denismitr/duckup/internal/source"
	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

var ErrConnectionNotInitialized = errors.New("database connection has not been initialized")

// Informational, non fatal outcomes: the run had nothing to do.
var (
	ErrNoPendingMigrations = database.ErrNoPending
	ErrNoAppliedMigrations = database.ErrNoApplied
)

// Failure taxonomy re-exported for errors.Is checks by callers.
var (
	ErrConnection       = database.ErrConnection
	ErrBadTarget        = database.ErrBadTarget
	ErrOrphanedRecords  = database.ErrOrphanedRecords
	ErrChecksumMismatch = database.ErrChecksumMismatch
	ErrRecordStore      = database.ErrRecordStore
	ErrDuplicateID      = source.ErrDuplicateID
	ErrMalformedID      = migration.ErrMalformedID
	ErrMissingOperation = migration.ErrMissingOperation
)

// ExecutionError wraps the id of the failing migration and the root cause.
type ExecutionError = database.ExecutionError

type CloserFunc func() error

// Migrator orchestrates upgrade and downgrade runs: discovery selects and
// orders the candidate modules, the gateway diffs them against the history
// ledger and executes the pending or revertible work one module per
// transaction. A Migrator assumes it is the single active writer on the
// database file for the duration of a run.
type Migrator struct {
	lg       logger.Logger
	sink     event.Sink
	gateway  database.Gateway
	selector source.Selector

	db              *sql.DB
	driverName      string
	historyTable    string
	locker          database.Locker
	tolerateOrphans bool
	skipChecksums   bool
}

// NewMigrator creates a migrator using option callbacks to customize the
// newly created configurator; when no custom options are given a number of
// defaults are applied: local folder discovery in ./migrations, null
// logger, null event sink, no file lock.
func NewMigrator(opts ...OptionFunc) (*Migrator, CloserFunc, error) {
	m := new(Migrator)
	m.lg = &logger.NullLogger{}
	m.sink = event.NullSink{}
	m.historyTable = database.DefaultHistoryTable

	for _, oFunc := range opts {
		if err := oFunc(m); err != nil {
			return nil, nil, err
		}
	}

	if m.db == nil {
		return nil, nil, ErrConnectionNotInitialized
	}

	gateway, err := database.NewSQLGateway(m.db, m.driverName, database.Config{
		HistoryTable:    m.historyTable,
		Locker:          m.locker,
		TolerateOrphans: m.tolerateOrphans,
		SkipChecksums:   m.skipChecksums,
	})
	if err != nil {
		return nil, nil, err
	}

	if m.selector == nil {
		localFsSource, err := source.NewLocalFSSource(source.DefaultMigrationsFolder, m.lg)
		if err != nil {
			if gatewayErr := gateway.Close(); gatewayErr != nil {
				return nil, nil, errors.Wrap(err, gatewayErr.Error())
			}

			return nil, nil, err
		}

		m.selector = localFsSource
	}

	gateway.SetLogger(m.lg)
	gateway.SetSink(m.sink)
	m.gateway = gateway

	return m, m.close, nil
}

// Migrate applies every pending migration oldest first, each inside its
// own transaction together with its history record. On failure the run
// stops and the failing transaction alone is rolled back.
func (m *Migrator) Migrate(ctx context.Context, cfs ...ActionConfigurator) (migration.Modules, error) {
	act := new(Action)
	for _, f := range cfs {
		f(act)
	}

	modules, err := m.selector.Select(ctx, source.Filter{Keys: act.keys})
	if err != nil {
		m.lg.Error(err)
		return nil, err
	}

	migrated, err := m.gateway.Migrate(ctx, modules, database.Plan{Steps: act.steps, Target: act.target})
	if err != nil {
		if !errors.Is(err, ErrNoPendingMigrations) {
			m.lg.Error(err)
		}

		return migrated, err
	}

	return migrated, nil
}

// Rollback reverts applied migrations newest first, strict LIFO, each
// inside its own transaction together with its history record removal.
func (m *Migrator) Rollback(ctx context.Context, cfs ...ActionConfigurator) (migration.Modules, error) {
	act := new(Action)
	for _, f := range cfs {
		f(act)
	}

	modules, err := m.selector.Select(ctx, source.Filter{Keys: act.keys})
	if err != nil {
		m.lg.Error(err)
		return nil, errors.Wrap(err, "could not rollback migrations")
	}

	rolledBack, err := m.gateway.Rollback(ctx, modules, database.Plan{Steps: act.steps, Target: act.target})
	if err != nil {
		if !errors.Is(err, ErrNoAppliedMigrations) {
			m.lg.Error(err)
		}

		return rolledBack, err
	}

	return rolledBack, nil
}

// Refresh first rolls the migrations back and then migrates them again.
func (m *Migrator) Refresh(ctx context.Context, cfs ...ActionConfigurator) (migration.Modules, migration.Modules, error) {
	act := new(Action)
	for _, f := range cfs {
		f(act)
	}

	modules, err := m.selector.Select(ctx, source.Filter{Keys: act.keys})
	if err != nil {
		m.lg.Error(err)
		return nil, nil, err
	}

	rolledBack, migrated, err := m.gateway.Refresh(ctx, modules, database.Plan{Steps: act.steps, Target: act.target})
	if err != nil {
		if !errors.Is(err, ErrNoPendingMigrations) {
			m.lg.Error(err)
		}

		return rolledBack, migrated, err
	}

	return rolledBack, migrated, nil
}

// Records returns the history ledger in application order.
func (m *Migrator) Records(ctx context.Context) ([]migration.Record, error) {
	sg, ok := m.gateway.(database.ServiceGateway)
	if !ok {
		return nil, errors.New("gateway does not expose history records")
	}

	return sg.ReadRecords(ctx)
}

// Source returns the migrator selector if it implements the full
// source.Source interface, i.e. it can scaffold new migrations.
func (m *Migrator) Source() source.Source {
	if s, ok := m.selector.(source.Source); ok {
		return s
	}

	return nil
}

func (m *Migrator) close() error {
	if m.gateway == nil {
		return ErrConnectionNotInitialized
	}

	if err := m.gateway.Close(); err != nil {
		m.lg.Error(err)
		return err
	}

	return nil
}
