package database

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/denismitr/duckup/event"
	"github.com/denismitr/duckup/internal/logger"
	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
)

const DefaultHistoryTable = "migrations"

var (
	ErrConnection       = errors.New("could not acquire database connection")
	ErrNoPending        = errors.New("no pending migrations")
	ErrNoApplied        = errors.New("no applied migrations")
	ErrBadTarget        = errors.New("target migration id out of range")
	ErrOrphanedRecords  = errors.New("history contains records with no matching migration module")
	ErrChecksumMismatch = errors.New("migration definition does not match its history record")
	ErrRecordStore      = errors.New("history table is unreadable")
)

type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// ExecutionError identifies the migration whose operation failed and wraps
// the root cause. Prior commits of the same run are left intact.
type ExecutionError struct {
	Key       string
	Direction Direction
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("migration [%s] failed during %s: %s", e.Key, e.Direction, e.Err)
}

func (e *ExecutionError) Cause() error { return e.Err }

func (e *ExecutionError) Unwrap() error { return e.Err }

// Plan narrows a run: Target bounds the run by id (inclusive when
// migrating, exclusive when rolling back), Steps caps the number of
// migrations touched. Zero values mean no bound.
type Plan struct {
	Steps  int
	Target string
}

type Gateway interface {
	io.Closer

	SetLogger(lg logger.Logger)
	SetSink(sink event.Sink)

	Migrate(ctx context.Context, modules migration.Modules, p Plan) (migration.Modules, error)
	Rollback(ctx context.Context, modules migration.Modules, p Plan) (migration.Modules, error)
	Refresh(ctx context.Context, modules migration.Modules, p Plan) (migration.Modules, migration.Modules, error)
}

// ServiceGateway exposes bookkeeping helpers used by tooling and tests.
type ServiceGateway interface {
	io.Closer

	ReadRecords(ctx context.Context) ([]migration.Record, error)
	CreateHistoryTable(ctx context.Context) error
	DropHistoryTable(ctx context.Context) error
	ShowTables(ctx context.Context) ([]string, error)
}

// ScheduleForMigration computes the pending set: discovered modules that
// are not yet recorded, bounded by the target, oldest first.
func ScheduleForMigration(
	modules migration.Modules,
	records []migration.Record,
	p Plan,
	tolerateOrphans bool,
) (migration.Modules, error) {
	byID, head, err := indexRecords(modules, records, tolerateOrphans)
	if err != nil {
		return nil, err
	}

	var target uint64
	if p.Target != "" {
		target, err = migration.ParseID(p.Target)
		if err != nil {
			return nil, errors.Wrapf(ErrBadTarget, "[%s]", p.Target)
		}

		if target < head {
			return nil, errors.Wrapf(
				ErrBadTarget,
				"cannot migrate up to [%s]: database is already past it",
				p.Target,
			)
		}
	}

	sorted := make(migration.Modules, len(modules))
	copy(sorted, modules)
	sort.Sort(sorted)

	var scheduled migration.Modules
	for i := range sorted {
		v, err := migration.ParseID(sorted[i].ID())
		if err != nil {
			return nil, err
		}

		if _, applied := byID[v]; applied {
			continue
		}

		if p.Target != "" && v > target {
			continue
		}

		scheduled = append(scheduled, sorted[i])
		if p.Steps > 0 && len(scheduled) >= p.Steps {
			break
		}
	}

	return scheduled, nil
}

// ScheduleForRollback computes the migrations to revert in strict LIFO
// order: the applied set newest first, down to but not including the
// target, or the Steps most recent when the target is absent. With neither
// given everything applied is reverted. In orphan tolerant mode scheduling
// stops at the first record without a module; those records are returned
// so the caller can report them as skipped.
func ScheduleForRollback(
	modules migration.Modules,
	records []migration.Record,
	p Plan,
	tolerateOrphans bool,
) (migration.Modules, []migration.Record, error) {
	moduleByID := make(map[uint64]migration.Module, len(modules))
	for i := range modules {
		v, err := migration.ParseID(modules[i].ID())
		if err != nil {
			return nil, nil, err
		}

		moduleByID[v] = modules[i]
	}

	var head uint64
	for i := range records {
		v, err := migration.ParseID(records[i].ID)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrRecordStore, "bad record id [%s]", records[i].ID)
		}

		if v > head {
			head = v
		}
	}

	var target uint64
	haveTarget := p.Target != ""
	if haveTarget {
		var err error
		target, err = migration.ParseID(p.Target)
		if err != nil {
			return nil, nil, errors.Wrapf(ErrBadTarget, "[%s]", p.Target)
		}

		if target > head {
			return nil, nil, errors.Wrapf(
				ErrBadTarget,
				"cannot roll back to [%s]: database never reached it",
				p.Target,
			)
		}
	}

	var scheduled migration.Modules
	var skipped []migration.Record

	// records arrive in application order, revert newest first
	for i := len(records) - 1; i >= 0; i-- {
		v, _ := migration.ParseID(records[i].ID)

		if haveTarget && v <= target {
			break
		}

		m, ok := moduleByID[v]
		if !ok {
			if !tolerateOrphans {
				return nil, nil, errors.Wrapf(ErrOrphanedRecords, "[%s]", records[i].ID)
			}

			// never revert past a record we cannot execute
			skipped = append(skipped, records[i])
			break
		}

		scheduled = append(scheduled, m)
		if !haveTarget && p.Steps > 0 && len(scheduled) >= p.Steps {
			break
		}
	}

	return scheduled, skipped, nil
}

// VerifyChecksums compares every applied record that carries a checksum
// against the discovered module with the same id. A mismatch means the
// migration definition was edited after it had been applied.
func VerifyChecksums(modules migration.Modules, records []migration.Record) error {
	byID := make(map[uint64]migration.Module, len(modules))
	for i := range modules {
		v, err := migration.ParseID(modules[i].ID())
		if err != nil {
			return err
		}

		byID[v] = modules[i]
	}

	for i := range records {
		if records[i].Checksum == "" {
			continue
		}

		v, err := migration.ParseID(records[i].ID)
		if err != nil {
			return errors.Wrapf(ErrRecordStore, "bad record id [%s]", records[i].ID)
		}

		m, ok := byID[v]
		if !ok {
			continue
		}

		if sum := migration.ChecksumOf(m); sum != "" && sum != records[i].Checksum {
			return errors.Wrapf(ErrChecksumMismatch, "[%s]", records[i].ID)
		}
	}

	return nil
}

func indexRecords(
	modules migration.Modules,
	records []migration.Record,
	tolerateOrphans bool,
) (map[uint64]migration.Record, uint64, error) {
	known := make(map[uint64]struct{}, len(modules))
	for i := range modules {
		v, err := migration.ParseID(modules[i].ID())
		if err != nil {
			return nil, 0, err
		}

		known[v] = struct{}{}
	}

	byID := make(map[uint64]migration.Record, len(records))
	var head uint64

	for i := range records {
		v, err := migration.ParseID(records[i].ID)
		if err != nil {
			return nil, 0, errors.Wrapf(ErrRecordStore, "bad record id [%s]", records[i].ID)
		}

		if _, ok := known[v]; !ok && !tolerateOrphans {
			return nil, 0, errors.Wrapf(ErrOrphanedRecords, "[%s]", records[i].ID)
		}

		byID[v] = records[i]
		if v > head {
			head = v
		}
	}

	return byID, head, nil
}
