package duckup

import (
	"database/sql"

	"github.com/denismitr/duckup/event"
	"github.com/denismitr/duckup/internal/database"
	"github.com/denismitr/duckup/internal/logger"
	"github.com/denismitr/duckup/internal/source"
	"github.com/denismitr/duckup/migration"
)

type OptionFunc func(*Migrator) error

// UseSQLite attaches an already open handle from the mattn/go-sqlite3
// driver. The migrator owns the handle until its closer is called.
func UseSQLite(db *sql.DB) OptionFunc {
	return UseDB(db, "sqlite3")
}

// UsePureSQLite attaches an already open handle from the cgo free
// modernc.org/sqlite driver.
func UsePureSQLite(db *sql.DB) OptionFunc {
	return UseDB(db, "sqlite")
}

// UseDB attaches a handle from any embedded database/sql driver.
func UseDB(db *sql.DB, driverName string) OptionFunc {
	return func(m *Migrator) error {
		m.db = db
		m.driverName = driverName
		return nil
	}
}

// UseLocalFolderSource discovers migrations from NNN_name.migrate.sql and
// NNN_name.rollback.sql pairs in the given folder.
func UseLocalFolderSource(folder string) OptionFunc {
	return func(m *Migrator) error {
		s, err := source.NewLocalFSSource(folder, m.lg)
		if err != nil {
			return err
		}

		m.selector = s
		return nil
	}
}

// UseModules registers migration modules explicitly. Duplicate or
// malformed ids fail here, before any database access.
func UseModules(modules ...migration.Module) OptionFunc {
	return func(m *Migrator) error {
		r, err := source.NewRegistry(modules...)
		if err != nil {
			return err
		}

		m.selector = r
		return nil
	}
}

// UseHistoryTable overrides the default history table name.
func UseHistoryTable(name string) OptionFunc {
	return func(m *Migrator) error {
		m.historyTable = name
		return nil
	}
}

func UseColorLogger(p logger.Printer, printSQL, printDebug bool) OptionFunc {
	return func(m *Migrator) error {
		m.lg = logger.New(p, printSQL, printDebug)
		return nil
	}
}

// UseEventSink receives structured start/success/failure notifications per
// migration. The engine emits these as data and never prints itself.
func UseEventSink(sink event.Sink) OptionFunc {
	return func(m *Migrator) error {
		m.sink = sink
		return nil
	}
}

// UseFileLock serializes runs against the same database file through an
// advisory lock file, usually placed next to the database file.
func UseFileLock(path string) OptionFunc {
	return func(m *Migrator) error {
		m.locker = database.NewFileLocker(path)
		return nil
	}
}

// TolerateOrphans makes the migrator ignore history records whose module
// is no longer discoverable instead of failing the run. On downgrade the
// migrator still refuses to revert past such a record.
func TolerateOrphans() OptionFunc {
	return func(m *Migrator) error {
		m.tolerateOrphans = true
		return nil
	}
}

// SkipChecksumVerification disables the comparison of discovered module
// checksums against the ones recorded in history.
func SkipChecksumVerification() OptionFunc {
	return func(m *Migrator) error {
		m.skipChecksums = true
		return nil
	}
}
