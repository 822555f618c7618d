package database

import (
	"context"
	"fmt"

	"github.com/denismitr/duckup/migration"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

const (
	createHistoryTableQuery = `
		CREATE TABLE IF NOT EXISTS %s (
			migration_id TEXT PRIMARY KEY,
			applied_at TIMESTAMP NOT NULL,
			checksum TEXT
		);
	`
	selectRecordsQuery = `
		SELECT migration_id, applied_at, COALESCE(checksum, '') AS checksum
		FROM %s
		ORDER BY applied_at ASC, migration_id ASC;
	`
	insertRecordQuery     = "INSERT INTO %s (migration_id, applied_at, checksum) VALUES (?, ?, ?);"
	deleteRecordQuery     = "DELETE FROM %s WHERE migration_id = ?;"
	dropHistoryTableQuery = "DROP TABLE IF EXISTS %s;"
	showTablesQuery       = "SELECT name FROM sqlite_master WHERE type='table' ORDER BY name;"
)

// history is the persisted ledger of applied migrations. Insert and remove
// always run on the transaction the runner hands in; the ledger never
// commits on its own, so a schema change and its bookkeeping are
// inseparable.
type history struct {
	table string
}

func (h history) ensureQuery() string {
	return fmt.Sprintf(createHistoryTableQuery, h.table)
}

func (h history) dropQuery() string {
	return fmt.Sprintf(dropHistoryTableQuery, h.table)
}

func (h history) all(ctx context.Context, q sqlx.QueryerContext) ([]migration.Record, error) {
	var records []migration.Record

	query := fmt.Sprintf(selectRecordsQuery, h.table)
	if err := sqlx.SelectContext(ctx, q, &records, query); err != nil {
		return nil, errors.Wrapf(ErrRecordStore, "[%s]: %s", h.table, err.Error())
	}

	return records, nil
}

func (h history) insert(ctx context.Context, ex sqlx.ExecerContext, r migration.Record) error {
	query := fmt.Sprintf(insertRecordQuery, h.table)

	var checksum interface{}
	if r.Checksum != "" {
		checksum = r.Checksum
	}

	if _, err := ex.ExecContext(ctx, query, r.ID, r.AppliedAt, checksum); err != nil {
		return errors.Wrapf(err, "could not record migration [%s] as applied", r.ID)
	}

	return nil
}

func (h history) remove(ctx context.Context, ex sqlx.ExecerContext, id string) error {
	query := fmt.Sprintf(deleteRecordQuery, h.table)

	if _, err := ex.ExecContext(ctx, query, id); err != nil {
		return errors.Wrapf(err, "could not record migration [%s] as reverted", id)
	}

	return nil
}
