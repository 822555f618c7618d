package database

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/denismitr/duckup/event"
	"github.com/denismitr/duckup/migration"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func newTestGateway(t *testing.T, cfg Config) *SQLGateway {
	t.Helper()

	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)

	g, err := NewSQLGateway(db, "sqlite", cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := g.Close(); err != nil {
			t.Error(err)
		}
	})

	return g
}

func userModules(t *testing.T) migration.Modules {
	t.Helper()

	m1, err := migration.New(
		"001",
		"Create users",
		[]string{"CREATE TABLE users (id INTEGER, name VARCHAR)", "INSERT INTO users VALUES (1, 'Alice'), (2, 'Bob')"},
		[]string{"DROP TABLE users"},
	)
	require.NoError(t, err)

	m2, err := migration.New(
		"002",
		"Add email",
		[]string{"ALTER TABLE users ADD COLUMN email VARCHAR"},
		[]string{"ALTER TABLE users DROP COLUMN email"},
	)
	require.NoError(t, err)

	return migration.Modules{m1, m2}
}

func Test_GatewayMigratesAndRollsBack(t *testing.T) {
	g := newTestGateway(t, Config{})
	modules := userModules(t)

	ctx := context.Background()

	migrated, err := g.Migrate(ctx, modules, Plan{})
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_users", "002_add_email"}, migrated.Keys())

	records, err := g.ReadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "001", records[0].ID)
	assert.Equal(t, "002", records[1].ID)
	assert.False(t, records[0].AppliedAt.IsZero())
	assert.NotEmpty(t, records[0].Checksum)

	tables, err := g.ShowTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "users")
	assert.Contains(t, tables, "migrations")

	// a second run has nothing to do and writes nothing
	again, err := g.Migrate(ctx, modules, Plan{})
	assert.True(t, errors.Is(err, ErrNoPending))
	assert.Empty(t, again)

	rolledBack, err := g.Rollback(ctx, modules, Plan{})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_add_email", "001_create_users"}, rolledBack.Keys())

	records, err = g.ReadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 0)

	tables, err = g.ShowTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "users")
}

func Test_GatewayFailsFastAndKeepsPriorCommits(t *testing.T) {
	g := newTestGateway(t, Config{})
	modules := userModules(t)

	broken, err := migration.New(
		"003",
		"Add audit",
		[]string{"CREATE TABLE audit (id INTEGER)", "SELECT * FROM nonexistent_table"},
		[]string{"DROP TABLE audit"},
	)
	require.NoError(t, err)

	modules = append(modules, broken)

	ctx := context.Background()

	migrated, err := g.Migrate(ctx, modules, Plan{})
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, "003_add_audit", execErr.Key)
	assert.Equal(t, DirectionUp, execErr.Direction)

	// the two migrations committed before the failure stay applied
	assert.Equal(t, []string{"001_create_users", "002_add_email"}, migrated.Keys())

	records, err := g.ReadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "001", records[0].ID)
	assert.Equal(t, "002", records[1].ID)

	// the failing transaction was rolled back wholly: no audit table
	tables, err := g.ShowTables(ctx)
	require.NoError(t, err)
	assert.NotContains(t, tables, "audit")
}

func Test_GatewayRollbackFailureLeavesMigrationApplied(t *testing.T) {
	g := newTestGateway(t, Config{})

	m, err := migration.New(
		"001",
		"Create users",
		[]string{"CREATE TABLE users (id INTEGER)"},
		[]string{"SELECT * FROM nonexistent_table", "DROP TABLE users"},
	)
	require.NoError(t, err)

	modules := migration.Modules{m}
	ctx := context.Background()

	_, err = g.Migrate(ctx, modules, Plan{})
	require.NoError(t, err)

	_, err = g.Rollback(ctx, modules, Plan{})
	require.Error(t, err)

	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, DirectionDown, execErr.Direction)

	// the failed revert rolled back: table and record both still there
	records, err := g.ReadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)

	tables, err := g.ShowTables(ctx)
	require.NoError(t, err)
	assert.Contains(t, tables, "users")
}

func Test_GatewayRollbackOnEmptyDatabaseTouchesNothing(t *testing.T) {
	g := newTestGateway(t, Config{})
	modules := userModules(t)

	ctx := context.Background()

	rolledBack, err := g.Rollback(ctx, modules, Plan{})
	assert.True(t, errors.Is(err, ErrNoApplied))
	assert.Empty(t, rolledBack)

	// not even the history table was created
	tables, err := g.ShowTables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)
}

func Test_GatewayTargetedRuns(t *testing.T) {
	g := newTestGateway(t, Config{})
	modules := userModules(t)

	ctx := context.Background()

	migrated, err := g.Migrate(ctx, modules, Plan{Target: "001"})
	require.NoError(t, err)
	assert.Equal(t, []string{"001_create_users"}, migrated.Keys())

	_, err = g.Migrate(ctx, modules, Plan{})
	require.NoError(t, err)

	rolledBack, err := g.Rollback(ctx, modules, Plan{Target: "001"})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_add_email"}, rolledBack.Keys())

	records, err := g.ReadRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "001", records[0].ID)
}

func Test_GatewayRefresh(t *testing.T) {
	g := newTestGateway(t, Config{})
	modules := userModules(t)

	ctx := context.Background()

	_, err := g.Migrate(ctx, modules, Plan{})
	require.NoError(t, err)

	rolledBack, migrated, err := g.Refresh(ctx, modules, Plan{})
	require.NoError(t, err)
	assert.Equal(t, []string{"002_add_email", "001_create_users"}, rolledBack.Keys())
	assert.Equal(t, []string{"001_create_users", "002_add_email"}, migrated.Keys())

	records, err := g.ReadRecords(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func Test_GatewayChecksumDriftIsDetected(t *testing.T) {
	g := newTestGateway(t, Config{})

	original, err := migration.New(
		"001",
		"Create users",
		[]string{"CREATE TABLE users (id INTEGER)"},
		[]string{"DROP TABLE users"},
	)
	require.NoError(t, err)

	ctx := context.Background()

	_, err = g.Migrate(ctx, migration.Modules{original}, Plan{})
	require.NoError(t, err)

	edited, err := migration.New(
		"001",
		"Create users",
		[]string{"CREATE TABLE users (id INTEGER, name VARCHAR)"},
		[]string{"DROP TABLE users"},
	)
	require.NoError(t, err)

	_, err = g.Migrate(ctx, migration.Modules{edited}, Plan{})
	assert.True(t, errors.Is(err, ErrChecksumMismatch))

	_, err = g.Rollback(ctx, migration.Modules{edited}, Plan{})
	assert.True(t, errors.Is(err, ErrChecksumMismatch))
}

func Test_GatewayEmitsEvents(t *testing.T) {
	g := newTestGateway(t, Config{})

	recorder := new(event.Recorder)
	g.SetSink(recorder)

	modules := userModules(t)
	ctx := context.Background()

	_, err := g.Migrate(ctx, modules, Plan{})
	require.NoError(t, err)

	events := recorder.Events()
	require.Len(t, events, 4)
	assert.Equal(t, event.PhaseStart, events[0].Phase)
	assert.Equal(t, event.PhaseApplied, events[1].Phase)
	assert.Equal(t, "001_create_users", events[0].Key)
	assert.Equal(t, "001_create_users", events[1].Key)
	assert.Equal(t, event.OpUpgrade, events[0].Op)

	_, err = g.Rollback(ctx, modules, Plan{Steps: 1})
	require.NoError(t, err)

	events = recorder.Events()
	require.Len(t, events, 6)
	assert.Equal(t, event.OpDowngrade, events[4].Op)
	assert.Equal(t, event.PhaseStart, events[4].Phase)
	assert.Equal(t, event.PhaseReverted, events[5].Phase)
	assert.Equal(t, "002_add_email", events[5].Key)
}
