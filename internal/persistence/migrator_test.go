package persistence_test

import (
	"IntentFlow/internal/persistence"
	"context"
	"errors"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func migrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"000001_event_store.up.sql":   {Data: []byte("CREATE TABLE a (id INT);")},
		"000001_event_store.down.sql": {Data: []byte("DROP TABLE a;")},
		"000002_outbox.up.sql":        {Data: []byte("CREATE TABLE b (id INT);")},
		"README.md":                   {Data: []byte("migrations")},
	}
}

func newMockMigrator(t *testing.T, src fstest.MapFS) (*persistence.Migrator, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return persistence.NewMigrator(db, src, zerolog.Nop()), mock
}

func expectMigrationPreamble(mock sqlmock.Sqlmock, current int) {
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS event_store.schema_versions`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0) FROM event_store.schema_versions`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(current))
}

func TestMigrationsOrderedByVersion(t *testing.T) {
	got, err := persistence.Migrations(fstest.MapFS{
		"000010_late.up.sql":  {Data: []byte("--")},
		"000002_early.up.sql": {Data: []byte("--")},
	})
	require.NoError(t, err)
	assert.Equal(t, []persistence.Migration{
		{Version: 2, Name: "early", File: "000002_early.up.sql"},
		{Version: 10, Name: "late", File: "000010_late.up.sql"},
	}, got)
}

func TestMigrationsRejectBadNames(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"no name":   {"000001.up.sql": {}},
		"no number": {"init_schema.up.sql": {}},
		"duplicate": {"000001_a.up.sql": {}, "1_b.up.sql": {}},
	}
	for name, src := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := persistence.Migrations(src)
			assert.Error(t, err)
		})
	}
}

func TestMigratorUpAppliesOnlyPending(t *testing.T) {
	m, mock := newMockMigrator(t, migrationsFS())

	expectMigrationPreamble(mock, 1)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE b (id INT);`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.schema_versions (version, name)`)).
		WithArgs(2, "outbox").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	v, err := m.Up(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorUpRollsBackOnFailure(t *testing.T) {
	m, mock := newMockMigrator(t, migrationsFS())

	expectMigrationPreamble(mock, 0)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE a (id INT);`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO event_store.schema_versions (version, name)`)).
		WithArgs(1, "event_store").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE b (id INT);`)).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	_, err := m.Up(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "000002_outbox.up.sql")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorVersionOnFreshDatabase(t *testing.T) {
	m, mock := newMockMigrator(t, migrationsFS())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass('event_store.schema_versions') IS NOT NULL`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	v, err := m.Version(context.Background())
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMigratorCheckReportsPendingMigrations(t *testing.T) {
	m, mock := newMockMigrator(t, migrationsFS())
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0)`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(1))

	v, err := m.Check(context.Background())
	assert.ErrorIs(t, err, persistence.ErrSchemaBehind)
	assert.Equal(t, 1, v)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT to_regclass`)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COALESCE(MAX(version), 0)`)).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(2))

	v, err = m.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, v)
	assert.NoError(t, mock.ExpectationsWereMet())
}
